package pkg

import (
	"context"
	"github.com/pkg/errors"
)

// Placer finds the next open slot in the binary placement tree below a sponsor.
type Placer struct {
	members MemberStore
}

func NewPlacer(members MemberStore) *Placer {
	return &Placer{members: members}
}

// Place returns the first node, breadth first from sponsorId and left before
// right, that has an empty slot. ErrNoSponsor if sponsorId does not resolve.
func (p *Placer) Place(ctx context.Context, sponsorId string) (string, Slot, error) {
	if sponsorId == "" {
		return "", "", ErrNoSponsor
	}

	sponsor, err := p.members.Member(ctx, sponsorId)
	if errors.Is(err, ErrNotFound) {
		return "", "", errors.Wrap(ErrNoSponsor, sponsorId)
	}
	if err != nil {
		return "", "", errors.Wrap(err, "Member")
	}

	if sponsor.LeftID == "" {
		return sponsor.ID, SlotLeft, nil
	}
	if sponsor.RightID == "" {
		return sponsor.ID, SlotRight, nil
	}

	visited := map[string]struct{}{sponsor.ID: {}}
	frontier := p.children(sponsor, visited)

	for len(frontier) > 0 {
		nodes, err := p.members.Members(ctx, frontier)
		if err != nil {
			return "", "", errors.Wrap(err, "Members")
		}

		byId := make(map[string]*Member, len(nodes))
		for i := range nodes {
			byId[nodes[i].ID] = &nodes[i]
		}

		var next []string
		for _, id := range frontier {
			node, ok := byId[id]
			if !ok {
				// dangling child pointer, nothing below it
				continue
			}

			if node.LeftID == "" {
				return node.ID, SlotLeft, nil
			}
			if node.RightID == "" {
				return node.ID, SlotRight, nil
			}

			next = append(next, p.children(node, visited)...)
		}

		frontier = next
	}

	return "", "", errors.Errorf("placement: no open slot below %s", sponsorId)
}

func (p *Placer) children(m *Member, visited map[string]struct{}) []string {
	var ids []string
	for _, id := range []string{m.LeftID, m.RightID} {
		if id == "" {
			continue
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
