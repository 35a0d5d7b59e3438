package pkg

import (
	"context"
	"github.com/pkg/errors"
)

// ChainWalker follows sponsor pointers upwards.
type ChainWalker struct {
	members MemberStore
}

func NewChainWalker(members MemberStore) *ChainWalker {
	return &ChainWalker{members: members}
}

// Chain returns up to maxDepth ancestors of startId, nearest first. startId
// itself is not part of its chain. A dangling sponsor pointer ends the chain.
func (w *ChainWalker) Chain(ctx context.Context, startId string, maxDepth int) ([]Member, error) {
	current, err := w.members.Member(ctx, startId)
	if err != nil {
		return nil, errors.Wrap(err, "Member")
	}

	seen := map[string]struct{}{current.ID: {}}
	chain := make([]Member, 0, maxDepth)

	for len(chain) < maxDepth && current.SponsorID != "" {
		if _, ok := seen[current.SponsorID]; ok {
			break
		}

		sponsor, err := w.members.Member(ctx, current.SponsorID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return chain, errors.Wrap(err, "Member")
		}

		seen[sponsor.ID] = struct{}{}
		chain = append(chain, *sponsor)
		current = sponsor
	}

	return chain, nil
}
