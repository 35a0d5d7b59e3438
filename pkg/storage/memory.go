package storage

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/shopspring/decimal"
	"sort"
	"sync"
)

type postingKey struct {
	recipient string
	from      string
	level     int
}

type missedKey struct {
	recipient string
	level     int
}

// Memory keeps members, ledger and missed earnings in process. It implements
// every store of the engine plus the earnings counter.
type Memory struct {
	mu       sync.RWMutex
	members  map[string]*pkg.Member
	codes    map[string]string
	sponsors map[string][]string
	entries  []pkg.LedgerEntry
	postings map[postingKey]int
	missed   map[missedKey]*pkg.MissedLevelEarning
	earnings map[string]decimal.Decimal
	halts    map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		members:  make(map[string]*pkg.Member),
		codes:    make(map[string]string),
		sponsors: make(map[string][]string),
		postings: make(map[postingKey]int),
		missed:   make(map[missedKey]*pkg.MissedLevelEarning),
		earnings: make(map[string]decimal.Decimal),
		halts:    make(map[string]string),
	}
}

func (d *Memory) Name() string {
	return "memory"
}

// Save adds confirmed earnings to the cached counter.
func (d *Memory) Save(_ context.Context, entries []pkg.LedgerEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		if !e.Credited() {
			continue
		}
		d.earnings[e.RecipientID] = d.earnings[e.RecipientID].Add(e.Amount)
	}

	return nil
}

func (d *Memory) Earnings(_ context.Context, memberId string) (decimal.Decimal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total, ok := d.earnings[memberId]
	if !ok {
		return decimal.Zero, pkg.ErrNotFound
	}
	return total, nil
}

func (d *Memory) SetEarnings(_ context.Context, memberId string, amount decimal.Decimal) error {
	d.mu.Lock()
	d.earnings[memberId] = amount
	d.mu.Unlock()
	return nil
}

func (d *Memory) Member(_ context.Context, id string) (*pkg.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[id]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (d *Memory) MemberByCode(ctx context.Context, code string) (*pkg.Member, error) {
	d.mu.RLock()
	id, ok := d.codes[code]
	d.mu.RUnlock()

	if !ok || code == "" {
		return nil, pkg.ErrNotFound
	}
	return d.Member(ctx, id)
}

func (d *Memory) Members(_ context.Context, ids []string) ([]pkg.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]pkg.Member, 0, len(ids))
	for _, id := range ids {
		if m, ok := d.members[id]; ok {
			members = append(members, *m)
		}
	}
	return members, nil
}

func (d *Memory) Sponsored(_ context.Context, sponsorIds []string) ([]pkg.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var members []pkg.Member
	for _, sponsorId := range sponsorIds {
		for _, id := range d.sponsors[sponsorId] {
			members = append(members, *d.members[id])
		}
	}
	return members, nil
}

func (d *Memory) CreateMember(_ context.Context, m *pkg.Member) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.members[m.ID]; ok {
		return pkg.ErrMemberExists
	}

	c := *m
	d.members[m.ID] = &c
	if m.EnrollmentCode != "" {
		d.codes[m.EnrollmentCode] = m.ID
	}
	if m.SponsorID != "" {
		d.sponsors[m.SponsorID] = append(d.sponsors[m.SponsorID], m.ID)
	}

	return nil
}

func (d *Memory) Attach(_ context.Context, parentId string, slot pkg.Slot, childId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent, ok := d.members[parentId]
	if !ok {
		return pkg.ErrNotFound
	}
	child, ok := d.members[childId]
	if !ok {
		return pkg.ErrNotFound
	}

	switch slot {
	case pkg.SlotLeft:
		if parent.LeftID != "" {
			return pkg.ErrSlotTaken
		}
		parent.LeftID = childId
	case pkg.SlotRight:
		if parent.RightID != "" {
			return pkg.ErrSlotTaken
		}
		parent.RightID = childId
	}

	child.ParentID = parentId
	return nil
}

func (d *Memory) RaiseUnlockedLevels(_ context.Context, id string, levels int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.members[id]
	if !ok {
		return pkg.ErrNotFound
	}
	if levels > m.UnlockedLevels {
		m.UnlockedLevels = levels
	}
	return nil
}

// SetActive toggles the active flag, as an administrator would.
func (d *Memory) SetActive(_ context.Context, id string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.members[id]
	if !ok {
		return pkg.ErrNotFound
	}
	m.Active = active
	return nil
}

func (d *Memory) Post(_ context.Context, e pkg.LedgerEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.post(e)
}

func (d *Memory) post(e pkg.LedgerEntry) error {
	key := postingKey{recipient: e.RecipientID, from: e.FromID, level: e.Level}
	if _, ok := d.postings[key]; ok {
		return pkg.ErrPostingConflict
	}

	d.postings[key] = len(d.entries)
	d.entries = append(d.entries, e)
	return nil
}

func (d *Memory) Entries(_ context.Context, recipientId string) ([]pkg.LedgerEntry, error) {
	return d.filter(func(e pkg.LedgerEntry) bool { return e.RecipientID == recipientId }), nil
}

func (d *Memory) EventEntries(_ context.Context, fromId string) ([]pkg.LedgerEntry, error) {
	return d.filter(func(e pkg.LedgerEntry) bool { return e.FromID == fromId }), nil
}

func (d *Memory) ConfirmedTotal(_ context.Context, recipientId string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range d.filter(func(e pkg.LedgerEntry) bool {
		return e.RecipientID == recipientId && e.Status == pkg.StatusConfirmed
	}) {
		total = total.Add(e.Amount)
	}
	return total, nil
}

// claims sums the pending level income at (recipientId, level). The caller
// holds d.mu.
func (d *Memory) claims(recipientId string, level int) decimal.Decimal {
	total := decimal.Zero
	for _, e := range d.entries {
		if e.RecipientID == recipientId && e.Level == level &&
			e.Kind == pkg.KindLevelIncome && e.Status == pkg.StatusPending {
			total = total.Add(e.Amount)
		}
	}
	return total
}

func (d *Memory) filter(match func(pkg.LedgerEntry) bool) []pkg.LedgerEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var entries []pkg.LedgerEntry
	for _, e := range d.entries {
		if match(e) {
			entries = append(entries, e)
		}
	}
	return entries
}

func (d *Memory) UpsertMissed(_ context.Context, m pkg.MissedLevelEarning) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := missedKey{recipient: m.RecipientID, level: m.Level}
	current, ok := d.missed[key]
	if !ok {
		c := m
		d.missed[key] = &c
		return nil
	}

	if current.Status == pkg.MissedTransferred {
		return pkg.ErrTransferred
	}

	if m.Amount.GreaterThan(current.Amount) {
		current.Amount = m.Amount
	}
	current.ActualMembers = m.ActualMembers
	current.ActualDirects = m.ActualDirects
	current.UpdatedAt = m.UpdatedAt
	return nil
}

func (d *Memory) DeferClaim(_ context.Context, claim pkg.LedgerEntry, m pkg.MissedLevelEarning) (*pkg.MissedLevelEarning, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := missedKey{recipient: claim.RecipientID, level: claim.Level}
	current, ok := d.missed[key]
	if ok && current.Status == pkg.MissedTransferred {
		return nil, pkg.ErrTransferred
	}

	posted := d.post(claim)
	if posted != nil && posted != pkg.ErrPostingConflict {
		return nil, posted
	}

	if !ok {
		c := m
		c.RecipientID = claim.RecipientID
		c.Level = claim.Level
		c.Status = pkg.MissedPending
		c.Amount = decimal.Zero
		current = &c
		d.missed[key] = current
	}

	amount := d.claims(claim.RecipientID, claim.Level)
	if m.Amount.GreaterThan(amount) {
		amount = m.Amount
	}
	if amount.GreaterThan(current.Amount) {
		current.Amount = amount
	}
	current.ActualMembers = m.ActualMembers
	current.ActualDirects = m.ActualDirects
	current.UpdatedAt = m.UpdatedAt

	c := *current
	return &c, posted
}

func (d *Memory) Missed(_ context.Context, recipientId string, level int) (*pkg.MissedLevelEarning, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.missed[missedKey{recipient: recipientId, level: level}]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (d *Memory) PendingMissed(_ context.Context, recipientId string) ([]pkg.MissedLevelEarning, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var pending []pkg.MissedLevelEarning
	for key, m := range d.missed {
		if key.recipient == recipientId && m.Status == pkg.MissedPending {
			pending = append(pending, *m)
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Level < pending[j].Level })
	return pending, nil
}

func (d *Memory) TransferMissed(_ context.Context, recipientId string, level int, e pkg.LedgerEntry) (*pkg.LedgerEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.missed[missedKey{recipient: recipientId, level: level}]
	if !ok || m.Status != pkg.MissedPending {
		return nil, nil
	}

	e.Amount = m.Amount
	if claims := d.claims(recipientId, level); claims.GreaterThan(e.Amount) {
		e.Amount = claims
	}
	if err := d.post(e); err != nil {
		return nil, &pkg.InvariantViolation{MemberID: recipientId, Reason: "deferred transfer already posted for a pending record"}
	}

	at := e.CreatedAt
	m.Status = pkg.MissedTransferred
	m.Amount = decimal.Zero
	m.UpdatedAt = at
	m.TransferredAt = &at

	return &e, nil
}

func (d *Memory) Halt(_ context.Context, memberId, reason string) error {
	d.mu.Lock()
	d.halts[memberId] = reason
	d.mu.Unlock()
	return nil
}

func (d *Memory) Halted(_ context.Context, memberId string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	reason, ok := d.halts[memberId]
	return reason, ok, nil
}

func (d *Memory) Release(_ context.Context, memberId string) error {
	d.mu.Lock()
	delete(d.halts, memberId)
	d.mu.Unlock()
	return nil
}
