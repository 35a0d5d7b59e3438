package pkg

import (
	"context"
	"fmt"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"strings"
	"time"
)

type FailedPosting struct {
	Entry LedgerEntry
	Err   error
}

// Result describes what one distribution did. Allocated is the sum of every
// share the event was split into, whether it landed or not.
type Result struct {
	MemberID    string
	Plan        Plan
	Allocated   decimal.Decimal
	Posted      []LedgerEntry
	Duplicates  []LedgerEntry
	Deferred    []MissedLevelEarning
	Transferred []LedgerEntry
	Failed      []FailedPosting
}

func (r *Result) Complete() bool {
	return len(r.Failed) == 0
}

func (r *Result) Err() error {
	if r.Complete() {
		return nil
	}

	msgs := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		msgs = append(msgs, f.Entry.String()+": "+f.Err.Error())
	}

	return errors.Errorf("%d postings failed: %s", len(r.Failed), strings.Join(msgs, "; "))
}

// Standing is a member's unlock position at one point in time.
type Standing struct {
	Directs  int
	Counts   LevelCounts
	Unlocked int
}

type Distributor struct {
	members  MemberStore
	ledger   LedgerStore
	missed   *MissedLedger
	walker   *ChainWalker
	census   *Census
	locker   Locker
	plans    PlanSource
	halted   HaltStore
	logger   *logrus.Logger
	storages []Storage

	CreatorID       string
	UpdateTimeout   time.Duration
	StopSaveOnError bool
	Retry           func() retry.Backoff

	now func() time.Time
}

func NewDistributor(logger *logrus.Logger, members MemberStore, ledger LedgerStore, missed *MissedLedger,
	census *Census, locker Locker, plans PlanSource, halted HaltStore, creatorId string, storages ...Storage) *Distributor {
	return &Distributor{
		members:         members,
		ledger:          ledger,
		missed:          missed,
		walker:          NewChainWalker(members),
		census:          census,
		locker:          locker,
		plans:           plans,
		halted:          halted,
		logger:          logger,
		storages:        storages,
		CreatorID:       creatorId,
		UpdateTimeout:   time.Second * 5,
		StopSaveOnError: false,
		Retry: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
		},
		now: time.Now,
	}
}

// Distribute splits the package fee of a freshly placed member across its
// sponsor chain, the creator and the development fund, then reconciles
// every ancestor. A failed posting does not stop the others; re-running
// Distribute for the same member only fills the gaps.
func (d *Distributor) Distribute(ctx context.Context, member *Member) (*Result, error) {
	plan := d.plans.Plan()
	if err := plan.Validate(); err != nil {
		return nil, &InvariantViolation{MemberID: member.ID, Reason: err.Error()}
	}

	chain, err := d.walker.Chain(ctx, member.ID, MaxLevel)
	if err != nil {
		return nil, errors.Wrap(err, "Chain")
	}

	res := &Result{MemberID: member.ID, Plan: plan, Allocated: decimal.Zero}
	now := d.now()

	if len(chain) > 0 {
		d.post(ctx, res, NewEntry(chain[0].ID, member.ID, LevelDirect, plan.DirectBonus, KindDirectBonus, StatusConfirmed, now))
	} else {
		d.post(ctx, res, NewEntry("", member.ID, LevelDirect, plan.DirectBonus, KindRetained, StatusConfirmed, now))
	}

	for level := 1; level <= MaxLevel; level++ {
		if level > len(chain) {
			d.post(ctx, res, NewEntry("", member.ID, level, plan.LevelIncome, KindRetained, StatusConfirmed, now))
			continue
		}
		d.creditLevel(ctx, res, plan, chain[level-1].ID, member.ID, level)
	}

	d.post(ctx, res, NewEntry(d.CreatorID, member.ID, LevelCreatorFee, plan.CreatorFee, KindCreatorFee, StatusConfirmed, now))
	d.post(ctx, res, NewEntry("", member.ID, LevelDevelopmentFee, plan.DevelopmentFee, KindDevelopmentFee, StatusConfirmed, now))

	if !res.Allocated.Equal(plan.PackageFee) {
		violation := &InvariantViolation{
			MemberID: member.ID,
			Reason:   fmt.Sprintf("split %s does not match package fee %s", res.Allocated, plan.PackageFee),
		}
		for _, ancestor := range chain {
			d.halt(ctx, ancestor.ID, violation)
		}
		d.logger.WithField("member", member.ID).WithError(violation).Error("halting reconciliation for sponsor chain")
		return res, violation
	}

	for _, ancestor := range chain {
		d.reconcile(ctx, res, ancestor.ID)
	}

	return res, nil
}

// Reconcile re-evaluates one member's unlocked levels and transfers whatever
// became payable.
func (d *Distributor) Reconcile(ctx context.Context, memberId string) (*Result, error) {
	res := &Result{MemberID: memberId, Plan: d.plans.Plan(), Allocated: decimal.Zero}
	reason, halted, err := d.halted.Halted(ctx, memberId)
	if err != nil {
		return res, errors.Wrap(err, "Halted")
	}
	if halted {
		return res, errors.Wrap(ErrHalted, reason)
	}

	d.reconcile(ctx, res, memberId)
	return res, res.Err()
}

// Standing computes the unlock position of memberId from fresh counts. The
// stored unlocked level count is a high-water mark: it is raised here and
// never lowered.
func (d *Distributor) Standing(ctx context.Context, memberId string) (Standing, error) {
	m, err := d.members.Member(ctx, memberId)
	if err != nil {
		return Standing{}, errors.Wrap(err, "Member")
	}

	directs, err := d.census.DirectReferrals(ctx, memberId)
	if err != nil {
		return Standing{}, err
	}

	counts, err := d.census.Fresh(ctx, memberId)
	if err != nil {
		return Standing{}, err
	}

	unlocked := UnlockedLevels(directs, TeamFullyBuilt(counts))
	if m.UnlockedLevels > unlocked {
		unlocked = m.UnlockedLevels
	} else if unlocked > m.UnlockedLevels {
		if err = d.members.RaiseUnlockedLevels(ctx, memberId, unlocked); err != nil {
			return Standing{}, errors.Wrap(err, "RaiseUnlockedLevels")
		}
	}

	return Standing{Directs: directs, Counts: counts, Unlocked: unlocked}, nil
}

func (d *Distributor) creditLevel(ctx context.Context, res *Result, plan Plan, recipientId, fromId string, level int) {
	entry := NewEntry(recipientId, fromId, level, plan.LevelIncome, KindLevelIncome, StatusConfirmed, d.now())

	unlock, err := d.locker.Lock(ctx, MemberLockKey(recipientId))
	if err != nil {
		d.reject(res, entry, errors.Wrap(err, "Lock"))
		return
	}
	defer unlock()

	d.census.Invalidate(ctx, recipientId)
	standing, err := d.Standing(ctx, recipientId)
	if err != nil {
		d.reject(res, entry, err)
		return
	}

	if level <= standing.Unlocked {
		if err = d.post(ctx, res, entry); errors.Is(err, ErrPostingConflict) {
			d.recoverClaim(ctx, res, entry, standing)
		}
		return
	}

	// Locked: the pending entry claims (recipient, from, level) so the
	// contribution is paid once, through the missed ledger.
	entry.Status = StatusPending
	current, err := d.deferClaim(ctx, entry, standing)

	switch {
	case err == nil:
		res.Allocated = res.Allocated.Add(entry.Amount)
		res.Posted = append(res.Posted, entry)
		res.Deferred = append(res.Deferred, *current)
		d.save(ctx, []LedgerEntry{entry})
	case errors.Is(err, ErrPostingConflict):
		res.Allocated = res.Allocated.Add(entry.Amount)
		res.Duplicates = append(res.Duplicates, entry)
		res.Deferred = append(res.Deferred, *current)
	case errors.Is(err, ErrTransferred):
		// the level was settled by a transfer that cannot include this claim
		entry.Status = StatusConfirmed
		d.post(ctx, res, entry)
	default:
		d.reject(res, entry, err)
	}
}

func (d *Distributor) deferClaim(ctx context.Context, claim LedgerEntry, standing Standing) (*MissedLevelEarning, error) {
	missed := MissedLevelEarning{
		ExpectedMembers: int(Capacity(claim.Level)),
		ActualMembers:   standing.Counts.At(claim.Level),
		RequiredDirects: RequiredDirectReferrals(claim.Level),
		ActualDirects:   standing.Directs,
	}

	var current *MissedLevelEarning
	err := d.retry(ctx, func(ctx context.Context) error {
		var err error
		current, err = d.missed.Defer(ctx, claim, missed)
		return err
	})
	return current, err
}

// recoverClaim runs when a confirmed entry collides with an earlier one. If
// the earlier entry is a pending claim it is handed to the missed ledger
// again, so a claim whose deferral never completed is still transferred by
// the reconciliation that follows.
func (d *Distributor) recoverClaim(ctx context.Context, res *Result, entry LedgerEntry, standing Standing) {
	entries, err := d.ledger.EventEntries(ctx, entry.FromID)
	if err != nil {
		d.fail(res, entry, errors.Wrap(err, "EventEntries"))
		return
	}

	for _, e := range entries {
		if e.RecipientID != entry.RecipientID || e.Level != entry.Level || e.Kind != KindLevelIncome || e.Status != StatusPending {
			continue
		}

		current, err := d.deferClaim(ctx, e, standing)
		switch {
		case errors.Is(err, ErrPostingConflict):
			res.Deferred = append(res.Deferred, *current)
		case err == nil, errors.Is(err, ErrTransferred):
		default:
			d.fail(res, e, err)
		}
	}
}

func (d *Distributor) reconcile(ctx context.Context, res *Result, memberId string) {
	failed := LedgerEntry{RecipientID: memberId, FromID: memberId, Kind: KindDeferredTransfer, Amount: decimal.Zero}

	reason, halted, err := d.halted.Halted(ctx, memberId)
	if err != nil {
		d.fail(res, failed, errors.Wrap(err, "Halted"))
		return
	}
	if halted {
		d.logger.WithFields(logrus.Fields{
			"member": memberId,
			"reason": reason,
		}).Warn("member halted, skipping reconciliation")
		return
	}

	unlock, err := d.locker.Lock(ctx, MemberLockKey(memberId))
	if err != nil {
		d.fail(res, failed, errors.Wrap(err, "Lock"))
		return
	}
	defer unlock()

	standing, err := d.Standing(ctx, memberId)
	if err != nil {
		d.fail(res, failed, err)
		return
	}

	transferred, err := d.missed.ReconcileUnlocked(ctx, memberId, standing.Unlocked)
	for _, e := range transferred {
		res.Transferred = append(res.Transferred, e)
		d.save(ctx, []LedgerEntry{e})
	}

	if err != nil {
		if IsInvariantViolation(err) {
			d.halt(ctx, memberId, err)
		}
		d.fail(res, failed, err)
	}
}

func (d *Distributor) halt(ctx context.Context, memberId string, violation error) {
	if err := d.halted.Halt(ctx, memberId, violation.Error()); err != nil {
		d.logger.WithField("member", memberId).WithError(err).Error("failed to record halt")
	}
}

// post writes e to the ledger, retrying transient failures of this posting
// only. A duplicate counts as done and is returned as ErrPostingConflict.
func (d *Distributor) post(ctx context.Context, res *Result, e LedgerEntry) error {
	res.Allocated = res.Allocated.Add(e.Amount)

	err := d.retry(ctx, func(ctx context.Context) error {
		return d.ledger.Post(ctx, e)
	})

	switch {
	case err == nil:
		res.Posted = append(res.Posted, e)
		d.save(ctx, []LedgerEntry{e})
	case errors.Is(err, ErrPostingConflict):
		res.Duplicates = append(res.Duplicates, e)
	default:
		d.fail(res, e, err)
	}
	return err
}

// retry runs f with the posting backoff, retrying transient failures only.
func (d *Distributor) retry(ctx context.Context, f func(ctx context.Context) error) error {
	return retry.Do(ctx, d.Retry(), func(ctx context.Context) error {
		err := f(ctx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (d *Distributor) reject(res *Result, e LedgerEntry, err error) {
	res.Allocated = res.Allocated.Add(e.Amount)
	d.fail(res, e, err)
}

func (d *Distributor) fail(res *Result, e LedgerEntry, err error) {
	res.Failed = append(res.Failed, FailedPosting{Entry: e, Err: err})

	d.logger.WithFields(logrus.Fields{
		"recipient": e.RecipientID,
		"from":      e.FromID,
		"level":     e.Level,
		"kind":      e.Kind,
	}).WithError(err).Error("failed to post ledger entry")
}

func (d *Distributor) save(ctx context.Context, entries []LedgerEntry) {
	for _, storage := range d.storages {
		sctx, cancel := context.WithTimeout(ctx, d.UpdateTimeout)
		err := storage.Save(sctx, entries)
		cancel()
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"entries": len(entries),
				"storage": storage.Name(),
			}).Error("failed to save entries to storage, err: " + err.Error())

			if d.StopSaveOnError {
				return
			}
		}
	}
}
