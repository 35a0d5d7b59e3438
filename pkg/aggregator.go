package pkg

import (
	"context"
	"fmt"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Drift struct {
	MemberID  string
	Cached    decimal.Decimal
	Ledger    decimal.Decimal
	Corrected bool
}

type EventAudit struct {
	MemberID string
	Expected decimal.Decimal
	Posted   decimal.Decimal
	Entries  int
}

func (a *EventAudit) Shortfall() decimal.Decimal {
	return a.Expected.Sub(a.Posted)
}

// Aggregator recomputes earnings from the ledger, which is always right.
type Aggregator struct {
	ledger  LedgerStore
	counter EarningsCounter
	plans   PlanSource
	halted  HaltStore
	logger  *logrus.Logger
}

func NewAggregator(logger *logrus.Logger, ledger LedgerStore, counter EarningsCounter, plans PlanSource, halted HaltStore) *Aggregator {
	return &Aggregator{ledger: ledger, counter: counter, plans: plans, halted: halted, logger: logger}
}

func (a *Aggregator) TotalEarnings(ctx context.Context, memberId string) (decimal.Decimal, error) {
	total, err := a.ledger.ConfirmedTotal(ctx, memberId)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "ConfirmedTotal")
	}
	return total, nil
}

// Audit compares the cached earnings counter with the ledger and overwrites
// the counter when they differ.
func (a *Aggregator) Audit(ctx context.Context, memberId string) (*Drift, error) {
	total, err := a.TotalEarnings(ctx, memberId)
	if err != nil {
		return nil, err
	}

	drift := &Drift{MemberID: memberId, Cached: total, Ledger: total}
	if a.counter == nil {
		return drift, nil
	}

	cached, err := a.counter.Earnings(ctx, memberId)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "Earnings")
	}
	drift.Cached = cached

	if cached.Equal(total) {
		return drift, nil
	}

	if err = a.counter.SetEarnings(ctx, memberId, total); err != nil {
		return drift, errors.Wrap(err, "SetEarnings")
	}
	drift.Corrected = true

	a.logger.WithFields(logrus.Fields{
		"member": memberId,
		"cached": cached.String(),
		"ledger": total.String(),
	}).Warn("earnings counter drifted, corrected from ledger")

	return drift, nil
}

// AuditEvent checks that the entries posted for one registration add up to
// the package fee. Less is a gap a re-run fills; more means the ledger is
// corrupt and every recipient of the event is halted.
func (a *Aggregator) AuditEvent(ctx context.Context, memberId string) (*EventAudit, error) {
	entries, err := a.ledger.EventEntries(ctx, memberId)
	if err != nil {
		return nil, errors.Wrap(err, "EventEntries")
	}

	audit := &EventAudit{MemberID: memberId, Expected: a.plans.Plan().PackageFee, Posted: decimal.Zero}
	recipients := make(map[string]struct{})
	for _, e := range entries {
		if e.Kind == KindDeferredTransfer {
			continue
		}
		audit.Posted = audit.Posted.Add(e.Amount)
		audit.Entries++
		if e.RecipientID != "" {
			recipients[e.RecipientID] = struct{}{}
		}
	}

	switch audit.Posted.Cmp(audit.Expected) {
	case 1:
		violation := &InvariantViolation{
			MemberID: memberId,
			Reason:   fmt.Sprintf("posted %s exceeds package fee %s", audit.Posted, audit.Expected),
		}
		for id := range recipients {
			if err = a.halted.Halt(ctx, id, violation.Reason); err != nil {
				a.logger.WithField("member", id).WithError(err).Error("failed to record halt")
			}
		}
		a.logger.WithField("member", memberId).WithError(violation).Error("event overpaid")
		return audit, violation
	case -1:
		a.logger.WithFields(logrus.Fields{
			"member":    memberId,
			"shortfall": audit.Shortfall().String(),
		}).Warn("event split incomplete")
	}

	return audit, nil
}
