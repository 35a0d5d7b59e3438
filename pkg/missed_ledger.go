package pkg

import (
	"context"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"time"
)

// MissedLedger keeps the commission a recipient could not be paid because
// the level was locked, and pays it out once the level unlocks.
type MissedLedger struct {
	store  MissedStore
	locker Locker
	logger *logrus.Logger
	now    func() time.Time
}

func NewMissedLedger(logger *logrus.Logger, store MissedStore, locker Locker) *MissedLedger {
	return &MissedLedger{store: store, locker: locker, logger: logger, now: time.Now}
}

// SetLocked overwrites the pending amount owed at (recipient, level) with the
// freshly computed total. A closed record is left untouched.
func (l *MissedLedger) SetLocked(ctx context.Context, m MissedLevelEarning) error {
	now := l.now()
	m.Status = MissedPending
	m.CreatedAt = now
	m.UpdatedAt = now
	m.TransferredAt = nil

	err := l.store.UpsertMissed(ctx, m)
	if errors.Is(err, ErrTransferred) {
		l.logger.WithFields(logrus.Fields{
			"recipient": m.RecipientID,
			"level":     m.Level,
		}).Debug("missed earning already transferred, skipping")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "UpsertMissed")
	}

	l.logger.WithFields(logrus.Fields{
		"recipient": m.RecipientID,
		"level":     m.Level,
		"amount":    m.Amount.String(),
		"members":   m.ActualMembers,
	}).Debug("level locked, earning deferred")

	return nil
}

// Defer posts claim, the pending level-income entry of a locked level, and
// brings the missed record of its (recipient, level) up to date in the same
// step. The returned record carries the total now owed.
func (l *MissedLedger) Defer(ctx context.Context, claim LedgerEntry, m MissedLevelEarning) (*MissedLevelEarning, error) {
	now := l.now()
	m.RecipientID = claim.RecipientID
	m.Level = claim.Level
	m.Status = MissedPending
	m.CreatedAt = now
	m.UpdatedAt = now
	m.TransferredAt = nil

	current, err := l.store.DeferClaim(ctx, claim, m)
	if err != nil && !errors.Is(err, ErrPostingConflict) {
		return current, err
	}

	if current != nil {
		l.logger.WithFields(logrus.Fields{
			"recipient": claim.RecipientID,
			"from":      claim.FromID,
			"level":     claim.Level,
			"amount":    current.Amount.String(),
		}).Debug("level locked, earning deferred")
	}

	return current, err
}

// Reconcile transfers the pending record at (recipient, level) into the ledger.
// Reconciling a transferred or missing record returns nil, nil.
func (l *MissedLedger) Reconcile(ctx context.Context, recipientId string, level int) (*LedgerEntry, error) {
	unlock, err := l.locker.Lock(ctx, MissedLockKey(recipientId, level))
	if err != nil {
		return nil, errors.Wrap(err, "Lock")
	}
	defer unlock()

	entry := NewEntry(recipientId, recipientId, level, decimal.Zero, KindDeferredTransfer, StatusConfirmed, l.now())
	posted, err := l.store.TransferMissed(ctx, recipientId, level, entry)
	if err != nil {
		return nil, errors.Wrap(err, "TransferMissed")
	}

	if posted != nil {
		l.logger.WithFields(logrus.Fields{
			"recipient": recipientId,
			"level":     level,
			"amount":    posted.Amount.String(),
		}).Info("missed earning transferred")
	}

	return posted, nil
}

// ReconcileUnlocked transfers every pending record of recipientId whose level
// is within unlocked. It stops at the first error.
func (l *MissedLedger) ReconcileUnlocked(ctx context.Context, recipientId string, unlocked int) ([]LedgerEntry, error) {
	pending, err := l.store.PendingMissed(ctx, recipientId)
	if err != nil {
		return nil, errors.Wrap(err, "PendingMissed")
	}

	var transferred []LedgerEntry
	for _, m := range pending {
		if m.Level > unlocked {
			continue
		}

		posted, err := l.Reconcile(ctx, recipientId, m.Level)
		if err != nil {
			return transferred, err
		}
		if posted != nil {
			transferred = append(transferred, *posted)
		}
	}

	return transferred, nil
}

func (l *MissedLedger) Pending(ctx context.Context, recipientId string) ([]MissedLevelEarning, error) {
	return l.store.PendingMissed(ctx, recipientId)
}
