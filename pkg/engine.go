package pkg

import (
	"context"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"time"
)

// Engine takes a registration from sponsor resolution through placement to
// commission distribution.
type Engine struct {
	members     MemberStore
	placer      *Placer
	distributor *Distributor
	plans       PlanSource
	logger      *logrus.Logger

	RootID            string
	PlacementAttempts int

	now func() time.Time
}

func NewEngine(logger *logrus.Logger, members MemberStore, distributor *Distributor, plans PlanSource, rootId string) *Engine {
	return &Engine{
		members:           members,
		placer:            NewPlacer(members),
		distributor:       distributor,
		plans:             plans,
		logger:            logger,
		RootID:            rootId,
		PlacementAttempts: 5,
		now:               time.Now,
	}
}

// EnsureRoot creates the root member that absorbs registrations without a
// resolvable sponsor.
func (e *Engine) EnsureRoot(ctx context.Context) (*Member, error) {
	root, err := e.members.Member(ctx, e.RootID)
	if err == nil {
		return root, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "Member")
	}

	root = &Member{ID: e.RootID, Active: true, RegisteredAt: e.now()}
	err = e.members.CreateMember(ctx, root)
	if err != nil && !errors.Is(err, ErrMemberExists) {
		return nil, errors.Wrap(err, "CreateMember")
	}

	e.logger.WithField("root", e.RootID).Info("root member created")
	return root, nil
}

func (e *Engine) OnMemberRegistered(ctx context.Context, memberId, sponsorRef string, amountPaid decimal.Decimal) (*Result, error) {
	return e.Register(ctx, RegistrationEvent{MemberID: memberId, Sponsor: sponsorRef, Amount: amountPaid})
}

// Register places the member and distributes its package fee. Placement
// always happens; an amount that does not match the package fee skips the
// distribution.
func (e *Engine) Register(ctx context.Context, ev RegistrationEvent) (*Result, error) {
	if ev.MemberID == "" || ev.MemberID == e.RootID {
		return nil, errors.Errorf("register: invalid member id %q", ev.MemberID)
	}

	log := e.logger.WithField("member", ev.MemberID)

	member, err := e.members.Member(ctx, ev.MemberID)
	switch {
	case errors.Is(err, ErrNotFound):
		member, err = e.create(ctx, ev)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, errors.Wrap(err, "Member")
	default:
		log.Debug("member already registered, resuming")
	}

	if !member.Placed() {
		if err = e.place(ctx, member); err != nil {
			return nil, err
		}
	}

	plan := e.plans.Plan()
	if !ev.Amount.Equal(plan.PackageFee) {
		log.WithFields(logrus.Fields{
			"paid": ev.Amount.String(),
			"fee":  plan.PackageFee.String(),
		}).Warn("amount mismatch, commission not distributed")
		return nil, errors.Wrapf(ErrAmountMismatch, "paid %s, fee %s", ev.Amount, plan.PackageFee)
	}

	res, err := e.distributor.Distribute(ctx, member)
	if err != nil {
		return res, err
	}

	log.WithFields(logrus.Fields{
		"posted":      len(res.Posted),
		"duplicates":  len(res.Duplicates),
		"deferred":    len(res.Deferred),
		"transferred": len(res.Transferred),
		"failed":      len(res.Failed),
	}).Info("commission distributed")

	return res, nil
}

func (e *Engine) Reconcile(ctx context.Context, memberId string) (*Result, error) {
	return e.distributor.Reconcile(ctx, memberId)
}

// Release lifts the halt put on a member after an invariant violation. The
// member is not reconciled until the next Reconcile.
func (e *Engine) Release(ctx context.Context, memberId string) error {
	if err := e.distributor.halted.Release(ctx, memberId); err != nil {
		return errors.Wrap(err, "Release")
	}
	e.logger.WithField("member", memberId).Info("member released")
	return nil
}

func (e *Engine) create(ctx context.Context, ev RegistrationEvent) (*Member, error) {
	sponsor, err := e.resolveSponsor(ctx, ev.MemberID, ev.Sponsor)
	if err != nil {
		return nil, err
	}

	at := ev.RegisteredAt
	if at.IsZero() {
		at = e.now()
	}

	member := &Member{
		ID:             ev.MemberID,
		SponsorID:      sponsor.ID,
		EnrollmentCode: ev.EnrollmentCode,
		Active:         true,
		RegisteredAt:   at,
	}
	if ev.Sponsor != sponsor.ID && sponsor.EnrollmentCode == ev.Sponsor {
		member.SponsorCode = ev.Sponsor
	}

	err = e.members.CreateMember(ctx, member)
	if errors.Is(err, ErrMemberExists) {
		return e.members.Member(ctx, ev.MemberID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "CreateMember")
	}

	return member, nil
}

// resolveSponsor looks the reference up as a member id, then as an
// enrollment code, and falls back to the root member.
func (e *Engine) resolveSponsor(ctx context.Context, memberId, ref string) (*Member, error) {
	if ref != "" && ref != memberId {
		sponsor, err := e.members.Member(ctx, ref)
		if err == nil {
			return sponsor, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(err, "Member")
		}

		sponsor, err = e.members.MemberByCode(ctx, ref)
		if err == nil && sponsor.ID != memberId {
			return sponsor, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(err, "MemberByCode")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"member":  memberId,
		"sponsor": ref,
	}).WithError(ErrNoSponsor).Warn("falling back to root member")

	root, err := e.members.Member(ctx, e.RootID)
	if err != nil {
		return nil, errors.Wrap(err, "root member")
	}

	return root, nil
}

func (e *Engine) place(ctx context.Context, member *Member) error {
	sponsorId := member.SponsorID

	for attempt := 0; attempt < e.PlacementAttempts; attempt++ {
		parentId, slot, err := e.placer.Place(ctx, sponsorId)
		if errors.Is(err, ErrNoSponsor) && sponsorId != e.RootID {
			e.logger.WithFields(logrus.Fields{
				"member":  member.ID,
				"sponsor": sponsorId,
			}).Warn("sponsor not placeable, placing under root")
			sponsorId = e.RootID
			continue
		}
		if err != nil {
			return errors.Wrap(err, "Place")
		}

		err = e.members.Attach(ctx, parentId, slot, member.ID)
		if errors.Is(err, ErrSlotTaken) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "Attach")
		}

		member.ParentID = parentId
		e.logger.WithFields(logrus.Fields{
			"member": member.ID,
			"parent": parentId,
			"slot":   slot,
		}).Debug("member placed")

		return nil
	}

	return errors.Errorf("placement of %s gave up after %d attempts", member.ID, e.PlacementAttempts)
}
