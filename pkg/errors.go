package pkg

import "github.com/pkg/errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrMemberExists    = errors.New("member already exists")
	ErrNoSponsor       = errors.New("no sponsor resolvable")
	ErrPostingConflict = errors.New("posting already exists")
	ErrSlotTaken       = errors.New("placement slot already taken")
	ErrTransferred     = errors.New("missed earning already transferred")
	ErrAmountMismatch  = errors.New("amount paid does not match package fee")
	ErrHalted          = errors.New("member is halted pending audit")
)

// StorageFailure marks an error as transient: the single operation that
// produced it may be retried.
type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageFailure) Unwrap() error {
	return e.Err
}

func (e *StorageFailure) Cause() error {
	return e.Err
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageFailure{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var sf *StorageFailure
	return errors.As(err, &sf)
}

// InvariantViolation means the ledger of MemberID can no longer be trusted.
type InvariantViolation struct {
	MemberID string
	Reason   string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation for member " + e.MemberID + ": " + e.Reason
}

func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
