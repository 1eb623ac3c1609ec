package contest

import (
	"errors"
	"fmt"
)

// Kind classifies contest failures for callers.
type Kind string

const (
	KindInvalidInput    Kind = "INVALID_PARAM"
	KindNotFound        Kind = "NOT_FOUND"
	KindInvalidPhase    Kind = "INVALID_PHASE"
	KindForbidden       Kind = "FORBIDDEN"
	KindAlreadyDone     Kind = "ALREADY_DONE"
	KindCapacity        Kind = "CAPACITY"
	KindStorageConflict Kind = "STORAGE_CONFLICT"
	KindStorage         Kind = "STORAGE_ERROR"
)

// Error is a classified contest failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrInvalidInput         = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrSessionNotFound      = &Error{Kind: KindNotFound, Message: "session not found"}
	ErrContestantNotFound   = &Error{Kind: KindNotFound, Message: "contestant not found in session"}
	ErrUnknownContestant    = &Error{Kind: KindNotFound, Message: "unknown contestant"}
	ErrContestantOut        = &Error{Kind: KindInvalidPhase, Message: "contestant is out of this round"}
	ErrNotVotingPhase       = &Error{Kind: KindInvalidPhase, Message: "session is not in voting phase"}
	ErrNotWaiting           = &Error{Kind: KindInvalidPhase, Message: "session is not waiting for contestants"}
	ErrSessionFinished      = &Error{Kind: KindInvalidPhase, Message: "session already finished"}
	ErrNotEnoughContestants = &Error{Kind: KindInvalidPhase, Message: "at least two connected contestants are required"}
	ErrNotHost              = &Error{Kind: KindForbidden, Message: "only the host can start the contest"}
	ErrSelfVote             = &Error{Kind: KindForbidden, Message: "cannot vote for your own plant"}
	ErrAlreadyVoted         = &Error{Kind: KindAlreadyDone, Message: "already voted this round"}
	ErrAlreadyEntered       = &Error{Kind: KindAlreadyDone, Message: "already entered a different plant in this session"}
	ErrSessionFull          = &Error{Kind: KindCapacity, Message: "session is full"}
	ErrConflict             = &Error{Kind: KindStorageConflict, Message: "concurrent update conflict"}
)

// InvalidInput reports a missing or malformed caller argument.
func InvalidInput(reason string) error {
	return &Error{Kind: KindInvalidInput, Message: reason, Err: ErrInvalidInput}
}

// StorageError wraps an unrecoverable backend failure.
func StorageError(op string, err error) error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf("storage failure during %s", op), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
