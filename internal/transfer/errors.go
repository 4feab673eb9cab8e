package transfer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRequest   = errors.New("transfer: invalid request")
	ErrUnsupportedRoute = errors.New("transfer: unsupported route")

	// ErrInProgress means another caller is driving the same transfer right now.
	ErrInProgress = errors.New("transfer: in progress")
)

// Kind classifies a failure by what it means for the funds and what an operator should do next.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindRejected: nothing moved; the request can be retried from scratch.
	KindRejected
	// KindFundsAtRisk: value left the source chain but cannot be delivered without intervention.
	KindFundsAtRisk
	// KindRecoverable: value is committed on chain; resume waiting with the same identifiers.
	KindRecoverable
	// KindAmbiguous: a transaction may or may not have been broadcast; reconcile before retrying.
	KindAmbiguous
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindFundsAtRisk:
		return "funds_at_risk"
	case KindRecoverable:
		return "recoverable"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

func ParseKind(s string) Kind {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "rejected":
		return KindRejected
	case "funds_at_risk":
		return KindFundsAtRisk
	case "recoverable":
		return KindRecoverable
	case "ambiguous":
		return KindAmbiguous
	default:
		return KindUnknown
	}
}

// NeedsOperator reports whether a failure of this kind must be escalated.
func (k Kind) NeedsOperator() bool { return k == KindFundsAtRisk || k == KindAmbiguous }

// Error is the only error type an orchestration returns. State is a snapshot taken at the moment
// of failure and carries every identifier obtained so far.
type Error struct {
	Kind  Kind
	Stage Stage
	State State
	Err   error
}

func (e *Error) Error() string {
	id := e.State.ID
	if id == "" {
		id = "<unassigned>"
	}
	return fmt.Sprintf("transfer %s failed at %s (%s): %v", id, e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}
