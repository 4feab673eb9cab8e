package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidTransition = errors.New("transfer: invalid transition")

var next = map[Stage][]Stage{
	StageInit:                 {StageApproving},
	StageApproving:            {StageApproved},
	StageApproved:             {StageBurning, StageRoutingAndDepositing},
	StageBurning:              {StageBurned},
	StageBurned:               {StageExtractingMessage},
	StageExtractingMessage:    {StageAwaitingAttestation},
	StageAwaitingAttestation:  {StageAttested},
	StageAttested:             {StageReceiving},
	StageReceiving:            {StageCompleted},
	StageRoutingAndDepositing: {StageCompleted},
}

// rank orders stages for monotonicity checks in stores. The router branch sits right after
// approval.
var rank = map[Stage]int{
	StageInit:                 0,
	StageApproving:            1,
	StageApproved:             2,
	StageBurning:              3,
	StageRoutingAndDepositing: 3,
	StageBurned:               4,
	StageExtractingMessage:    5,
	StageAwaitingAttestation:  6,
	StageAttested:             7,
	StageReceiving:            8,
	StageCompleted:            9,
	StageFailed:               10,
}

// CanFollow reports whether a stored record at stage from may be replaced by one at stage to.
func CanFollow(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	rf, okf := rank[from]
	rt, okt := rank[to]
	return okf && okt && rt > rf
}

// Advance moves s to stage to. It enforces the transition table, the flow's branch and the data
// each stage requires. In particular Receiving is only reachable from Attested with a non-empty
// attestation.
func (s *State) Advance(to Stage, now time.Time) error {
	if to == StageFailed {
		return fmt.Errorf("%w: use Fail to enter %s", ErrInvalidTransition, StageFailed)
	}
	allowed := false
	for _, st := range next[s.Stage] {
		if st == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Stage, to)
	}
	if err := s.checkEntry(to); err != nil {
		return err
	}
	s.Stage = to
	s.UpdatedAt = now
	return nil
}

func (s *State) checkEntry(to Stage) error {
	missing := func(what string) error {
		return fmt.Errorf("%w: %s -> %s requires %s", ErrInvalidTransition, s.Stage, to, what)
	}
	switch to {
	case StageBurning:
		if s.Flow != FlowBurnMint {
			return missing("burn/mint flow")
		}
	case StageRoutingAndDepositing:
		if s.Flow != FlowRouterDeposit {
			return missing("router flow")
		}
	case StageApproved:
		if (s.ApprovalTxHash == common.Hash{}) {
			return missing("approval tx hash")
		}
	case StageBurned:
		if (s.BurnTxHash == common.Hash{}) {
			return missing("burn tx hash")
		}
	case StageAwaitingAttestation:
		if len(s.MessageBytes) == 0 || (s.MessageHash == common.Hash{}) {
			return missing("message bytes and hash")
		}
	case StageAttested:
		if len(s.Attestation) == 0 {
			return missing("non-empty attestation")
		}
	case StageReceiving:
		if len(s.Attestation) == 0 {
			return missing("non-empty attestation")
		}
	case StageCompleted:
		if s.Flow == FlowRouterDeposit {
			if (s.RouteTxHash == common.Hash{}) {
				return missing("route tx hash")
			}
		} else if (s.ReceiveTxHash == common.Hash{}) {
			return missing("receive tx hash")
		}
	}
	return nil
}

// Fail moves a non-terminal state to StageFailed, recording where and why.
func (s *State) Fail(kind Kind, cause error, now time.Time) error {
	if s.Stage.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s.Stage)
	}
	s.FailedStage = s.Stage
	s.Stage = StageFailed
	s.ErrorKind = kind
	if cause != nil {
		s.Error = cause.Error()
	}
	s.UpdatedAt = now
	return nil
}
