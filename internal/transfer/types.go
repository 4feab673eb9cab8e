// Package transfer defines the persisted state of a cross-chain transfer and its stage machine.
package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Stage uint8

const (
	StageInit Stage = iota
	StageApproving
	StageApproved
	StageBurning
	StageBurned
	StageExtractingMessage
	StageAwaitingAttestation
	StageAttested
	StageReceiving
	StageRoutingAndDepositing
	StageCompleted
	StageFailed
)

var stageNames = map[Stage]string{
	StageInit:                 "init",
	StageApproving:            "approving",
	StageApproved:             "approved",
	StageBurning:              "burning",
	StageBurned:               "burned",
	StageExtractingMessage:    "extracting_message",
	StageAwaitingAttestation:  "awaiting_attestation",
	StageAttested:             "attested",
	StageReceiving:            "receiving",
	StageRoutingAndDepositing: "routing_and_depositing",
	StageCompleted:            "completed",
	StageFailed:               "failed",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func ParseStage(s string) (Stage, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for st, n := range stageNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("transfer: unknown stage %q", s)
}

func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }

// Flow selects the stage sequence a transfer follows after approval.
type Flow uint8

const (
	// FlowBurnMint burns on the source chain, waits for an attestation and mints on the destination.
	FlowBurnMint Flow = iota + 1
	// FlowRouterDeposit submits a router transaction whose post-hook deposits on the destination.
	FlowRouterDeposit
)

func (f Flow) String() string {
	switch f {
	case FlowBurnMint:
		return "burn_mint"
	case FlowRouterDeposit:
		return "router_deposit"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

func ParseFlow(s string) (Flow, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "burn_mint":
		return FlowBurnMint, nil
	case "router_deposit":
		return FlowRouterDeposit, nil
	default:
		return 0, fmt.Errorf("transfer: unknown flow %q", s)
	}
}

// Request is what a caller submits. Amount is an integer in the source token's base units.
type Request struct {
	Amount           string
	SourceChain      string
	DestinationChain string
	Recipient        common.Address
	SourceToken      common.Address

	// ClientRef is an optional caller-chosen idempotency key. Requests with equal fields and
	// ClientRef map to the same transfer ID.
	ClientRef string
}

// State is the progress record of one attempt at a transfer. It only moves forward.
type State struct {
	ID      string
	Attempt int
	Flow    Flow
	Request Request
	Stage   Stage

	ApprovalTxHash common.Hash
	BurnTxHash     common.Hash
	MessageBytes   []byte
	MessageHash    common.Hash
	Attestation    []byte
	ReceiveTxHash  common.Hash
	RouteTxHash    common.Hash

	// Set once Stage is StageFailed.
	FailedStage Stage
	ErrorKind   Kind
	Error       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewState(id string, flow Flow, req Request, now time.Time) State {
	return State{
		ID:        id,
		Attempt:   1,
		Flow:      flow,
		Request:   req,
		Stage:     StageInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewResumedState starts a new attempt of a burn/mint transfer whose burn is already on chain.
// When the burn is the one prev recorded, the message, attestation and any receive prev submitted
// carry over so the new attempt waits on that receive instead of sending another.
func NewResumedState(prev State, burnTxHash common.Hash, now time.Time) State {
	st := State{
		ID:         prev.ID,
		Attempt:    prev.Attempt + 1,
		Flow:       FlowBurnMint,
		Request:    prev.Request,
		Stage:      StageBurned,
		BurnTxHash: burnTxHash,
		// The approval belongs to the earlier attempt; carry it for operators.
		ApprovalTxHash: prev.ApprovalTxHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if burnTxHash != prev.BurnTxHash {
		return st
	}
	prev = prev.Clone()
	st.MessageBytes = prev.MessageBytes
	st.MessageHash = prev.MessageHash
	st.Attestation = prev.Attestation
	st.ReceiveTxHash = prev.ReceiveTxHash
	return st
}

// Clone returns a deep copy.
func (s State) Clone() State {
	if s.MessageBytes != nil {
		s.MessageBytes = append([]byte(nil), s.MessageBytes...)
	}
	if s.Attestation != nil {
		s.Attestation = append([]byte(nil), s.Attestation...)
	}
	return s
}

// SourceTxHash is the transaction that moved value on the source chain.
func (s State) SourceTxHash() common.Hash {
	if s.Flow == FlowRouterDeposit {
		return s.RouteTxHash
	}
	return s.BurnTxHash
}

// Receipt is the successful outcome of a transfer.
type Receipt struct {
	TransferID        string
	Attempt           int
	SourceTxHash      common.Hash
	DestinationTxHash common.Hash
}
