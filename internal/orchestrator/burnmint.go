package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/usdc-relay/cctp-orchestrator/internal/amount"
	"github.com/usdc-relay/cctp-orchestrator/internal/cctp"
	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

// ExecuteTransfer runs approve, burn, extract, attest and receive for req. On success it returns
// the burn and receive transaction hashes. Every failure is a *transfer.Error.
func (o *Orchestrator) ExecuteTransfer(ctx context.Context, req transfer.Request) (transfer.Receipt, error) {
	route, ok := o.burnRoutes[key(req.SourceChain, req.DestinationChain)]
	if !ok {
		return transfer.Receipt{}, reject(req, transfer.FlowBurnMint,
			fmt.Errorf("%w: %s -> %s", transfer.ErrUnsupportedRoute, req.SourceChain, req.DestinationChain))
	}
	if (req.SourceToken == common.Address{}) {
		req.SourceToken = route.Token
	}
	if req.SourceToken != route.Token {
		return transfer.Receipt{}, reject(req, transfer.FlowBurnMint,
			fmt.Errorf("%w: token %s not burnable on %s", transfer.ErrUnsupportedRoute, req.SourceToken.Hex(), req.SourceChain))
	}
	if (req.Recipient == common.Address{}) {
		return transfer.Receipt{}, reject(req, transfer.FlowBurnMint, fmt.Errorf("%w: zero recipient", transfer.ErrInvalidRequest))
	}
	amt, err := amount.ParseBaseUnits(req.Amount)
	if err != nil {
		return transfer.Receipt{}, reject(req, transfer.FlowBurnMint, fmt.Errorf("%w: %v", transfer.ErrInvalidRequest, err))
	}
	req.Amount = amt.String()

	approve, err := cctp.NewApproveCall(route.Token, route.TokenMessenger, amt)
	if err != nil {
		return transfer.Receipt{}, reject(req, transfer.FlowBurnMint, fmt.Errorf("%w: %v", transfer.ErrInvalidRequest, err))
	}
	burn, err := cctp.NewBurnCall(route.TokenMessenger, amt, route.DestinationDomain, req.Recipient, route.Token)
	if err != nil {
		return transfer.Receipt{}, reject(req, transfer.FlowBurnMint, fmt.Errorf("%w: %v", transfer.ErrInvalidRequest, err))
	}

	st, lctx, release, err := o.start(ctx, transfer.FlowBurnMint, req)
	if err != nil {
		return transfer.Receipt{}, err
	}
	defer release()
	ctx = lctx

	src := o.network(route.Source)
	if err := o.approve(ctx, &st, src, approve); err != nil {
		return transfer.Receipt{}, err
	}
	receipt, err := o.burn(ctx, &st, src, burn)
	if err != nil {
		return transfer.Receipt{}, err
	}
	return o.deliver(ctx, &st, route, receipt, common.Hash{})
}

// start assigns an ID, takes the transfer lease and stores the initial record. The caller runs
// the transfer under the returned context and calls release when done.
func (o *Orchestrator) start(ctx context.Context, flow transfer.Flow, req transfer.Request) (transfer.State, context.Context, func(), error) {
	id, err := o.newID(flow, req)
	if err != nil {
		return transfer.State{}, nil, nil, reject(req, flow, err)
	}
	st := transfer.NewState(id, flow, req, o.cfg.Now())
	lctx, release, err := o.lock(ctx, id)
	if err != nil {
		return transfer.State{}, nil, nil, o.existing(ctx, st, err)
	}
	if err := o.create(lctx, st); err != nil {
		release()
		if errors.Is(err, transfer.ErrAlreadyExists) {
			return transfer.State{}, nil, nil, o.existing(ctx, st, err)
		}
		return transfer.State{}, nil, nil, reject(req, flow, fmt.Errorf("orchestrator: create %s: %w", id, err))
	}
	return st, lctx, release, nil
}

// existing rejects a request whose transfer ID is already taken, reporting the stored attempt
// when there is one.
func (o *Orchestrator) existing(ctx context.Context, st transfer.State, cause error) error {
	if cur, err := o.deps.Store.Get(ctx, st.ID); err == nil {
		st = cur
	}
	return &transfer.Error{Kind: transfer.KindRejected, Stage: st.Stage, State: st, Err: cause}
}

// approve grants the spender an allowance and waits for it to land. Approval moves no value, so
// every failure here leaves the request safe to retry.
func (o *Orchestrator) approve(ctx context.Context, st *transfer.State, src Network, c cctp.ApproveCall) error {
	if err := o.advance(ctx, st, transfer.StageApproving); err != nil {
		return o.fail(ctx, st, transfer.KindRejected, err)
	}
	call, err := c.Call()
	if err != nil {
		return o.fail(ctx, st, transfer.KindRejected, err)
	}
	p, err := src.Invoker.Invoke(ctx, call)
	if err != nil {
		return o.fail(ctx, st, transfer.KindRejected, err)
	}
	st.ApprovalTxHash = p.Hash
	if err := o.persist(ctx, st); err != nil {
		return o.fail(ctx, st, transfer.KindRejected, err)
	}
	if _, err := src.Waiter.AwaitConfirmation(ctx, p.Hash, o.cfg.ConfirmationPolicy); err != nil {
		return o.fail(ctx, st, transfer.KindRejected, err)
	}
	if err := o.advance(ctx, st, transfer.StageApproved); err != nil {
		return o.fail(ctx, st, transfer.KindRejected, err)
	}
	return nil
}

// burn submits depositForBurn. The hash is persisted before waiting so a crash afterwards can be
// resumed from the burn.
func (o *Orchestrator) burn(ctx context.Context, st *transfer.State, src Network, c cctp.BurnCall) (*types.Receipt, error) {
	if err := o.advance(ctx, st, transfer.StageBurning); err != nil {
		return nil, o.fail(ctx, st, transfer.KindRejected, err)
	}
	call, err := c.Call()
	if err != nil {
		return nil, o.fail(ctx, st, transfer.KindRejected, err)
	}
	p, err := src.Invoker.Invoke(ctx, call)
	if err != nil {
		if h, ok := signedHash(err); ok {
			st.BurnTxHash = h
		}
		return nil, o.fail(ctx, st, submitKind(err, transfer.KindRejected), err)
	}
	st.BurnTxHash = p.Hash
	if err := o.persist(ctx, st); err != nil {
		return nil, o.fail(ctx, st, transfer.KindRecoverable, err)
	}
	receipt, err := src.Waiter.AwaitConfirmation(ctx, p.Hash, o.cfg.ConfirmationPolicy)
	if err != nil {
		return nil, o.fail(ctx, st, waitKind(err, transfer.KindRejected), err)
	}
	if err := o.advance(ctx, st, transfer.StageBurned); err != nil {
		return nil, o.fail(ctx, st, transfer.KindRecoverable, err)
	}
	return receipt, nil
}

// deliver runs everything after a confirmed burn: extract, attest and receive. want, when
// non-zero, is the message hash the caller expects the burn to have emitted.
func (o *Orchestrator) deliver(ctx context.Context, st *transfer.State, route BurnRoute, burnReceipt *types.Receipt, want common.Hash) (transfer.Receipt, error) {
	if err := o.advance(ctx, st, transfer.StageExtractingMessage); err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindRecoverable, err)
	}
	env, err := cctp.ExtractMessage(burnReceipt, route.SourceTransmitter)
	if err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindFundsAtRisk, err)
	}
	if (want != common.Hash{}) && want != env.Hash {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindRejected,
			fmt.Errorf("%w: burn emitted message %s, expected %s", transfer.ErrInvalidRequest, env.Hash.Hex(), want.Hex()))
	}
	// An attestation carried from an earlier attempt is only valid for the same message.
	sig := st.Attestation
	if st.MessageHash != env.Hash {
		sig = nil
	}
	st.MessageBytes = env.Bytes
	st.MessageHash = env.Hash
	st.Attestation = nil
	if err := o.advance(ctx, st, transfer.StageAwaitingAttestation); err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindRecoverable, err)
	}

	if len(sig) == 0 {
		sig, err = o.deps.Attestor.AwaitAttestation(ctx, env.Hash, o.cfg.AttestationPolicy)
		if err != nil {
			return transfer.Receipt{}, o.fail(ctx, st, transfer.KindRecoverable, err)
		}
	}
	st.Attestation = sig
	if err := o.advance(ctx, st, transfer.StageAttested); err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindRecoverable, err)
	}

	rc, err := cctp.NewReceiveCall(route.DestinationTransmitter, st.MessageBytes, st.Attestation)
	if err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindFundsAtRisk, err)
	}
	call, err := rc.Call()
	if err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindFundsAtRisk, err)
	}
	if err := o.advance(ctx, st, transfer.StageReceiving); err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindRecoverable, err)
	}

	if err := o.receive(ctx, st, o.network(route.Destination), call); err != nil {
		return transfer.Receipt{}, err
	}
	if err := o.advance(ctx, st, transfer.StageCompleted); err != nil {
		return transfer.Receipt{}, o.fail(ctx, st, transfer.KindRecoverable, err)
	}

	return transfer.Receipt{
		TransferID:        st.ID,
		Attempt:           st.Attempt,
		SourceTxHash:      st.BurnTxHash,
		DestinationTxHash: st.ReceiveTxHash,
	}, nil
}

// receive lands receiveMessage on the destination. A receive left by an earlier attempt is waited
// on first; a new one is submitted only when there is none or it reverted.
func (o *Orchestrator) receive(ctx context.Context, st *transfer.State, dst Network, call eth.Call) error {
	if prior := st.ReceiveTxHash; (prior != common.Hash{}) {
		_, err := dst.Waiter.AwaitConfirmation(ctx, prior, o.cfg.ConfirmationPolicy)
		if err == nil {
			return nil
		}
		var re *eth.RevertedError
		if !errors.As(err, &re) {
			return o.fail(ctx, st, transfer.KindRecoverable, err)
		}
		o.log.Warn("earlier receive reverted, submitting again", "transferID", st.ID, "attempt", st.Attempt, "tx", prior)
		st.ReceiveTxHash = common.Hash{}
	}

	p, err := dst.Invoker.Invoke(ctx, call)
	if err != nil {
		var ge *eth.GasEstimationError
		kind := submitKind(err, transfer.KindRecoverable)
		if errors.As(err, &ge) && ctx.Err() == nil {
			// The destination refused to simulate the mint: a spent nonce or a bad attestation.
			kind = transfer.KindFundsAtRisk
		}
		if h, ok := signedHash(err); ok {
			st.ReceiveTxHash = h
		}
		return o.fail(ctx, st, kind, err)
	}
	st.ReceiveTxHash = p.Hash
	if err := o.persist(ctx, st); err != nil {
		return o.fail(ctx, st, transfer.KindRecoverable, err)
	}
	if _, err := dst.Waiter.AwaitConfirmation(ctx, p.Hash, o.cfg.ConfirmationPolicy); err != nil {
		return o.fail(ctx, st, waitKind(err, transfer.KindFundsAtRisk), err)
	}
	return nil
}

// signedHash returns the hash of a transaction that was signed but may or may not have reached
// the network.
func signedHash(err error) (common.Hash, bool) {
	var se *eth.SubmissionError
	if errors.As(err, &se) && se.Ambiguous() && (se.TxHash != common.Hash{}) {
		return se.TxHash, true
	}
	return common.Hash{}, false
}

// ResumeRequest identifies a burn to finish. Either TransferID or the chain pair plus
// BurnTxHash must be set.
type ResumeRequest struct {
	TransferID       string
	SourceChain      string
	DestinationChain string
	BurnTxHash       common.Hash
	// MessageHash, when set, must match the message the burn emitted.
	MessageHash common.Hash
	// ResubmitReceive discards a receive recorded by the earlier attempt instead of waiting on it.
	// For receives known to have been dropped from the mempool.
	ResubmitReceive bool
}

// Resume finishes a burn/mint transfer from a confirmed burn as a new attempt. The original
// attempt record is left as it was, or marked failed if it never reached a terminal stage.
func (o *Orchestrator) Resume(ctx context.Context, rr ResumeRequest) (transfer.Receipt, error) {
	prev, err := o.resumeBase(ctx, rr)
	if err != nil {
		return transfer.Receipt{}, err
	}
	lctx, release, err := o.lock(ctx, prev.ID)
	if err != nil {
		return transfer.Receipt{}, o.existing(ctx, prev, err)
	}
	defer release()
	ctx = lctx
	if prev.Attempt > 0 {
		// Another caller may have moved the transfer on before the lease was ours.
		cur, err := o.deps.Store.Get(ctx, prev.ID)
		if err != nil {
			return transfer.Receipt{}, reject(prev.Request, prev.Flow, fmt.Errorf("orchestrator: reload %s: %w", prev.ID, err))
		}
		prev = cur
	}
	if prev.Flow == transfer.FlowRouterDeposit {
		return transfer.Receipt{}, reject(prev.Request, prev.Flow,
			fmt.Errorf("%w: router deposits cannot be resumed", transfer.ErrInvalidRequest))
	}
	if prev.Stage == transfer.StageCompleted {
		return transfer.Receipt{
			TransferID:        prev.ID,
			Attempt:           prev.Attempt,
			SourceTxHash:      prev.BurnTxHash,
			DestinationTxHash: prev.ReceiveTxHash,
		}, nil
	}

	burnHash := rr.BurnTxHash
	if (burnHash == common.Hash{}) {
		burnHash = prev.BurnTxHash
	}
	if (burnHash == common.Hash{}) {
		return transfer.Receipt{}, reject(prev.Request, transfer.FlowBurnMint,
			fmt.Errorf("%w: transfer %s has no burn to resume from", transfer.ErrInvalidRequest, prev.ID))
	}
	want := rr.MessageHash
	if (want == common.Hash{}) && burnHash == prev.BurnTxHash {
		want = prev.MessageHash
	}

	route, ok := o.burnRoutes[key(prev.Request.SourceChain, prev.Request.DestinationChain)]
	if !ok {
		return transfer.Receipt{}, reject(prev.Request, transfer.FlowBurnMint,
			fmt.Errorf("%w: %s -> %s", transfer.ErrUnsupportedRoute, prev.Request.SourceChain, prev.Request.DestinationChain))
	}

	if prev.Attempt > 0 && !prev.Stage.Terminal() {
		abandoned := prev.Clone()
		if err := abandoned.Fail(transfer.KindRecoverable, fmt.Errorf("superseded by attempt %d", prev.Attempt+1), o.cfg.Now()); err == nil {
			if err := o.persist(ctx, &abandoned); err != nil {
				o.log.Warn("mark superseded attempt", "transferID", prev.ID, "attempt", prev.Attempt, "err", err)
			}
		}
	}

	st := transfer.NewResumedState(prev, burnHash, o.cfg.Now())
	if rr.ResubmitReceive && (st.ReceiveTxHash != common.Hash{}) {
		o.log.Warn("discarding earlier receive", "transferID", st.ID, "tx", st.ReceiveTxHash)
		st.ReceiveTxHash = common.Hash{}
	}
	if err := o.create(ctx, st); err != nil {
		return transfer.Receipt{}, reject(prev.Request, transfer.FlowBurnMint, fmt.Errorf("orchestrator: create attempt %d of %s: %w", st.Attempt, st.ID, err))
	}
	o.log.Info("resuming transfer", "transferID", st.ID, "attempt", st.Attempt, "burnTx", burnHash, "receiveTx", st.ReceiveTxHash)

	src := o.network(route.Source)
	receipt, err := src.Waiter.AwaitConfirmation(ctx, burnHash, o.cfg.ConfirmationPolicy)
	if err != nil {
		return transfer.Receipt{}, o.fail(ctx, &st, waitKind(err, transfer.KindRejected), err)
	}
	return o.deliver(ctx, &st, route, receipt, want)
}

// resumeBase loads the attempt to resume from, or synthesizes one for a burn that was never
// recorded here.
func (o *Orchestrator) resumeBase(ctx context.Context, rr ResumeRequest) (transfer.State, error) {
	if id := strings.TrimSpace(rr.TransferID); id != "" {
		prev, err := o.deps.Store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, transfer.ErrNotFound) {
				return transfer.State{}, reject(transfer.Request{}, transfer.FlowBurnMint, fmt.Errorf("%w: %s", err, id))
			}
			return transfer.State{}, reject(transfer.Request{}, transfer.FlowBurnMint, fmt.Errorf("orchestrator: load %s: %w", id, err))
		}
		return prev, nil
	}

	req := transfer.Request{
		SourceChain:      rr.SourceChain,
		DestinationChain: rr.DestinationChain,
		ClientRef:        "resume:" + strings.ToLower(rr.BurnTxHash.Hex()),
	}
	if (rr.BurnTxHash == common.Hash{}) || rr.SourceChain == "" || rr.DestinationChain == "" {
		return transfer.State{}, reject(req, transfer.FlowBurnMint,
			fmt.Errorf("%w: resume needs a transfer id or source, destination and burn tx", transfer.ErrInvalidRequest))
	}
	route, ok := o.burnRoutes[key(req.SourceChain, req.DestinationChain)]
	if !ok {
		return transfer.State{}, reject(req, transfer.FlowBurnMint,
			fmt.Errorf("%w: %s -> %s", transfer.ErrUnsupportedRoute, req.SourceChain, req.DestinationChain))
	}
	req.SourceToken = route.Token
	id := transfer.IDV1(transfer.FlowBurnMint, req, nil)

	if prev, err := o.deps.Store.Get(ctx, id); err == nil {
		return prev, nil
	} else if !errors.Is(err, transfer.ErrNotFound) {
		return transfer.State{}, reject(req, transfer.FlowBurnMint, fmt.Errorf("orchestrator: load %s: %w", id, err))
	}
	// Attempt 0 makes the resumed record attempt 1.
	return transfer.State{ID: id, Attempt: 0, Flow: transfer.FlowBurnMint, Request: req, BurnTxHash: rr.BurnTxHash}, nil
}
