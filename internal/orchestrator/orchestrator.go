// Package orchestrator drives cross-chain transfers through their stages: approve, burn, extract
// the bridge message, wait for the attestation and receive on the destination chain. It also runs
// the router deposit flow, which replaces the last four steps with a single router transaction.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
	"github.com/usdc-relay/cctp-orchestrator/internal/leases"
	"github.com/usdc-relay/cctp-orchestrator/internal/poll"
	"github.com/usdc-relay/cctp-orchestrator/internal/router"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

// ErrInvalidConfig is returned by New for unusable routes, policies or dependencies.
var ErrInvalidConfig = errors.New("orchestrator: invalid config")

// Invoker submits calls for one signer on one network. *eth.Invoker satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, call eth.Call) (eth.PendingTx, error)
	From() common.Address
}

// Waiter waits for inclusion. *eth.Waiter satisfies it.
type Waiter interface {
	AwaitConfirmation(ctx context.Context, txHash common.Hash, p poll.Policy) (*types.Receipt, error)
}

// Attestor waits for a message attestation. *attestation.Poller satisfies it.
type Attestor interface {
	AwaitAttestation(ctx context.Context, messageHash common.Hash, p poll.Policy) ([]byte, error)
}

// Router quotes router transactions. *router.Client satisfies it.
type Router interface {
	Route(ctx context.Context, req router.RouteRequest) (router.Route, error)
}

// Observer is told about every persisted stage change. Implementations must not block for long.
type Observer interface {
	StageChanged(ctx context.Context, st transfer.State)
}

// IncidentReporter records failures that need an operator.
type IncidentReporter interface {
	Report(ctx context.Context, st transfer.State, cause error) error
}

// Network is everything the orchestrator needs for one chain.
type Network struct {
	Name    string
	ChainID *big.Int
	Invoker Invoker
	Waiter  Waiter
}

// BurnRoute configures a burn/mint pair. Addresses and the domain are never inferred.
type BurnRoute struct {
	Source            string
	Destination       string
	DestinationDomain uint32

	Token          common.Address
	TokenMessenger common.Address
	// SourceTransmitter restricts MessageSent extraction to one emitter when non-zero.
	SourceTransmitter common.Address
	// DestinationTransmitter receives the message on the destination chain.
	DestinationTransmitter common.Address
}

// DepositRoute configures a router deposit pair.
type DepositRoute struct {
	Source      string
	Destination string

	FromToken   common.Address
	ToToken     common.Address
	LendingPool common.Address
	Slippage    float64
	Description string
}

// Config holds the routes and policies of an Orchestrator. Zero durations take defaults.
type Config struct {
	BurnRoutes    []BurnRoute
	DepositRoutes []DepositRoute

	ConfirmationPolicy poll.Policy
	AttestationPolicy  poll.Policy

	// StoreTimeout bounds each persistence call, including those made after cancellation.
	StoreTimeout time.Duration

	// LeaseOwner names this process in transfer leases. LeaseTTL defaults to one minute.
	LeaseOwner string
	LeaseTTL   time.Duration

	Now  func() time.Time
	Salt func() ([]byte, error)
}

// Deps are the collaborators an Orchestrator drives. Attestor is required with burn routes and
// Router with deposit routes; Observer, Incidents and Leases are optional.
type Deps struct {
	Networks  map[string]Network
	Attestor  Attestor
	Router    Router
	Store     transfer.Store
	Observer  Observer
	Incidents IncidentReporter
	// Leases, when set, keeps two callers from driving the same transfer at once.
	Leases leases.Store
}

// Orchestrator is safe for concurrent use. Each call drives one transfer on the caller's
// goroutine; transfers share nothing but the read-only network handles.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	burnRoutes    map[routeKey]BurnRoute
	depositRoutes map[routeKey]DepositRoute
}

type routeKey struct{ src, dst string }

func key(src, dst string) routeKey {
	return routeKey{strings.ToLower(strings.TrimSpace(src)), strings.ToLower(strings.TrimSpace(dst))}
}

func New(cfg Config, deps Deps, log *slog.Logger) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(deps.Networks) == 0 {
		return nil, fmt.Errorf("%w: no networks", ErrInvalidConfig)
	}
	if cfg.ConfirmationPolicy == (poll.Policy{}) {
		cfg.ConfirmationPolicy = poll.DefaultConfirmation
	}
	if cfg.AttestationPolicy == (poll.Policy{}) {
		cfg.AttestationPolicy = poll.DefaultAttestation
	}
	if err := cfg.ConfirmationPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: confirmation policy: %v", ErrInvalidConfig, err)
	}
	if err := cfg.AttestationPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: attestation policy: %v", ErrInvalidConfig, err)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if deps.Leases != nil && strings.TrimSpace(cfg.LeaseOwner) == "" {
		return nil, fmt.Errorf("%w: leases need an owner", ErrInvalidConfig)
	}
	if cfg.Salt == nil {
		cfg.Salt = randomSalt
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	networks := make(map[string]Network, len(deps.Networks))
	for name, n := range deps.Networks {
		if n.Invoker == nil || n.Waiter == nil {
			return nil, fmt.Errorf("%w: network %q needs an invoker and a waiter", ErrInvalidConfig, name)
		}
		if n.Name == "" {
			n.Name = name
		}
		networks[strings.ToLower(name)] = n
	}
	deps.Networks = networks

	o := &Orchestrator{
		cfg:           cfg,
		deps:          deps,
		log:           log,
		burnRoutes:    make(map[routeKey]BurnRoute, len(cfg.BurnRoutes)),
		depositRoutes: make(map[routeKey]DepositRoute, len(cfg.DepositRoutes)),
	}

	for _, r := range cfg.BurnRoutes {
		if err := o.checkNetworks(r.Source, r.Destination); err != nil {
			return nil, err
		}
		if (r.Token == common.Address{}) || (r.TokenMessenger == common.Address{}) || (r.DestinationTransmitter == common.Address{}) {
			return nil, fmt.Errorf("%w: burn route %s->%s has zero addresses", ErrInvalidConfig, r.Source, r.Destination)
		}
		k := key(r.Source, r.Destination)
		if _, dup := o.burnRoutes[k]; dup {
			return nil, fmt.Errorf("%w: duplicate burn route %s->%s", ErrInvalidConfig, r.Source, r.Destination)
		}
		o.burnRoutes[k] = r
	}
	if len(o.burnRoutes) > 0 && deps.Attestor == nil {
		return nil, fmt.Errorf("%w: burn routes need an attestor", ErrInvalidConfig)
	}

	for _, r := range cfg.DepositRoutes {
		if err := o.checkNetworks(r.Source, r.Destination); err != nil {
			return nil, err
		}
		if (r.FromToken == common.Address{}) || (r.ToToken == common.Address{}) || (r.LendingPool == common.Address{}) {
			return nil, fmt.Errorf("%w: deposit route %s->%s has zero addresses", ErrInvalidConfig, r.Source, r.Destination)
		}
		if networks[strings.ToLower(r.Source)].ChainID == nil || networks[strings.ToLower(r.Destination)].ChainID == nil {
			return nil, fmt.Errorf("%w: deposit route %s->%s needs chain ids", ErrInvalidConfig, r.Source, r.Destination)
		}
		k := key(r.Source, r.Destination)
		if _, dup := o.depositRoutes[k]; dup {
			return nil, fmt.Errorf("%w: duplicate deposit route %s->%s", ErrInvalidConfig, r.Source, r.Destination)
		}
		o.depositRoutes[k] = r
	}
	if len(o.depositRoutes) > 0 && deps.Router == nil {
		return nil, fmt.Errorf("%w: deposit routes need a router client", ErrInvalidConfig)
	}
	return o, nil
}

func (o *Orchestrator) checkNetworks(src, dst string) error {
	if strings.EqualFold(src, dst) {
		return fmt.Errorf("%w: route %s->%s is not cross-chain", ErrInvalidConfig, src, dst)
	}
	for _, n := range []string{src, dst} {
		if _, ok := o.deps.Networks[strings.ToLower(n)]; !ok {
			return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, n)
		}
	}
	return nil
}

func (o *Orchestrator) network(name string) Network {
	return o.deps.Networks[strings.ToLower(name)]
}

// Get returns the latest attempt of a transfer.
func (o *Orchestrator) Get(ctx context.Context, id string) (transfer.State, error) {
	return o.deps.Store.Get(ctx, id)
}

func (o *Orchestrator) newID(flow transfer.Flow, req transfer.Request) (string, error) {
	var salt []byte
	if req.ClientRef == "" {
		s, err := o.cfg.Salt()
		if err != nil {
			return "", fmt.Errorf("orchestrator: salt: %w", err)
		}
		salt = s
	}
	return transfer.IDV1(flow, req, salt), nil
}

func randomSalt() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// lock takes the lease on transfer id. The returned context is cancelled if the lease is lost;
// release must always be called.
func (o *Orchestrator) lock(ctx context.Context, id string) (context.Context, func(), error) {
	if o.deps.Leases == nil {
		return ctx, func() {}, nil
	}
	h, err := leases.Hold(ctx, o.deps.Leases, leases.TransferName(id), leases.HoldConfig{
		Owner: o.cfg.LeaseOwner,
		TTL:   o.cfg.LeaseTTL,
	}, o.log)
	if errors.Is(err, leases.ErrHeld) {
		return nil, nil, fmt.Errorf("%w: %s: %v", transfer.ErrInProgress, id, err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: lease %s: %w", id, err)
	}
	release := func() {
		sctx, cancel := o.storeCtx(ctx)
		defer cancel()
		if err := h.Release(sctx); err != nil {
			o.log.Warn("release lease", "transferID", id, "err", err)
		}
	}
	return h.Context(), release, nil
}

// storeCtx keeps persistence alive after the caller cancels so the final state is recorded.
func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
}

func (o *Orchestrator) create(ctx context.Context, st transfer.State) error {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	if err := o.deps.Store.Create(sctx, st.Clone()); err != nil {
		return err
	}
	o.observe(ctx, st)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, st *transfer.State) error {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	if err := o.deps.Store.Update(sctx, st.Clone()); err != nil {
		return fmt.Errorf("orchestrator: persist %s at %s: %w", st.ID, st.Stage, err)
	}
	o.observe(ctx, *st)
	return nil
}

func (o *Orchestrator) observe(ctx context.Context, st transfer.State) {
	o.log.Info("transfer stage", "transferID", st.ID, "attempt", st.Attempt, "flow", st.Flow, "stage", st.Stage)
	if o.deps.Observer != nil {
		o.deps.Observer.StageChanged(context.WithoutCancel(ctx), st.Clone())
	}
}

// advance moves st to stage to and persists it.
func (o *Orchestrator) advance(ctx context.Context, st *transfer.State, to transfer.Stage) error {
	if err := st.Advance(to, o.cfg.Now()); err != nil {
		return err
	}
	return o.persist(ctx, st)
}

// fail records the failure, escalates it when needed and returns the typed error.
func (o *Orchestrator) fail(ctx context.Context, st *transfer.State, kind transfer.Kind, cause error) error {
	stage := st.Stage
	if err := st.Fail(kind, cause, o.cfg.Now()); err != nil {
		o.log.Error("transfer fail transition refused", "transferID", st.ID, "stage", stage, "err", err)
	} else if err := o.persist(ctx, st); err != nil {
		o.log.Error("persist failed transfer", "transferID", st.ID, "err", err)
	}

	o.log.Error("transfer failed",
		"transferID", st.ID,
		"attempt", st.Attempt,
		"stage", stage,
		"kind", kind,
		"approvalTx", st.ApprovalTxHash,
		"burnTx", st.BurnTxHash,
		"messageHash", st.MessageHash,
		"receiveTx", st.ReceiveTxHash,
		"routeTx", st.RouteTxHash,
		"err", cause,
	)
	if kind.NeedsOperator() && o.deps.Incidents != nil {
		sctx, cancel := o.storeCtx(ctx)
		if err := o.deps.Incidents.Report(sctx, st.Clone(), cause); err != nil {
			o.log.Error("incident report failed", "transferID", st.ID, "err", err)
		}
		cancel()
	}
	return &transfer.Error{Kind: kind, Stage: stage, State: st.Clone(), Err: cause}
}

// reject reports a failure detected before a transfer record exists.
func reject(req transfer.Request, flow transfer.Flow, cause error) error {
	return &transfer.Error{
		Kind:  transfer.KindRejected,
		Stage: transfer.StageInit,
		State: transfer.State{Flow: flow, Request: req, Stage: transfer.StageInit},
		Err:   cause,
	}
}

// submitKind classifies an Invoke error. preBroadcast is the kind to use when the transaction
// certainly never left the process.
func submitKind(err error, preBroadcast transfer.Kind) transfer.Kind {
	var se *eth.SubmissionError
	if errors.As(err, &se) && se.Ambiguous() {
		return transfer.KindAmbiguous
	}
	return preBroadcast
}

// waitKind classifies an AwaitConfirmation error. onRevert is the kind for an on-chain revert.
func waitKind(err error, onRevert transfer.Kind) transfer.Kind {
	var re *eth.RevertedError
	if errors.As(err, &re) {
		return onRevert
	}
	return transfer.KindRecoverable
}
