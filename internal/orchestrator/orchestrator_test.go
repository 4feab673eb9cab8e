package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/usdc-relay/cctp-orchestrator/internal/attestation"
	"github.com/usdc-relay/cctp-orchestrator/internal/cctp"
	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
	"github.com/usdc-relay/cctp-orchestrator/internal/leases"
	"github.com/usdc-relay/cctp-orchestrator/internal/poll"
	"github.com/usdc-relay/cctp-orchestrator/internal/router"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

var (
	tokenAddr     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	messengerAddr = common.HexToAddress("0x9f3B8679c73C2Fef8b59B4f3444d4e156fb70AA5")
	srcTransmit   = common.HexToAddress("0x7865fAfC2db2093669d92c0F33AeEF291086BEFD")
	dstTransmit   = common.HexToAddress("0xa9fB1b3009DCb79E2fe346c16a604B8Fa8aE0a79")
	recipientAddr = common.HexToAddress("0x000000000000000000000000000000000000aBc1")
	signerAddr    = common.HexToAddress("0x00000000000000000000000000000000000051a9")

	destTokenAddr = common.HexToAddress("0x5425890298aed601595a70AB815c96711a31Bc65")
	poolAddr      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	routerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000c0")

	testMessage = []byte("bridge message body")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeInvoker struct {
	mu     sync.Mutex
	from   common.Address
	hashes []common.Hash
	errs   map[string]error
	calls  []eth.Call
}

func (f *fakeInvoker) Invoke(_ context.Context, call eth.Call) (eth.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if err, ok := f.errs[call.Label]; ok {
		return eth.PendingTx{}, err
	}
	if len(f.hashes) == 0 {
		return eth.PendingTx{}, errors.New("fakeInvoker: no hashes left")
	}
	h := f.hashes[0]
	f.hashes = f.hashes[1:]
	return eth.PendingTx{From: f.from, Hash: h}, nil
}

func (f *fakeInvoker) From() common.Address { return f.from }

func (f *fakeInvoker) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Label)
	}
	return out
}

type fakeWaiter struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	errs     map[common.Hash]error
	waited   []common.Hash
}

func (f *fakeWaiter) AwaitConfirmation(_ context.Context, h common.Hash, _ poll.Policy) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, h)
	if err, ok := f.errs[h]; ok {
		return nil, err
	}
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: h, BlockNumber: big.NewInt(1)}, nil
}

func (f *fakeWaiter) count(h common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waited {
		if w == h {
			n++
		}
	}
	return n
}

func (f *fakeWaiter) setErr(h common.Hash, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, h)
		return
	}
	f.errs[h] = err
}

// scriptedAttestations replays steps and repeats the last one.
type scriptedAttestations struct {
	mu     sync.Mutex
	steps  []attestation.Response
	calls  int
	onCall func()
}

func (s *scriptedAttestations) Get(_ context.Context, _ common.Hash) (attestation.Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	resp := s.steps[i]
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return resp, nil
}

func (s *scriptedAttestations) set(steps ...attestation.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = steps
	s.calls = 0
}

func (s *scriptedAttestations) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []transfer.Stage
}

func (r *recordingObserver) StageChanged(_ context.Context, st transfer.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.stages); n > 0 && r.stages[n-1] == st.Stage {
		return
	}
	r.stages = append(r.stages, st.Stage)
}

type recordingIncidents struct {
	mu      sync.Mutex
	reports []transfer.State
}

func (r *recordingIncidents) Report(_ context.Context, st transfer.State, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, st)
	return nil
}

func (r *recordingIncidents) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type fakeRouter struct {
	mu    sync.Mutex
	route router.Route
	err   error
	reqs  []router.RouteRequest
}

func (f *fakeRouter) Route(_ context.Context, req router.RouteRequest) (router.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.route, f.err
}

type harness struct {
	src, dst         *fakeInvoker
	srcWait, dstWait *fakeWaiter
	att              *scriptedAttestations
	store            *transfer.MemoryStore
	obs              *recordingObserver
	incidents        *recordingIncidents
	router           *fakeRouter
	leases           *leases.MemoryStore
	orch             *Orchestrator
}

func burnReceipt(t *testing.T, h common.Hash, emitter common.Address, msg []byte) *types.Receipt {
	t.Helper()
	ev, err := cctp.MessageSentEvent()
	if err != nil {
		t.Fatalf("MessageSentEvent: %v", err)
	}
	data, err := cctp.EncodeMessageSentData(msg)
	if err != nil {
		t.Fatalf("EncodeMessageSentData: %v", err)
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      h,
		BlockNumber: big.NewInt(10),
		Logs:        []*types.Log{{Address: emitter, Topics: []common.Hash{ev.ID}, Data: data}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		src:       &fakeInvoker{from: signerAddr, hashes: []common.Hash{common.HexToHash("0x1"), common.HexToHash("0x2")}},
		dst:       &fakeInvoker{from: signerAddr, hashes: []common.Hash{common.HexToHash("0x5")}},
		srcWait:   &fakeWaiter{receipts: map[common.Hash]*types.Receipt{}, errs: map[common.Hash]error{}},
		dstWait:   &fakeWaiter{receipts: map[common.Hash]*types.Receipt{}, errs: map[common.Hash]error{}},
		store:     transfer.NewMemoryStore(),
		obs:       &recordingObserver{},
		incidents: &recordingIncidents{},
		leases:    leases.NewMemoryStore(nil),
		router: &fakeRouter{route: router.Route{
			RequestID: "req-1",
			Target:    routerAddr,
			Data:      []byte{0xde, 0xad},
			Value:     big.NewInt(0),
			GasLimit:  500000,
		}},
	}
	h.srcWait.receipts[common.HexToHash("0x2")] = burnReceipt(t, common.HexToHash("0x2"), srcTransmit, testMessage)
	h.att = &scriptedAttestations{steps: []attestation.Response{
		{Status: attestation.StatusPending},
		{Status: attestation.StatusComplete, Attestation: []byte{0x04}},
	}}

	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	poller, err := attestation.NewPoller(h.att, attestation.PollerConfig{Clock: poll.Clock{Now: clk.Now, Sleep: clk.Sleep}}, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	h.orch, err = New(Config{
		BurnRoutes: []BurnRoute{{
			Source:                 "base-sepolia",
			Destination:            "avalanche-fuji",
			DestinationDomain:      1,
			Token:                  tokenAddr,
			TokenMessenger:         messengerAddr,
			SourceTransmitter:      srcTransmit,
			DestinationTransmitter: dstTransmit,
		}},
		DepositRoutes: []DepositRoute{{
			Source:      "base-sepolia",
			Destination: "avalanche-fuji",
			FromToken:   tokenAddr,
			ToToken:     destTokenAddr,
			LendingPool: poolAddr,
			Slippage:    1,
		}},
		ConfirmationPolicy: poll.Fixed(time.Second, 10*time.Second),
		AttestationPolicy:  poll.Fixed(time.Second, 5*time.Second),
		Now:                clk.Now,
		Salt:               func() ([]byte, error) { return []byte("salt"), nil },
		LeaseOwner:         "test-node",
	}, Deps{
		Networks: map[string]Network{
			"base-sepolia":   {ChainID: big.NewInt(84532), Invoker: h.src, Waiter: h.srcWait},
			"avalanche-fuji": {ChainID: big.NewInt(43113), Invoker: h.dst, Waiter: h.dstWait},
		},
		Attestor:  poller,
		Router:    h.router,
		Store:     h.store,
		Observer:  h.obs,
		Incidents: h.incidents,
		Leases:    h.leases,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func testRequest() transfer.Request {
	return transfer.Request{
		Amount:           "10",
		SourceChain:      "base-sepolia",
		DestinationChain: "avalanche-fuji",
		Recipient:        recipientAddr,
		SourceToken:      tokenAddr,
	}
}

func mustTransferError(t *testing.T, err error) *transfer.Error {
	t.Helper()
	var te *transfer.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *transfer.Error, got %T: %v", err, err)
	}
	return te
}

func TestExecuteTransfer_EndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rcpt, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("ExecuteTransfer: %v", err)
	}
	if rcpt.SourceTxHash != common.HexToHash("0x2") || rcpt.DestinationTxHash != common.HexToHash("0x5") {
		t.Fatalf("receipt: got %+v", rcpt)
	}
	if rcpt.Attempt != 1 || rcpt.TransferID == "" {
		t.Fatalf("receipt identity: got %+v", rcpt)
	}

	if got := h.src.labels(); fmt.Sprint(got) != "[approve depositForBurn]" {
		t.Fatalf("source calls: got %v", got)
	}
	if got := h.dst.labels(); fmt.Sprint(got) != "[receiveMessage]" {
		t.Fatalf("destination calls: got %v", got)
	}
	if h.dst.calls[0].To != dstTransmit {
		t.Fatalf("receive target: got %s want %s", h.dst.calls[0].To, dstTransmit)
	}
	if h.att.count() != 2 {
		t.Fatalf("attestation lookups: got %d want 2", h.att.count())
	}

	st, err := h.store.Get(context.Background(), rcpt.TransferID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Stage != transfer.StageCompleted {
		t.Fatalf("stage: got %s want %s", st.Stage, transfer.StageCompleted)
	}
	if st.ApprovalTxHash != common.HexToHash("0x1") || st.MessageHash != cctp.HashMessage(testMessage) {
		t.Fatalf("state: %+v", st)
	}
	if string(st.Attestation) != "\x04" {
		t.Fatalf("attestation: got %x", st.Attestation)
	}

	want := []transfer.Stage{
		transfer.StageInit, transfer.StageApproving, transfer.StageApproved, transfer.StageBurning,
		transfer.StageBurned, transfer.StageExtractingMessage, transfer.StageAwaitingAttestation,
		transfer.StageAttested, transfer.StageReceiving, transfer.StageCompleted,
	}
	if fmt.Sprint(h.obs.stages) != fmt.Sprint(want) {
		t.Fatalf("observed stages:\n got %v\nwant %v", h.obs.stages, want)
	}
	if h.incidents.count() != 0 {
		t.Fatalf("unexpected incidents")
	}
}

func TestExecuteTransfer_ApprovalRevertHaltsBeforeBurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.srcWait.errs[common.HexToHash("0x1")] = &eth.RevertedError{Network: "base-sepolia", TxHash: common.HexToHash("0x1")}

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindRejected || te.Stage != transfer.StageApproving {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	if got := h.src.labels(); fmt.Sprint(got) != "[approve]" {
		t.Fatalf("source calls: got %v", got)
	}
	if len(h.dst.calls) != 0 {
		t.Fatalf("destination must not be called")
	}
	st, err := h.store.Get(context.Background(), te.State.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Stage != transfer.StageFailed || st.FailedStage != transfer.StageApproving {
		t.Fatalf("stored state: stage=%s failed=%s", st.Stage, st.FailedStage)
	}
}

func TestExecuteTransfer_AttestationTimeoutIsRecoverable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.att.set(attestation.Response{Status: attestation.StatusPending})

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindRecoverable || te.Stage != transfer.StageAwaitingAttestation {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	if !errors.Is(err, poll.ErrTimeout) {
		t.Fatalf("expected poll.ErrTimeout in chain, got %v", err)
	}
	// 1s interval, 5s timeout: lookups at t=0..4.
	if h.att.count() != 5 {
		t.Fatalf("attestation lookups: got %d want 5", h.att.count())
	}
	if len(h.dst.calls) != 0 {
		t.Fatalf("destination must not be called")
	}
	if te.State.BurnTxHash != common.HexToHash("0x2") || te.State.MessageHash != cctp.HashMessage(testMessage) {
		t.Fatalf("error state must carry burn identifiers: %+v", te.State)
	}
	if h.incidents.count() != 0 {
		t.Fatalf("recoverable failures are not incidents")
	}
}

func TestExecuteTransfer_UnsupportedRouteMakesNoCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := testRequest()
	req.DestinationChain = "solana-devnet"

	_, err := h.orch.ExecuteTransfer(context.Background(), req)
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindRejected || !errors.Is(err, transfer.ErrUnsupportedRoute) {
		t.Fatalf("error: got kind=%s err=%v", te.Kind, err)
	}
	if len(h.src.calls) != 0 || len(h.dst.calls) != 0 {
		t.Fatalf("no chain call may precede route validation")
	}
	if got, _ := h.store.ListByStage(context.Background(), transfer.StageInit, 10); len(got) != 0 {
		t.Fatalf("no record may be created: %+v", got)
	}
}

func TestExecuteTransfer_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mod  func(*transfer.Request)
		want error
	}{
		{"zero amount", func(r *transfer.Request) { r.Amount = "0" }, transfer.ErrInvalidRequest},
		{"decimal amount", func(r *transfer.Request) { r.Amount = "1.5" }, transfer.ErrInvalidRequest},
		{"zero recipient", func(r *transfer.Request) { r.Recipient = common.Address{} }, transfer.ErrInvalidRequest},
		{"other token", func(r *transfer.Request) { r.SourceToken = destTokenAddr }, transfer.ErrUnsupportedRoute},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			req := testRequest()
			tc.mod(&req)
			_, err := h.orch.ExecuteTransfer(context.Background(), req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
			if transfer.KindOf(err) != transfer.KindRejected {
				t.Fatalf("kind: got %s", transfer.KindOf(err))
			}
			if len(h.src.calls) != 0 {
				t.Fatalf("no chain call expected")
			}
		})
	}
}

func TestExecuteTransfer_MissingMessageIsFundsAtRisk(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.srcWait.receipts[common.HexToHash("0x2")] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0x2")}

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindFundsAtRisk || te.Stage != transfer.StageExtractingMessage {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	if !errors.Is(err, cctp.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if h.incidents.count() != 1 {
		t.Fatalf("incidents: got %d want 1", h.incidents.count())
	}
	if h.att.count() != 0 || len(h.dst.calls) != 0 {
		t.Fatalf("nothing may run after a failed extraction")
	}
}

func TestExecuteTransfer_AmbiguousBurnSubmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.src.errs = map[string]error{"depositForBurn": &eth.SubmissionError{
		Network:   "base-sepolia",
		Label:     "depositForBurn",
		Broadcast: eth.BroadcastUnknown,
		TxHash:    common.HexToHash("0x22"),
		Err:       errors.New("connection reset"),
	}}

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindAmbiguous || te.Stage != transfer.StageBurning {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	if h.incidents.count() != 1 {
		t.Fatalf("ambiguous submissions must be reported")
	}
	if te.State.BurnTxHash != common.HexToHash("0x22") {
		t.Fatalf("signed burn hash must be recorded: got %s", te.State.BurnTxHash.Hex())
	}
	st, err := h.store.Get(context.Background(), te.State.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.BurnTxHash != common.HexToHash("0x22") || st.ErrorKind != transfer.KindAmbiguous {
		t.Fatalf("stored state: burn=%s kind=%s", st.BurnTxHash.Hex(), st.ErrorKind)
	}
}

func TestResume_AfterAmbiguousBurnWaitsOnSignedTx(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	signed := common.HexToHash("0x22")
	h.src.errs = map[string]error{"depositForBurn": &eth.SubmissionError{
		Network:   "base-sepolia",
		Label:     "depositForBurn",
		Broadcast: eth.BroadcastUnknown,
		TxHash:    signed,
		Err:       errors.New("connection reset"),
	}}
	h.srcWait.receipts[signed] = burnReceipt(t, signed, srcTransmit, testMessage)

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)

	rcpt, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: te.State.ID})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rcpt.Attempt != 2 || rcpt.SourceTxHash != signed {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if h.srcWait.count(signed) != 1 {
		t.Fatalf("source waits on signed burn: got %d want 1", h.srcWait.count(signed))
	}
	if got := h.src.labels(); fmt.Sprint(got) != "[approve depositForBurn]" {
		t.Fatalf("resume must not resubmit on the source chain: %v", got)
	}
}

func TestExecuteTransfer_AmbiguousReceiveSubmissionRecordsHash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dst.errs = map[string]error{"receiveMessage": &eth.SubmissionError{
		Network:   "avalanche-fuji",
		Label:     "receiveMessage",
		Broadcast: eth.BroadcastUnknown,
		TxHash:    common.HexToHash("0x55"),
		Err:       errors.New("i/o timeout"),
	}}

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindAmbiguous || te.Stage != transfer.StageReceiving {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	if te.State.ReceiveTxHash != common.HexToHash("0x55") {
		t.Fatalf("signed receive hash must be recorded: got %s", te.State.ReceiveTxHash.Hex())
	}

	h.dst.errs = nil
	rcpt, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: te.State.ID})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rcpt.DestinationTxHash != common.HexToHash("0x55") {
		t.Fatalf("resume must complete with the signed receive: %+v", rcpt)
	}
	if got := h.dst.labels(); fmt.Sprint(got) != "[receiveMessage]" {
		t.Fatalf("destination calls: got %v", got)
	}
}

func TestExecuteTransfer_BurnGasEstimationIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.src.errs = map[string]error{"depositForBurn": &eth.GasEstimationError{Network: "base-sepolia", Label: "depositForBurn", Err: errors.New("insufficient allowance")}}

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	if transfer.KindOf(err) != transfer.KindRejected {
		t.Fatalf("kind: got %s (%v)", transfer.KindOf(err), err)
	}
}

func TestExecuteTransfer_ReceiveRevertIsFundsAtRisk(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dstWait.errs[common.HexToHash("0x5")] = &eth.RevertedError{Network: "avalanche-fuji", TxHash: common.HexToHash("0x5")}

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindFundsAtRisk || te.Stage != transfer.StageReceiving {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	if te.State.ReceiveTxHash != common.HexToHash("0x5") {
		t.Fatalf("receive hash must be recorded")
	}
}

func TestExecuteTransfer_CancellationStillPersistsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.att.set(attestation.Response{Status: attestation.StatusPending})
	h.att.onCall = cancel

	_, err := h.orch.ExecuteTransfer(ctx, testRequest())
	te := mustTransferError(t, err)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if te.Kind != transfer.KindRecoverable {
		t.Fatalf("kind after burn: got %s", te.Kind)
	}
	st, err := h.store.Get(context.Background(), te.State.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Stage != transfer.StageFailed || st.FailedStage != transfer.StageAwaitingAttestation {
		t.Fatalf("stored state: stage=%s failed=%s", st.Stage, st.FailedStage)
	}
}

func TestExecuteTransfer_DuplicateClientRef(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := testRequest()
	req.ClientRef = "order-7"
	first, err := h.orch.ExecuteTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err = h.orch.ExecuteTransfer(context.Background(), req)
	if !errors.Is(err, transfer.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	te := mustTransferError(t, err)
	if te.State.ID != first.TransferID || te.State.Stage != transfer.StageCompleted {
		t.Fatalf("duplicate must report the existing transfer: %+v", te.State)
	}
	if len(h.src.calls) != 2 {
		t.Fatalf("duplicate must not touch the chain: %v", h.src.labels())
	}
}

func TestResume_ByTransferID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.att.set(attestation.Response{Status: attestation.StatusPending})
	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)

	h.att.set(attestation.Response{Status: attestation.StatusComplete, Attestation: []byte{0x04}})
	rcpt, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: te.State.ID})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rcpt.Attempt != 2 || rcpt.SourceTxHash != common.HexToHash("0x2") || rcpt.DestinationTxHash != common.HexToHash("0x5") {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if got := h.src.labels(); fmt.Sprint(got) != "[approve depositForBurn]" {
		t.Fatalf("resume must not resubmit on the source chain: %v", got)
	}

	first, err := h.store.GetAttempt(context.Background(), te.State.ID, 1)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if first.Stage != transfer.StageFailed {
		t.Fatalf("first attempt: got %s", first.Stage)
	}

	again, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: te.State.ID})
	if err != nil {
		t.Fatalf("Resume completed: %v", err)
	}
	if again != rcpt {
		t.Fatalf("resuming a completed transfer: got %+v want %+v", again, rcpt)
	}
	if len(h.dst.calls) != 1 {
		t.Fatalf("completed transfers must not be received twice")
	}
}

func TestResume_AfterReceiveTimeoutWaitsOnEarlierReceive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	receive := common.HexToHash("0x5")
	h.dstWait.setErr(receive, &eth.ConfirmationTimeoutError{Network: "avalanche-fuji", TxHash: receive, Timeout: 10 * time.Second})

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindRecoverable || te.Stage != transfer.StageReceiving {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	lookups := h.att.count()

	h.dstWait.setErr(receive, nil)
	rcpt, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: te.State.ID})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rcpt.Attempt != 2 || rcpt.DestinationTxHash != receive {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if got := h.dst.labels(); fmt.Sprint(got) != "[receiveMessage]" {
		t.Fatalf("destination calls: got %v want exactly one receiveMessage", got)
	}
	if h.dstWait.count(receive) != 2 {
		t.Fatalf("waits on %s: got %d want 2", receive.Hex(), h.dstWait.count(receive))
	}
	if h.att.count() != lookups {
		t.Fatalf("attestation must carry over: lookups went from %d to %d", lookups, h.att.count())
	}
	if h.incidents.count() != 0 {
		t.Fatalf("incidents: got %d want 0", h.incidents.count())
	}
}

func TestResume_StillPendingReceiveStaysRecoverable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	receive := common.HexToHash("0x5")
	h.dstWait.setErr(receive, &eth.ConfirmationTimeoutError{Network: "avalanche-fuji", TxHash: receive, Timeout: 10 * time.Second})

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	id := mustTransferError(t, err).State.ID

	_, err = h.orch.Resume(context.Background(), ResumeRequest{TransferID: id})
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindRecoverable || te.Stage != transfer.StageReceiving {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
	if te.State.ReceiveTxHash != receive {
		t.Fatalf("pending receive must stay recorded: got %s", te.State.ReceiveTxHash.Hex())
	}
	if len(h.dst.calls) != 1 {
		t.Fatalf("destination calls: got %v", h.dst.labels())
	}
}

func TestResume_RevertedReceiveIsSubmittedAgain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first, second := common.HexToHash("0x5"), common.HexToHash("0x6")
	h.dst.hashes = []common.Hash{first, second}
	h.dstWait.setErr(first, &eth.RevertedError{Network: "avalanche-fuji", TxHash: first})

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindFundsAtRisk {
		t.Fatalf("kind: got %s", te.Kind)
	}

	rcpt, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: te.State.ID})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rcpt.DestinationTxHash != second {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if got := h.dst.labels(); fmt.Sprint(got) != "[receiveMessage receiveMessage]" {
		t.Fatalf("destination calls: got %v", got)
	}
	if h.dstWait.count(first) != 2 {
		t.Fatalf("reverted receive must be checked before resubmitting: waits=%d", h.dstWait.count(first))
	}
}

func TestResume_ResubmitReceiveSkipsEarlierReceive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dropped, fresh := common.HexToHash("0x5"), common.HexToHash("0x6")
	h.dst.hashes = []common.Hash{dropped, fresh}
	h.dstWait.setErr(dropped, &eth.ConfirmationTimeoutError{Network: "avalanche-fuji", TxHash: dropped, Timeout: 10 * time.Second})

	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	id := mustTransferError(t, err).State.ID

	rcpt, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: id, ResubmitReceive: true})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rcpt.DestinationTxHash != fresh {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if h.dstWait.count(dropped) != 1 {
		t.Fatalf("dropped receive must not be waited on again: waits=%d", h.dstWait.count(dropped))
	}
}

func TestResume_ByBurnHash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	burn := common.HexToHash("0x2")
	rcpt, err := h.orch.Resume(context.Background(), ResumeRequest{
		SourceChain:      "base-sepolia",
		DestinationChain: "avalanche-fuji",
		BurnTxHash:       burn,
		MessageHash:      cctp.HashMessage(testMessage),
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rcpt.Attempt != 1 || rcpt.SourceTxHash != burn || rcpt.DestinationTxHash != common.HexToHash("0x5") {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if len(h.src.calls) != 0 {
		t.Fatalf("resume must not submit on the source chain")
	}
}

func TestResume_MessageMismatchIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.orch.Resume(context.Background(), ResumeRequest{
		SourceChain:      "base-sepolia",
		DestinationChain: "avalanche-fuji",
		BurnTxHash:       common.HexToHash("0x2"),
		MessageHash:      common.HexToHash("0xbad"),
	})
	if !errors.Is(err, transfer.ErrInvalidRequest) || transfer.KindOf(err) != transfer.KindRejected {
		t.Fatalf("got %v", err)
	}
	if h.att.count() != 0 {
		t.Fatalf("mismatched message must not be polled")
	}
}

func TestResume_RefusedWhileTransferIsHeld(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.att.set(attestation.Response{Status: attestation.StatusPending})
	_, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	id := mustTransferError(t, err).State.ID

	other, err := leases.Hold(context.Background(), h.leases, leases.TransferName(id), leases.HoldConfig{Owner: "other-node", TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	h.att.set(attestation.Response{Status: attestation.StatusComplete, Attestation: []byte{0x04}})
	_, err = h.orch.Resume(context.Background(), ResumeRequest{TransferID: id})
	if !errors.Is(err, transfer.ErrInProgress) {
		t.Fatalf("got %v want ErrInProgress", err)
	}
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindRejected || te.State.ID != id || te.State.Attempt != 1 {
		t.Fatalf("error: kind=%s state=%+v", te.Kind, te.State)
	}
	if len(h.dst.calls) != 0 {
		t.Fatalf("held transfer must not be received")
	}
	if _, err := h.store.GetAttempt(context.Background(), id, 2); !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("no new attempt may be recorded: %v", err)
	}

	if err := other.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: id}); err != nil {
		t.Fatalf("Resume after release: %v", err)
	}
}

func TestExecuteTransfer_ReleasesLease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rcpt, err := h.orch.ExecuteTransfer(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("ExecuteTransfer: %v", err)
	}
	if _, ok, err := h.leases.Acquire(context.Background(), leases.TransferName(rcpt.TransferID), "next-node", time.Minute); err != nil || !ok {
		t.Fatalf("lease still held after completion: ok=%v err=%v", ok, err)
	}
}

func TestResume_UnknownTransfer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.orch.Resume(context.Background(), ResumeRequest{TransferID: "nope"}); !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteDeposit_RoutesAndCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.src.hashes = []common.Hash{common.HexToHash("0x7"), common.HexToHash("0x8")}

	rcpt, err := h.orch.ExecuteDeposit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("ExecuteDeposit: %v", err)
	}
	if rcpt.SourceTxHash != common.HexToHash("0x8") || (rcpt.DestinationTxHash != common.Hash{}) {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if got := h.src.labels(); fmt.Sprint(got) != "[approve route]" {
		t.Fatalf("source calls: got %v", got)
	}
	rc := h.src.calls[1]
	if rc.To != routerAddr || rc.GasLimit != 500000 || string(rc.Data) != "\xde\xad" {
		t.Fatalf("route call: %+v", rc)
	}
	if len(h.dst.calls) != 0 {
		t.Fatalf("router deposits never call the destination directly")
	}

	if len(h.router.reqs) != 1 {
		t.Fatalf("route quotes: got %d", len(h.router.reqs))
	}
	q := h.router.reqs[0]
	if q.FromChain != "84532" || q.ToChain != "43113" || q.FromAmount != "10" || q.ToAddress != recipientAddr.Hex() {
		t.Fatalf("route request: %+v", q)
	}
	if q.PostHook == nil || len(q.PostHook.Calls) != 2 {
		t.Fatalf("post hook: %+v", q.PostHook)
	}

	st, err := h.store.Get(context.Background(), rcpt.TransferID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Flow != transfer.FlowRouterDeposit || st.Stage != transfer.StageCompleted || st.RouteTxHash != common.HexToHash("0x8") {
		t.Fatalf("state: %+v", st)
	}
	want := []transfer.Stage{
		transfer.StageInit, transfer.StageApproving, transfer.StageApproved,
		transfer.StageRoutingAndDepositing, transfer.StageCompleted,
	}
	if fmt.Sprint(h.obs.stages) != fmt.Sprint(want) {
		t.Fatalf("observed stages:\n got %v\nwant %v", h.obs.stages, want)
	}
}

func TestExecuteDeposit_QuoteFailureMakesNoCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.router.err = router.ErrInvalidRoute

	_, err := h.orch.ExecuteDeposit(context.Background(), testRequest())
	if !errors.Is(err, router.ErrInvalidRoute) || transfer.KindOf(err) != transfer.KindRejected {
		t.Fatalf("got %v", err)
	}
	if len(h.src.calls) != 0 {
		t.Fatalf("no chain call may precede a successful quote")
	}
}

func TestExecuteDeposit_RouteRevertIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.src.hashes = []common.Hash{common.HexToHash("0x7"), common.HexToHash("0x8")}
	h.srcWait.errs[common.HexToHash("0x8")] = &eth.RevertedError{Network: "base-sepolia", TxHash: common.HexToHash("0x8")}

	_, err := h.orch.ExecuteDeposit(context.Background(), testRequest())
	te := mustTransferError(t, err)
	if te.Kind != transfer.KindRejected || te.Stage != transfer.StageRoutingAndDepositing {
		t.Fatalf("error: got kind=%s stage=%s", te.Kind, te.Stage)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	nets := map[string]Network{
		"a": {Invoker: &fakeInvoker{}, Waiter: &fakeWaiter{}},
		"b": {Invoker: &fakeInvoker{}, Waiter: &fakeWaiter{}},
	}
	route := BurnRoute{Source: "a", Destination: "b", Token: tokenAddr, TokenMessenger: messengerAddr, DestinationTransmitter: dstTransmit}
	store := transfer.NewMemoryStore()
	att := &attestation.Poller{}

	cases := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"nil store", Config{}, Deps{Networks: nets}},
		{"unknown network", Config{BurnRoutes: []BurnRoute{{Source: "a", Destination: "c", Token: tokenAddr, TokenMessenger: messengerAddr, DestinationTransmitter: dstTransmit}}}, Deps{Networks: nets, Store: store, Attestor: att}},
		{"same chain", Config{BurnRoutes: []BurnRoute{{Source: "a", Destination: "a", Token: tokenAddr, TokenMessenger: messengerAddr, DestinationTransmitter: dstTransmit}}}, Deps{Networks: nets, Store: store, Attestor: att}},
		{"zero address", Config{BurnRoutes: []BurnRoute{{Source: "a", Destination: "b"}}}, Deps{Networks: nets, Store: store, Attestor: att}},
		{"duplicate", Config{BurnRoutes: []BurnRoute{route, route}}, Deps{Networks: nets, Store: store, Attestor: att}},
		{"no attestor", Config{BurnRoutes: []BurnRoute{route}}, Deps{Networks: nets, Store: store}},
		{"lease owner", Config{}, Deps{Networks: nets, Store: store, Leases: leases.NewMemoryStore(nil)}},
		{"no router", Config{DepositRoutes: []DepositRoute{{Source: "a", Destination: "b", FromToken: tokenAddr, ToToken: destTokenAddr, LendingPool: poolAddr}}}, Deps{Networks: nets, Store: store}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, tc.deps, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestStranded_ReturnsIdleUnfinishedTransfers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	done, err := h.orch.ExecuteTransfer(ctx, testRequest())
	if err != nil {
		t.Fatalf("ExecuteTransfer: %v", err)
	}
	crashed := transfer.NewState("t-crashed", transfer.FlowBurnMint, testRequest(), now)
	busy := transfer.NewState("t-busy", transfer.FlowBurnMint, testRequest(), now)
	for _, st := range []transfer.State{crashed, busy} {
		if err := h.store.Create(ctx, st); err != nil {
			t.Fatalf("Create %s: %v", st.ID, err)
		}
	}
	held, err := leases.Hold(ctx, h.leases, leases.TransferName(busy.ID), leases.HoldConfig{Owner: "other-node", TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	defer func() { _ = held.Release(ctx) }()

	got, err := h.orch.Stranded(ctx, 10)
	if err != nil {
		t.Fatalf("Stranded: %v", err)
	}
	if len(got) != 1 || got[0].ID != crashed.ID {
		t.Fatalf("stranded: got %+v want only %s", got, crashed.ID)
	}
	if _, ok, err := h.leases.Acquire(ctx, leases.TransferName(crashed.ID), "next-node", time.Minute); err != nil || !ok {
		t.Fatalf("sweep must release the lease it checked: ok=%v err=%v", ok, err)
	}

	completed, err := h.orch.List(ctx, transfer.StageCompleted, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != done.TransferID {
		t.Fatalf("completed: %+v", completed)
	}
}

func TestStranded_ReportsOnlyLatestAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first := transfer.NewState("t-old", transfer.FlowBurnMint, testRequest(), now)
	first.BurnTxHash = common.HexToHash("0x2")
	if err := h.store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second := transfer.NewResumedState(first, first.BurnTxHash, now)
	if err := h.store.Create(ctx, second); err != nil {
		t.Fatalf("Create resumed: %v", err)
	}

	got, err := h.orch.Stranded(ctx, 10)
	if err != nil {
		t.Fatalf("Stranded: %v", err)
	}
	if len(got) != 1 || got[0].Attempt != 2 {
		t.Fatalf("stranded: got %+v want attempt 2 only", got)
	}
}
