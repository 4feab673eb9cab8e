package attestation

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/usdc-relay/cctp-orchestrator/internal/poll"
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

func (c *fakeClock) clock() poll.Clock { return poll.Clock{Now: c.Now, Sleep: c.Sleep} }

type scriptedSource struct {
	mu    sync.Mutex
	steps []func() (Response, error)
	calls int
}

func (s *scriptedSource) Get(_ context.Context, _ common.Hash) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i]()
}

func pendingResp() (Response, error) { return Response{Status: StatusPending}, nil }

func completeResp(sig []byte) func() (Response, error) {
	return func() (Response, error) { return Response{Status: StatusComplete, Attestation: sig}, nil }
}

var testHash = common.HexToHash("0x3")

func newTestPoller(t *testing.T, src Source) (*Poller, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	p, err := NewPoller(src, PollerConfig{Clock: clk.clock()}, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return p, clk
}

func TestPoller_PendingThenComplete(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []func() (Response, error){pendingResp, completeResp([]byte{0x04})}}
	p, _ := newTestPoller(t, src)

	sig, err := p.AwaitAttestation(context.Background(), testHash, poll.Fixed(2*time.Second, time.Minute))
	if err != nil {
		t.Fatalf("AwaitAttestation: %v", err)
	}
	if !bytes.Equal(sig, []byte{0x04}) {
		t.Fatalf("signature: got %x want 04", sig)
	}
	if src.calls != 2 {
		t.Fatalf("calls: got %d want %d", src.calls, 2)
	}
}

func TestPoller_TransientErrorsAndEmptySignatureAreRetried(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []func() (Response, error){
		func() (Response, error) { return Response{}, errors.New("502 bad gateway") },
		func() (Response, error) { return Response{Status: "error"}, nil },
		completeResp(nil),
		completeResp([]byte{0xab, 0xcd}),
	}}
	p, _ := newTestPoller(t, src)

	sig, err := p.AwaitAttestation(context.Background(), testHash, poll.Fixed(2*time.Second, time.Minute))
	if err != nil {
		t.Fatalf("AwaitAttestation: %v", err)
	}
	if !bytes.Equal(sig, []byte{0xab, 0xcd}) {
		t.Fatalf("signature: got %x", sig)
	}
	if src.calls != 4 {
		t.Fatalf("calls: got %d want %d", src.calls, 4)
	}
}

func TestPoller_TimesOutExactlyAtConfiguredTimeout(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []func() (Response, error){pendingResp}}
	p, clk := newTestPoller(t, src)
	start := clk.Now()

	_, err := p.AwaitAttestation(context.Background(), testHash, poll.Fixed(2*time.Second, 9*time.Second))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.LastStatus != StatusPending || te.MessageHash != testHash {
		t.Fatalf("timeout error: %+v", te)
	}
	if got := clk.Now().Sub(start); got != 9*time.Second {
		t.Fatalf("elapsed: got %s want %s", got, 9*time.Second)
	}
	// 0, 2, 4, 6, 8.
	if src.calls != 5 {
		t.Fatalf("calls: got %d want %d", src.calls, 5)
	}
}

type stalledSource struct{ calls atomic.Int32 }

func (s *stalledSource) Get(ctx context.Context, _ common.Hash) (Response, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestPoller_StalledLookupTimesOutAtConfiguredTimeout(t *testing.T) {
	t.Parallel()

	src := &stalledSource{}
	p, err := NewPoller(src, PollerConfig{}, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	timeout := 100 * time.Millisecond
	start := time.Now()
	_, err = p.AwaitAttestation(context.Background(), testHash, poll.Fixed(time.Second, timeout))
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, poll.ErrTimeout) {
		t.Fatalf("expected errors.Is(err, poll.ErrTimeout)")
	}
	if elapsed < timeout || elapsed > 2*time.Second {
		t.Fatalf("elapsed: got %s want about %s", elapsed, timeout)
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("calls: got %d want %d", got, 1)
	}
}

func TestPoller_SlowServerTimesOutAtConfiguredTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRateLimit(1000, 10))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	p, err := NewPoller(c, PollerConfig{}, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err = p.AwaitAttestation(context.Background(), testHash, poll.Fixed(time.Second, timeout))
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("elapsed: got %s want about %s", elapsed, timeout)
	}
}

func TestPoller_RepeatedLookupsReturnSameSignature(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []func() (Response, error){completeResp([]byte{0x04})}}
	p, _ := newTestPoller(t, src)
	pol := poll.Fixed(time.Second, time.Minute)

	first, err := p.AwaitAttestation(context.Background(), testHash, pol)
	if err != nil {
		t.Fatalf("AwaitAttestation: %v", err)
	}
	first[0] = 0xff // callers must not be able to corrupt the cache

	second, err := p.AwaitAttestation(context.Background(), testHash, pol)
	if err != nil {
		t.Fatalf("AwaitAttestation: %v", err)
	}
	if !bytes.Equal(second, []byte{0x04}) {
		t.Fatalf("second signature: got %x want 04", second)
	}
	if src.calls != 1 {
		t.Fatalf("calls: got %d want %d", src.calls, 1)
	}
}

func TestPoller_CacheIsBounded(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []func() (Response, error){completeResp([]byte{0x01})}}
	p, err := NewPoller(src, PollerConfig{CacheSize: 2}, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	pol := poll.Fixed(time.Millisecond, time.Second)
	for _, h := range []common.Hash{common.HexToHash("0x1"), common.HexToHash("0x2"), common.HexToHash("0x3")} {
		if _, err := p.AwaitAttestation(context.Background(), h, pol); err != nil {
			t.Fatalf("AwaitAttestation: %v", err)
		}
	}
	if len(p.cache) != 2 {
		t.Fatalf("cache size: got %d want %d", len(p.cache), 2)
	}
	if _, ok := p.cache[common.HexToHash("0x1")]; ok {
		t.Fatalf("oldest entry should be evicted")
	}
}

func TestClient_Get(t *testing.T) {
	t.Parallel()

	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		switch r.URL.Path {
		case "/attestations/" + testHash.Hex():
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"complete","attestation":"0x0404"}`))
		default:
			http.Error(w, `{"error":"Message hash not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRateLimit(1000, 10))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := c.Get(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != StatusComplete || !bytes.Equal(resp.Attestation, []byte{0x04, 0x04}) {
		t.Fatalf("response: %+v", resp)
	}
	if gotPath.Load().(string) != "/attestations/"+testHash.Hex() {
		t.Fatalf("path: got %v", gotPath.Load())
	}

	resp, err = c.Get(context.Background(), common.HexToHash("0x99"))
	if err != nil {
		t.Fatalf("Get (404): %v", err)
	}
	if resp.Status != StatusPending {
		t.Fatalf("404 status: got %q want %q", resp.Status, StatusPending)
	}
}

func TestClient_Get_ServerErrorsTripBreaker(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRateLimit(1000, 10), WithBreakerThreshold(2))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Get(context.Background(), testHash); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Get %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if _, err := c.Get(context.Background(), testHash); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open breaker, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hits: got %d want %d", hits.Load(), 2)
	}
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "ftp://x", "http://"} {
		if _, err := NewClient(u); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("NewClient(%q): expected ErrInvalidClientConfig, got %v", u, err)
		}
	}
}
