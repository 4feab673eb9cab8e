package attestation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/usdc-relay/cctp-orchestrator/internal/poll"
)

// Source performs one attestation lookup. *Client satisfies it.
type Source interface {
	Get(ctx context.Context, messageHash common.Hash) (Response, error)
}

// TimeoutError reports that no attestation was obtained within the policy timeout. The burn is
// unaffected; polling may be resumed later with the same hash.
type TimeoutError struct {
	MessageHash common.Hash
	Timeout     time.Duration
	LastStatus  Status
	LastErr     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("attestation: no attestation for %s within %s (last status %q)", e.MessageHash, e.Timeout, e.LastStatus)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return poll.ErrTimeout }

const defaultCacheSize = 1024

type PollerConfig struct {
	Clock poll.Clock
	// CacheSize bounds the number of completed attestations remembered. 0 uses the default.
	CacheSize int
}

// Poller waits for attestations. Completed signatures are cached by message hash so repeated
// lookups for the same message always return the same bytes.
type Poller struct {
	src Source
	cfg PollerConfig
	log *slog.Logger

	mu    sync.Mutex
	cache map[common.Hash][]byte
	order []common.Hash
}

func NewPoller(src Source, cfg PollerConfig, log *slog.Logger) (*Poller, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidClientConfig)
	}
	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("%w: negative cache size", ErrInvalidClientConfig)
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Poller{
		src:   src,
		cfg:   cfg,
		log:   log,
		cache: make(map[common.Hash][]byte),
	}, nil
}

// AwaitAttestation polls until the service reports complete with a non-empty signature. Any other
// status and any lookup error are treated as transient until the policy timeout.
func (p *Poller) AwaitAttestation(ctx context.Context, messageHash common.Hash, pol poll.Policy) ([]byte, error) {
	if (messageHash == common.Hash{}) {
		return nil, fmt.Errorf("%w: zero message hash", ErrInvalidClientConfig)
	}
	if sig, ok := p.cached(messageHash); ok {
		return sig, nil
	}

	var (
		sig        []byte
		lastStatus Status
		lastErr    error
		attempts   int
	)
	err := poll.Until(ctx, p.cfg.Clock, pol, func(ctx context.Context) (bool, error) {
		attempts++
		resp, err := p.src.Get(ctx, messageHash)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			lastErr = err
			p.log.Debug("attestation lookup failed", "messageHash", messageHash, "attempt", attempts, "err", err)
			return false, nil
		}
		lastStatus = resp.Status
		if resp.Status == StatusComplete && len(resp.Attestation) > 0 {
			sig = resp.Attestation
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return nil, &TimeoutError{MessageHash: messageHash, Timeout: pol.Timeout, LastStatus: lastStatus, LastErr: lastErr}
		}
		return nil, err
	}

	p.log.Info("attestation complete", "messageHash", messageHash, "attempts", attempts)
	return p.remember(messageHash, sig), nil
}

func (p *Poller) cached(h common.Hash) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sig, ok := p.cache[h]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), sig...), true
}

// remember stores sig unless another caller already did, and returns the stored value.
func (p *Poller) remember(h common.Hash, sig []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.cache[h]; ok {
		return append([]byte(nil), prev...)
	}
	if len(p.order) >= p.cfg.CacheSize {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.cache, oldest)
	}
	stored := append([]byte(nil), sig...)
	p.cache[h] = stored
	p.order = append(p.order, h)
	return append([]byte(nil), stored...)
}
