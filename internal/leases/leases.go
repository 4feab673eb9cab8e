// Package leases gives one process at a time the right to drive a transfer. A lease expires
// unless its holder keeps extending it, so a crashed process never blocks a resume for long.
package leases

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotOwner     = errors.New("leases: not owner")
	ErrHeld         = errors.New("leases: held by another owner")
	ErrLost         = errors.New("leases: lease lost")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table. Acquire only takes a lease that is absent or expired;
// Extend and Release only act on the caller's own lease.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Extend(ctx context.Context, name, owner string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, name, owner string) error
}

// TransferName is the lease guarding every attempt of transfer id.
func TransferName(id string) string { return "transfer/" + id }

// SignerName is the lease guarding one signing key on one network. Nonces are assigned in
// process, so only the holder may submit transactions for the key there.
func SignerName(network, address string) string {
	return "signer/" + strings.ToLower(strings.TrimSpace(network)) + "/" + strings.ToLower(strings.TrimSpace(address))
}

func validate(name, owner string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(owner) == "" || ttl <= 0 {
		return fmt.Errorf("%w: name and owner are required and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

type HoldConfig struct {
	// Owner identifies the process, e.g. hostname-pid. Each Hold appends a random suffix so two
	// holds from one process still exclude each other.
	Owner string
	TTL   time.Duration
	// RenewEvery defaults to TTL/3.
	RenewEvery time.Duration
}

// Held is an acquired lease kept alive in the background until Release.
type Held struct {
	Lease

	store Store
	cfg   HoldConfig
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Hold acquires name or fails with ErrHeld. The returned Held's Context is derived from ctx and
// is cancelled with ErrLost if another owner takes the lease over.
func Hold(ctx context.Context, store Store, name string, cfg HoldConfig, log *slog.Logger) (*Held, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = cfg.TTL / 3
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	owner, err := uniqueOwner(cfg.Owner)
	if err != nil {
		return nil, err
	}
	if err := validate(name, owner, cfg.TTL); err != nil {
		return nil, err
	}

	l, ok, err := store.Acquire(ctx, name, owner, cfg.TTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s by %s until %s", ErrHeld, name, l.Owner, l.ExpiresAt.UTC().Format(time.RFC3339))
	}

	hctx, cancel := context.WithCancelCause(ctx)
	h := &Held{
		Lease:  l,
		store:  store,
		cfg:    cfg,
		log:    log,
		ctx:    hctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.renew()
	return h, nil
}

func (h *Held) Context() context.Context { return h.ctx }

// HoldAll acquires every name or none of them. The returned context is cancelled with the cause
// of the first lease to end, ErrLost when another owner took it over. release drops them all.
func HoldAll(ctx context.Context, store Store, names []string, cfg HoldConfig, log *slog.Logger) (context.Context, func(context.Context) error, error) {
	all, cancel := context.WithCancelCause(ctx)
	var held []*Held
	release := func(rctx context.Context) error {
		var errs []error
		for _, h := range held {
			errs = append(errs, h.Release(rctx))
		}
		cancel(nil)
		return errors.Join(errs...)
	}
	for _, name := range names {
		h, err := Hold(ctx, store, name, cfg, log)
		if err != nil {
			_ = release(context.WithoutCancel(ctx))
			return nil, nil, err
		}
		held = append(held, h)
		go func() {
			<-h.Context().Done()
			cancel(context.Cause(h.Context()))
		}()
	}
	return all, release, nil
}

// Release stops renewal and deletes the lease. It is safe to call more than once.
func (h *Held) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		h.cancel(nil)
		err = h.store.Release(ctx, h.Name, h.Owner)
	})
	return err
}

func (h *Held) renew() {
	defer close(h.done)
	t := time.NewTicker(h.cfg.RenewEvery)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-h.ctx.Done():
			return
		case <-t.C:
			l, err := h.store.Extend(h.ctx, h.Name, h.Owner, h.cfg.TTL)
			switch {
			case errors.Is(err, ErrNotOwner):
				h.log.Warn("lease lost", "lease", h.Name, "owner", h.Owner)
				h.cancel(fmt.Errorf("%w: %s", ErrLost, h.Name))
				return
			case err != nil:
				// Transient; the lease is still ours until it expires.
				h.log.Warn("extend lease", "lease", h.Name, "err", err)
			default:
				h.log.Debug("lease extended", "lease", h.Name, "expiresAt", l.ExpiresAt)
			}
		}
	}
}

func uniqueOwner(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("%w: missing owner", ErrInvalidInput)
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("leases: owner suffix: %w", err)
	}
	return base + "#" + hex.EncodeToString(b[:]), nil
}
