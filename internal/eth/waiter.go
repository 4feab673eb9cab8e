package eth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/usdc-relay/cctp-orchestrator/internal/poll"
)

// RevertedError reports a mined transaction with a failed status. It is terminal.
type RevertedError struct {
	Network string
	TxHash  common.Hash
	Receipt *types.Receipt
}

func (e *RevertedError) Error() string {
	block := "?"
	if e.Receipt != nil && e.Receipt.BlockNumber != nil {
		block = e.Receipt.BlockNumber.String()
	}
	return fmt.Sprintf("eth: transaction %s reverted on %s in block %s", e.TxHash, e.Network, block)
}

// ConfirmationTimeoutError reports that a transaction was not confirmed within the policy timeout.
// The transaction may still confirm later.
type ConfirmationTimeoutError struct {
	Network string
	TxHash  common.Hash
	Timeout time.Duration
	// LastErr is the last provider error observed while polling, if any.
	LastErr error
}

func (e *ConfirmationTimeoutError) Error() string {
	msg := fmt.Sprintf("eth: transaction %s not confirmed on %s within %s", e.TxHash, e.Network, e.Timeout)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *ConfirmationTimeoutError) Unwrap() error { return poll.ErrTimeout }

// ReceiptSource is satisfied by *ChainClient.
type ReceiptSource interface {
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type WaiterConfig struct {
	Network string
	// Confirmations is the number of blocks that must be built on top of the inclusion block.
	Confirmations uint64
	Clock         poll.Clock
}

// Waiter polls a network until a transaction is mined with the required depth.
type Waiter struct {
	src ReceiptSource
	cfg WaiterConfig
	log *slog.Logger
}

func NewWaiter(src ReceiptSource, cfg WaiterConfig, log *slog.Logger) (*Waiter, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil receipt source", ErrInvalidChainConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Waiter{src: src, cfg: cfg, log: log}, nil
}

// AwaitConfirmation blocks until txHash is mined successfully, reverts, the policy timeout elapses,
// or ctx is cancelled. Cancellation stops polling only.
func (w *Waiter) AwaitConfirmation(ctx context.Context, txHash common.Hash, p poll.Policy) (*types.Receipt, error) {
	var (
		out     *types.Receipt
		lastErr error
	)
	err := poll.Until(ctx, w.cfg.Clock, p, func(ctx context.Context) (bool, error) {
		r, err := w.src.Receipt(ctx, txHash)
		if err != nil {
			if !errors.Is(err, ErrReceiptPending) {
				lastErr = err
				w.log.Warn("receipt poll failed", "network", w.cfg.Network, "tx", txHash, "err", err)
			}
			return false, nil
		}
		if r.Status != types.ReceiptStatusSuccessful {
			return false, &RevertedError{Network: w.cfg.Network, TxHash: txHash, Receipt: r}
		}
		if w.cfg.Confirmations > 0 && r.BlockNumber != nil {
			head, err := w.src.BlockNumber(ctx)
			if err != nil {
				lastErr = err
				return false, nil
			}
			included := r.BlockNumber.Uint64()
			if head < included || head-included < w.cfg.Confirmations {
				return false, nil
			}
		}
		out = r
		return true, nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return nil, &ConfirmationTimeoutError{Network: w.cfg.Network, TxHash: txHash, Timeout: p.Timeout, LastErr: lastErr}
		}
		return nil, err
	}
	return out, nil
}
