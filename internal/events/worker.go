package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usdc-relay/cctp-orchestrator/internal/queue"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

// Executor runs transfers. *orchestrator.Orchestrator satisfies it.
type Executor interface {
	ExecuteTransfer(ctx context.Context, req transfer.Request) (transfer.Receipt, error)
	ExecuteDeposit(ctx context.Context, req transfer.Request) (transfer.Receipt, error)
}

type WorkerConfig struct {
	// Concurrency bounds the number of transfers in flight.
	Concurrency int
	// Decimals converts AmountDecimal fields.
	Decimals   int32
	AckTimeout time.Duration
}

// Worker consumes transfer requests and executes each one to a terminal stage before acking it.
// Failed transfers are acked too: their outcome lives in the store and the progress stream.
type Worker struct {
	consumer queue.Consumer
	exec     Executor
	cfg      WorkerConfig
	log      *slog.Logger
}

func NewWorker(c queue.Consumer, exec Executor, cfg WorkerConfig, log *slog.Logger) (*Worker, error) {
	if c == nil || exec == nil {
		return nil, fmt.Errorf("%w: nil consumer or executor", ErrInvalidConfig)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 6
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Worker{consumer: c, exec: exec, cfg: cfg, log: log}, nil
}

// Run returns when ctx is done or the consumer closes, after in-flight transfers finish.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	msgs := w.consumer.Messages()
	errs := w.consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Error("queue consume error", "err", err)
		case msg, ok := <-msgs:
			if !ok {
				return g.Wait()
			}
			flow, req, err := DecodeRequest(msg.Value, w.cfg.Decimals)
			if err != nil {
				w.log.Error("drop transfer request", "topic", msg.Topic, "err", err)
				w.ack(msg)
				continue
			}
			g.Go(func() error {
				w.handle(gctx, msg, flow, req)
				return nil
			})
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message, flow transfer.Flow, req transfer.Request) {
	defer w.ack(msg)

	var (
		rcpt transfer.Receipt
		err  error
	)
	switch flow {
	case transfer.FlowRouterDeposit:
		rcpt, err = w.exec.ExecuteDeposit(ctx, req)
	default:
		rcpt, err = w.exec.ExecuteTransfer(ctx, req)
	}
	if err != nil {
		if errors.Is(err, transfer.ErrAlreadyExists) || errors.Is(err, transfer.ErrInProgress) {
			w.log.Info("duplicate transfer request", "clientRef", req.ClientRef, "err", err)
			return
		}
		w.log.Error("transfer request failed", "clientRef", req.ClientRef, "kind", transfer.KindOf(err), "err", err)
		return
	}
	w.log.Info("transfer request completed",
		"transferID", rcpt.TransferID,
		"sourceTx", rcpt.SourceTxHash,
		"destinationTx", rcpt.DestinationTxHash,
	)
}

func (w *Worker) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		w.log.Error("ack transfer request", "err", err)
	}
}
