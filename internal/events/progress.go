// Package events carries transfers over the queue: progress events out, transfer requests in.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/usdc-relay/cctp-orchestrator/internal/queue"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

const ProgressVersion = "transfers.progress.v1"

var ErrInvalidConfig = errors.New("events: invalid config")

// Progress is the wire form of one persisted stage change. Hashes are omitted until known.
type Progress struct {
	Version          string `json:"version"`
	TransferID       string `json:"transferId"`
	Attempt          int    `json:"attempt"`
	Flow             string `json:"flow"`
	Stage            string `json:"stage"`
	SourceChain      string `json:"sourceChain"`
	DestinationChain string `json:"destinationChain"`
	Amount           string `json:"amount"`
	Recipient        string `json:"recipient"`
	ClientRef        string `json:"clientRef,omitempty"`

	ApprovalTx  string `json:"approvalTx,omitempty"`
	BurnTx      string `json:"burnTx,omitempty"`
	MessageHash string `json:"messageHash,omitempty"`
	ReceiveTx   string `json:"receiveTx,omitempty"`
	RouteTx     string `json:"routeTx,omitempty"`

	FailedStage string `json:"failedStage,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
	Error       string `json:"error,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

func ProgressFromState(st transfer.State) Progress {
	p := Progress{
		Version:          ProgressVersion,
		TransferID:       st.ID,
		Attempt:          st.Attempt,
		Flow:             st.Flow.String(),
		Stage:            st.Stage.String(),
		SourceChain:      st.Request.SourceChain,
		DestinationChain: st.Request.DestinationChain,
		Amount:           st.Request.Amount,
		Recipient:        st.Request.Recipient.Hex(),
		ClientRef:        st.Request.ClientRef,
		ApprovalTx:       hexOrEmpty(st.ApprovalTxHash),
		BurnTx:           hexOrEmpty(st.BurnTxHash),
		MessageHash:      hexOrEmpty(st.MessageHash),
		ReceiveTx:        hexOrEmpty(st.ReceiveTxHash),
		RouteTx:          hexOrEmpty(st.RouteTxHash),
		UpdatedAt:        st.UpdatedAt.UTC(),
	}
	if st.Stage == transfer.StageFailed {
		p.FailedStage = st.FailedStage.String()
		p.ErrorKind = st.ErrorKind.String()
		p.Error = st.Error
	}
	return p
}

func hexOrEmpty(h common.Hash) string {
	if (h == common.Hash{}) {
		return ""
	}
	return h.Hex()
}

// Publisher sends a Progress event for every stage change. Publish failures are logged and
// never block a transfer.
type Publisher struct {
	producer queue.Producer
	topic    string
	timeout  time.Duration
	log      *slog.Logger
}

func NewPublisher(p queue.Producer, topic string, timeout time.Duration, log *slog.Logger) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Publisher{producer: p, topic: topic, timeout: timeout, log: log}, nil
}

func (p *Publisher) StageChanged(ctx context.Context, st transfer.State) {
	b, err := json.Marshal(ProgressFromState(st))
	if err != nil {
		p.log.Error("marshal progress", "transferID", st.ID, "err", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.producer.Publish(pctx, queue.Record{Topic: p.topic, Key: []byte(st.ID), Value: b}); err != nil {
		p.log.Warn("publish progress", "transferID", st.ID, "stage", st.Stage, "err", err)
	}
}
