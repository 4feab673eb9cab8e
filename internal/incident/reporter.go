package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/usdc-relay/cctp-orchestrator/internal/events"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

const ReportVersion = "transfers.incident.v1"

// Report is everything an operator needs to finish or reconcile a transfer by hand.
type Report struct {
	Version     string          `json:"version"`
	ReportedAt  time.Time       `json:"reportedAt"`
	Cause       string          `json:"cause"`
	Transfer    events.Progress `json:"transfer"`
	Message     string          `json:"message,omitempty"`
	Attestation string          `json:"attestation,omitempty"`
}

type Reporter struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

func NewReporter(store Store, now func() time.Time, log *slog.Logger) (*Reporter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Reporter{store: store, now: now, log: log}, nil
}

// Key is the object key of the report for one attempt.
func Key(id string, attempt int) string {
	return id + "/" + strconv.Itoa(attempt) + ".json"
}

func (r *Reporter) Report(ctx context.Context, st transfer.State, cause error) error {
	rep := Report{
		Version:    ReportVersion,
		ReportedAt: r.now().UTC(),
		Transfer:   events.ProgressFromState(st),
	}
	if cause != nil {
		rep.Cause = cause.Error()
	}
	if len(st.MessageBytes) > 0 {
		rep.Message = hexutil.Encode(st.MessageBytes)
	}
	if len(st.Attestation) > 0 {
		rep.Attestation = hexutil.Encode(st.Attestation)
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("incident: marshal: %w", err)
	}
	key := Key(st.ID, st.Attempt)
	if err := r.store.Put(ctx, key, b); err != nil {
		return err
	}
	r.log.Warn("incident recorded", "transferID", st.ID, "attempt", st.Attempt, "kind", st.ErrorKind, "key", key)
	return nil
}

func (r *Reporter) Load(ctx context.Context, id string, attempt int) (Report, error) {
	b, err := r.store.Get(ctx, Key(id, attempt))
	if err != nil {
		return Report{}, err
	}
	var rep Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return Report{}, fmt.Errorf("incident: decode %s: %w", Key(id, attempt), err)
	}
	return rep, nil
}
