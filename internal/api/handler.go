// Package api serves the orchestrator over HTTP and provides a typed client for it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/usdc-relay/cctp-orchestrator/internal/events"
	"github.com/usdc-relay/cctp-orchestrator/internal/incident"
	"github.com/usdc-relay/cctp-orchestrator/internal/orchestrator"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

// Service is the orchestration surface the handler exposes. *orchestrator.Orchestrator satisfies it.
type Service interface {
	ExecuteTransfer(ctx context.Context, req transfer.Request) (transfer.Receipt, error)
	ExecuteDeposit(ctx context.Context, req transfer.Request) (transfer.Receipt, error)
	Resume(ctx context.Context, rr orchestrator.ResumeRequest) (transfer.Receipt, error)
	Get(ctx context.Context, id string) (transfer.State, error)
	List(ctx context.Context, stage transfer.Stage, limit int) ([]transfer.State, error)
	Stranded(ctx context.Context, limit int) ([]transfer.State, error)
}

type IncidentLoader interface {
	Load(ctx context.Context, id string, attempt int) (incident.Report, error)
}

type Config struct {
	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string

	// MaxBodyBytes defaults to 64 KiB.
	MaxBodyBytes int64

	// MaxWait bounds one synchronous orchestration. Defaults to 30m, which covers a slow
	// attestation. A transfer cut off by it fails recoverable and can be resumed.
	MaxWait time.Duration

	// Decimals converts amount_decimal fields. Defaults to 6.
	Decimals int32

	// Incidents enables GET /v1/incidents/{id}/{attempt} when set.
	Incidents IncidentLoader

	Log *slog.Logger
}

func NewHandler(svc Service, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Minute
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 6
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	h := &handler{svc: svc, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("POST /v1/transfers", h.auth(h.execute(svc.ExecuteTransfer)))
	mux.HandleFunc("POST /v1/deposits", h.auth(h.execute(svc.ExecuteDeposit)))
	mux.HandleFunc("POST /v1/transfers/resume", h.auth(h.resume))
	mux.HandleFunc("GET /v1/transfers", h.auth(h.list))
	mux.HandleFunc("GET /v1/transfers/stranded", h.auth(h.stranded))
	mux.HandleFunc("GET /v1/transfers/{id}", h.auth(h.get))
	if cfg.Incidents != nil {
		mux.HandleFunc("GET /v1/incidents/{id}/{attempt}", h.auth(h.incident))
	}
	return mux
}

type handler struct {
	svc Service
	cfg Config
}

func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *handler) execute(run func(context.Context, transfer.Request) (transfer.Receipt, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in TransferRequest
		if !h.decode(w, r, &in) {
			return
		}
		req, detail := toRequest(in, h.cfg.Decimals)
		if detail != "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: detail})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.MaxWait)
		defer cancel()
		receipt, err := run(ctx, req)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, receiptOf(receipt))
	}
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	var in ResumeRequest
	if !h.decode(w, r, &in) {
		return
	}
	rr := orchestrator.ResumeRequest{
		TransferID:       strings.TrimSpace(in.TransferID),
		SourceChain:      strings.TrimSpace(in.SourceChain),
		DestinationChain: strings.TrimSpace(in.DestinationChain),
		ResubmitReceive:  in.ResubmitReceive,
	}
	for _, f := range []struct {
		name string
		in   string
		out  *common.Hash
	}{
		{"burn_tx", in.BurnTx, &rr.BurnTxHash},
		{"message_hash", in.MessageHash, &rr.MessageHash},
	} {
		if f.in == "" {
			continue
		}
		v, ok := parseHash(f.in)
		if !ok {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: f.name + " is not a 32-byte hash"})
			return
		}
		*f.out = v
	}
	if rr.TransferID == "" && (rr.BurnTxHash == common.Hash{}) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: "transfer_id or burn_tx is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.MaxWait)
	defer cancel()
	receipt, err := h.svc.Resume(ctx, rr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptOf(receipt))
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

// list serves GET /v1/transfers?stage=<stage>&limit=<n>.
func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	stage, err := transfer.ParseStage(r.URL.Query().Get("stage"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: "stage is required and must name a stage"})
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: "limit must be between 1 and 1000"})
		return
	}
	states, err := h.svc.List(r.Context(), stage, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(states))
}

func (h *handler) stranded(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: "limit must be between 1 and 1000"})
		return
	}
	states, err := h.svc.Stranded(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(states))
}

func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 100, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return 0, false
	}
	return n, true
}

func listOf(states []transfer.State) TransferList {
	out := TransferList{Transfers: make([]TransferView, 0, len(states))}
	for _, st := range states {
		out.Transfers = append(out.Transfers, viewOf(st))
	}
	return out
}

func (h *handler) incident(w http.ResponseWriter, r *http.Request) {
	attempt, err := strconv.Atoi(r.PathValue("attempt"))
	if err != nil || attempt <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: "attempt must be a positive integer"})
		return
	}
	rep, err := h.cfg.Incidents.Load(r.Context(), r.PathValue("id"), attempt)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found"})
			return
		}
		h.cfg.Log.Error("load incident", "transferID", r.PathValue("id"), "attempt", attempt, "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil || dec.More() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json"})
		return false
	}
	return true
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		h.cfg.Log.Error("request failed", "err", err)
	}
	writeJSON(w, status, body)
}

// classify maps an orchestration error to a status. Failures that happened after the request
// was accepted carry the attempt's state so the caller can resume or escalate.
func classify(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, transfer.ErrAlreadyExists):
		return http.StatusConflict, withState(ErrorResponse{Error: "already_exists", Detail: err.Error()}, err)
	case errors.Is(err, transfer.ErrInProgress):
		return http.StatusConflict, withState(ErrorResponse{Error: "in_progress", Detail: err.Error()}, err)
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found"}
	case errors.Is(err, transfer.ErrUnsupportedRoute):
		return http.StatusBadRequest, ErrorResponse{Error: "unsupported_route", Detail: err.Error()}
	case errors.Is(err, transfer.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Detail: err.Error()}
	}

	var te *transfer.Error
	if !errors.As(err, &te) {
		return http.StatusInternalServerError, ErrorResponse{Error: "internal"}
	}
	body := withState(ErrorResponse{Error: "transfer_failed", Detail: err.Error()}, err)
	switch te.Kind {
	case transfer.KindRejected:
		return http.StatusUnprocessableEntity, body
	case transfer.KindRecoverable:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, body
		}
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusBadGateway, body
	}
}

func withState(body ErrorResponse, err error) ErrorResponse {
	var te *transfer.Error
	if !errors.As(err, &te) {
		return body
	}
	if te.Kind != transfer.KindUnknown {
		body.Kind = te.Kind.String()
	}
	if te.State.ID != "" {
		body.Stage = te.Stage.String()
		v := viewOf(te.State)
		body.Transfer = &v
	}
	return body
}

func toRequest(in TransferRequest, decimals int32) (transfer.Request, string) {
	amt, err := events.ResolveAmount(in.Amount, in.AmountDecimal, decimals)
	if err != nil {
		return transfer.Request{}, err.Error()
	}
	if !common.IsHexAddress(strings.TrimSpace(in.Recipient)) {
		return transfer.Request{}, "recipient is not an address"
	}
	req := transfer.Request{
		Amount:           amt,
		SourceChain:      strings.TrimSpace(in.SourceChain),
		DestinationChain: strings.TrimSpace(in.DestinationChain),
		Recipient:        common.HexToAddress(strings.TrimSpace(in.Recipient)),
		ClientRef:        strings.TrimSpace(in.ClientRef),
	}
	if tok := strings.TrimSpace(in.SourceToken); tok != "" {
		if !common.IsHexAddress(tok) {
			return transfer.Request{}, "source_token is not an address"
		}
		req.SourceToken = common.HexToAddress(tok)
	}
	return req, ""
}

func parseHash(s string) (common.Hash, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)) == wantToken
}
