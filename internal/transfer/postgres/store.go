package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("transfer/postgres: invalid config")

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ transfer.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("transfer/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, st transfer.State) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if st.ID == "" || st.Attempt <= 0 {
		return fmt.Errorf("%w: missing id or attempt", transfer.ErrInvalidRequest)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfers (
			id, attempt, flow,
			amount, source_chain, destination_chain, recipient, source_token, client_ref,
			stage,
			approval_tx_hash, burn_tx_hash, message_bytes, message_hash, attestation, receive_tx_hash, route_tx_hash,
			failed_stage, error_kind, error,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		st.ID, st.Attempt, int16(st.Flow),
		st.Request.Amount, st.Request.SourceChain, st.Request.DestinationChain, st.Request.Recipient.Bytes(), st.Request.SourceToken.Bytes(), st.Request.ClientRef,
		int16(st.Stage),
		hashOrNil(st.ApprovalTxHash), hashOrNil(st.BurnTxHash), bytesOrNil(st.MessageBytes), hashOrNil(st.MessageHash), bytesOrNil(st.Attestation), hashOrNil(st.ReceiveTxHash), hashOrNil(st.RouteTxHash),
		failedStage(st), errorKind(st), errorText(st),
		st.CreatedAt.UTC(), st.UpdatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return transfer.ErrAlreadyExists
		}
		return fmt.Errorf("transfer/postgres: insert: %w", err)
	}
	return nil
}

// Update replaces the mutable columns of an attempt. The stored stage is locked and checked so a
// stale writer can never move a record backwards.
func (s *Store) Update(ctx context.Context, st transfer.State) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("transfer/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur int16
	err = tx.QueryRow(ctx, `SELECT stage FROM transfers WHERE id = $1 AND attempt = $2 FOR UPDATE`, st.ID, st.Attempt).Scan(&cur)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transfer.ErrNotFound
		}
		return fmt.Errorf("transfer/postgres: lock: %w", err)
	}
	if !transfer.CanFollow(transfer.Stage(cur), st.Stage) {
		return fmt.Errorf("%w: stored %s, update %s", transfer.ErrInvalidTransition, transfer.Stage(cur), st.Stage)
	}

	_, err = tx.Exec(ctx, `
		UPDATE transfers SET
			stage = $3,
			approval_tx_hash = $4,
			burn_tx_hash = $5,
			message_bytes = $6,
			message_hash = $7,
			attestation = $8,
			receive_tx_hash = $9,
			route_tx_hash = $10,
			failed_stage = $11,
			error_kind = $12,
			error = $13,
			updated_at = $14
		WHERE id = $1 AND attempt = $2
	`,
		st.ID, st.Attempt,
		int16(st.Stage),
		hashOrNil(st.ApprovalTxHash), hashOrNil(st.BurnTxHash), bytesOrNil(st.MessageBytes), hashOrNil(st.MessageHash), bytesOrNil(st.Attestation), hashOrNil(st.ReceiveTxHash), hashOrNil(st.RouteTxHash),
		failedStage(st), errorKind(st), errorText(st),
		st.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("transfer/postgres: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transfer/postgres: commit: %w", err)
	}
	return nil
}

const selectColumns = `
	id, attempt, flow,
	amount, source_chain, destination_chain, recipient, source_token, client_ref,
	stage,
	approval_tx_hash, burn_tx_hash, message_bytes, message_hash, attestation, receive_tx_hash, route_tx_hash,
	failed_stage, error_kind, error,
	created_at, updated_at
`

func (s *Store) Get(ctx context.Context, id string) (transfer.State, error) {
	if s == nil || s.pool == nil {
		return transfer.State{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transfers WHERE id = $1 ORDER BY attempt DESC LIMIT 1`, id)
	return scanState(row)
}

func (s *Store) GetAttempt(ctx context.Context, id string, attempt int) (transfer.State, error) {
	if s == nil || s.pool == nil {
		return transfer.State{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transfers WHERE id = $1 AND attempt = $2`, id, attempt)
	return scanState(row)
}

func (s *Store) ListByStage(ctx context.Context, stage transfer.Stage, limit int) ([]transfer.State, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM transfers WHERE stage = $1 ORDER BY created_at, id, attempt LIMIT $2`, int16(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("transfer/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []transfer.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transfer/postgres: list rows: %w", err)
	}
	return out, nil
}

func scanState(row pgx.Row) (transfer.State, error) {
	var (
		st          transfer.State
		flow, stage int16
		recipient   []byte
		token       []byte

		approval, burn, msgHash, receive, route []byte
		msgBytes, attestation                   []byte

		failed, kind *int16
		errText      *string
	)
	err := row.Scan(
		&st.ID, &st.Attempt, &flow,
		&st.Request.Amount, &st.Request.SourceChain, &st.Request.DestinationChain, &recipient, &token, &st.Request.ClientRef,
		&stage,
		&approval, &burn, &msgBytes, &msgHash, &attestation, &receive, &route,
		&failed, &kind, &errText,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transfer.State{}, transfer.ErrNotFound
		}
		return transfer.State{}, fmt.Errorf("transfer/postgres: scan: %w", err)
	}

	st.Flow = transfer.Flow(flow)
	st.Stage = transfer.Stage(stage)
	st.Request.Recipient = common.BytesToAddress(recipient)
	st.Request.SourceToken = common.BytesToAddress(token)
	st.ApprovalTxHash = toHash(approval)
	st.BurnTxHash = toHash(burn)
	st.MessageBytes = msgBytes
	st.MessageHash = toHash(msgHash)
	st.Attestation = attestation
	st.ReceiveTxHash = toHash(receive)
	st.RouteTxHash = toHash(route)
	if failed != nil {
		st.FailedStage = transfer.Stage(*failed)
	}
	if kind != nil {
		st.ErrorKind = transfer.Kind(*kind)
	}
	if errText != nil {
		st.Error = *errText
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

func hashOrNil(h common.Hash) any {
	if (h == common.Hash{}) {
		return nil
	}
	return h.Bytes()
}

func bytesOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func toHash(b []byte) common.Hash {
	if len(b) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(b)
}

func failedStage(st transfer.State) any {
	if st.Stage != transfer.StageFailed {
		return nil
	}
	return int16(st.FailedStage)
}

func errorKind(st transfer.State) any {
	if st.ErrorKind == transfer.KindUnknown {
		return nil
	}
	return int16(st.ErrorKind)
}

func errorText(st transfer.State) any {
	if st.Error == "" {
		return nil
	}
	return st.Error
}
