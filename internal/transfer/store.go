package transfer

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("transfer: not found")
	ErrAlreadyExists = errors.New("transfer: already exists")
)

// Store persists transfer attempts keyed by (ID, Attempt). Updates never move a record backwards.
type Store interface {
	Create(ctx context.Context, s State) error
	Update(ctx context.Context, s State) error
	// Get returns the latest attempt of id.
	Get(ctx context.Context, id string) (State, error)
	GetAttempt(ctx context.Context, id string, attempt int) (State, error)
	ListByStage(ctx context.Context, stage Stage, limit int) ([]State, error)
}
