package eth

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for one signer on one network. The first reservation, and the
// first after Forget, reads the node's pending nonce; later ones count up locally. Callers hold
// the invoker's send lock across Reserve, sign and submit.
type NonceManager struct {
	backend PendingNoncer
	account common.Address

	mu     sync.Mutex
	next   uint64
	synced bool
}

func NewNonceManager(backend PendingNoncer, account common.Address) *NonceManager {
	return &NonceManager{backend: backend, account: account}
}

func (m *NonceManager) Reserve(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced {
		pending, err := m.backend.PendingNonceAt(ctx, m.account)
		if err != nil {
			return 0, fmt.Errorf("pending nonce for %s: %w", m.account, err)
		}
		m.next, m.synced = pending, true
	}
	n := m.next
	m.next++
	return n, nil
}

// Release hands n back when a transaction signed with it never left the process. Only the most
// recent reservation can be released.
func (m *NonceManager) Release(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.synced || m.next != n+1 {
		return false
	}
	m.next = n
	return true
}

// Forget drops the local counter after a submission whose outcome is unknown.
func (m *NonceManager) Forget() {
	m.mu.Lock()
	m.synced = false
	m.mu.Unlock()
}
