package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/taskpay/escrowd/internal/settlement"
)

const defaultRefreshBuffer = 5 * time.Minute

// ConnManager owns the operator's authenticated connection to the settlement
// node. The cached connection is refreshed when it is within the refresh
// buffer of its expiry and is invalidated, never reused, after any
// authentication error. Per-user connections are not cached here; callers
// authenticate those fresh per operation.
type ConnManager struct {
	node          NodeClient
	signers       settlement.SignerProvider
	operatorID    string
	refreshBuffer time.Duration

	mu     sync.Mutex
	cached *settlement.Conn
}

// NewConnManager creates a connection manager for the operator party.
func NewConnManager(node NodeClient, signers settlement.SignerProvider, operatorID string) *ConnManager {
	return &ConnManager{
		node:          node,
		signers:       signers,
		operatorID:    operatorID,
		refreshBuffer: defaultRefreshBuffer,
	}
}

// Acquire returns a usable operator connection, re-authenticating when the
// cached one is missing or close to expiry. The authentication round-trip
// happens outside the lock; a racing Acquire may authenticate twice, and the
// later result wins the cache.
func (m *ConnManager) Acquire(ctx context.Context) (*settlement.Conn, error) {
	m.mu.Lock()
	cached := m.cached
	m.mu.Unlock()

	if cached != nil && time.Until(cached.ExpiresAt) > m.refreshBuffer {
		return cached, nil
	}

	signer, err := m.signers.SignerFor(m.operatorID)
	if err != nil {
		return nil, err
	}
	conn, err := m.node.Authenticate(ctx, m.operatorID, signer)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cached = conn
	m.mu.Unlock()
	return conn, nil
}

// Invalidate drops the cached connection. Called the moment any operation
// reports an authentication error against it.
func (m *ConnManager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}
