package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/domain"
	"github.com/taskpay/escrowd/internal/settlement"
)

var ErrMockNode = errors.New("mock node error")

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func staleErr() error {
	return &domain.EscrowNetworkError{Op: "close_session", Stale: true, Err: errors.New("token rejected")}
}

func goneErr() error {
	return &domain.EscrowNetworkError{Op: "close_session", NotFound: true, Err: errors.New("unknown session")}
}

// MockNode implements NodeClient.
type MockNode struct {
	mu sync.Mutex

	AuthCalls  int
	OpenCalls  int
	CloseCalls int

	AuthErr error
	OpenErr error
	// CloseErrs is consumed one per CloseSession call; nil entries succeed.
	// When exhausted, closes succeed.
	CloseErrs []error

	ConnTTL    time.Duration
	BalanceVal decimal.Decimal
	BalanceErr error

	ClosedSessions []string
	CloseAllocs    [][]settlement.Allocation
	OpenedSessions int
}

func NewMockNode() *MockNode {
	return &MockNode{ConnTTL: time.Hour}
}

func (m *MockNode) Authenticate(ctx context.Context, partyID string, signer settlement.Signer) (*settlement.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthCalls++
	if m.AuthErr != nil {
		return nil, m.AuthErr
	}
	return &settlement.Conn{
		PartyID:   partyID,
		Token:     fmt.Sprintf("token-%s-%d", partyID, m.AuthCalls),
		ExpiresAt: time.Now().Add(m.ConnTTL),
	}, nil
}

func (m *MockNode) OpenSession(ctx context.Context, participants []settlement.Participant, quorum int, allocations []settlement.Allocation, approvals []settlement.Approval) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	if len(approvals) != len(participants) {
		return "", fmt.Errorf("expected %d approvals, got %d", len(participants), len(approvals))
	}
	m.OpenedSessions++
	return fmt.Sprintf("session-%d", m.OpenedSessions), nil
}

func (m *MockNode) CloseSession(ctx context.Context, conn *settlement.Conn, sessionID string, allocations []settlement.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	if len(m.CloseErrs) > 0 {
		err := m.CloseErrs[0]
		m.CloseErrs = m.CloseErrs[1:]
		if err != nil {
			return err
		}
	}
	m.ClosedSessions = append(m.ClosedSessions, sessionID)
	m.CloseAllocs = append(m.CloseAllocs, allocations)
	return nil
}

func (m *MockNode) Balance(ctx context.Context, conn *settlement.Conn, partyID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return decimal.Zero, m.BalanceErr
	}
	return m.BalanceVal, nil
}

// payoutOf returns the allocation of one party in the nth recorded close.
func (m *MockNode) payoutOf(closeIdx int, partyID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.CloseAllocs[closeIdx] {
		if a.PartyID == partyID {
			return a.Amount
		}
	}
	return decimal.Zero
}

// MockSigners implements settlement.SignerProvider; every known party signs
// with a no-op signature.
type MockSigners struct {
	Missing map[string]bool
}

func (m *MockSigners) SignerFor(partyID string) (settlement.Signer, error) {
	if m.Missing[partyID] {
		return nil, fmt.Errorf("no key material for %s", partyID)
	}
	return settlement.SignerFunc(func(ctx context.Context, message []byte) ([]byte, error) {
		return []byte("sig:" + partyID), nil
	}), nil
}

// MockJournal implements IntentJournal in memory.
type MockJournal struct {
	mu      sync.Mutex
	Intents map[string]*domain.SettlementIntent

	CreateErr error
	// StageLog records every stage change in order.
	StageLog []domain.IntentStage
}

func NewMockJournal() *MockJournal {
	return &MockJournal{Intents: make(map[string]*domain.SettlementIntent)}
}

func (m *MockJournal) CreateIntent(in *domain.SettlementIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	cp := *in
	m.Intents[in.ID] = &cp
	return nil
}

func (m *MockJournal) GetIntent(id string) (*domain.SettlementIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MockJournal) UpdateIntentStage(id string, stage domain.IntentStage, newSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Intents[id]
	if !ok {
		return domain.ErrIntentNotFound
	}
	in.Stage = stage
	if newSessionID != "" {
		in.NewSessionID = newSessionID
	}
	in.UpdatedAt = time.Now().UTC()
	m.StageLog = append(m.StageLog, stage)
	return nil
}

func (m *MockJournal) ListUnfinishedIntents() ([]*domain.SettlementIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SettlementIntent
	for _, in := range m.Intents {
		if in.Stage != domain.IntentStageDone && in.Stage != domain.IntentStageAborted {
			cp := *in
			out = append(out, &cp)
		}
	}
	return out, nil
}

// only returns the single recorded intent; fails the test on any other count.
func (m *MockJournal) only() *domain.SettlementIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Intents) != 1 {
		return nil
	}
	for _, in := range m.Intents {
		cp := *in
		return &cp
	}
	return nil
}
