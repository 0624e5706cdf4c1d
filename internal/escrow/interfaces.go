package escrow

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/taskpay/escrowd/internal/domain"
	"github.com/taskpay/escrowd/internal/settlement"
)

// NodeClient is the subset of the settlement node API the orchestrator uses.
// Implementations: settlement.Client
type NodeClient interface {
	// Authenticate performs the signing handshake for one party.
	Authenticate(ctx context.Context, partyID string, signer settlement.Signer) (*settlement.Conn, error)

	// OpenSession opens a session; every participant must approve.
	OpenSession(ctx context.Context, participants []settlement.Participant, quorum int, allocations []settlement.Allocation, approvals []settlement.Approval) (string, error)

	// CloseSession closes a session with a final allocation.
	CloseSession(ctx context.Context, conn *settlement.Conn, sessionID string, allocations []settlement.Allocation) error

	// Balance reads a party's free ledger balance on the node.
	Balance(ctx context.Context, conn *settlement.Conn, partyID string) (decimal.Decimal, error)
}

// IntentJournal persists settlement intents so a crash mid-operation can be
// detected and replayed.
// Implementations: store.Store
type IntentJournal interface {
	CreateIntent(in *domain.SettlementIntent) error
	GetIntent(id string) (*domain.SettlementIntent, error)
	UpdateIntentStage(id string, stage domain.IntentStage, newSessionID string) error
	ListUnfinishedIntents() ([]*domain.SettlementIntent, error)
}
