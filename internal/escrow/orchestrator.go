// Package escrow builds and submits escrow-session lifecycle operations
// against the settlement network: opening the two-party session when a task
// is funded, rebuilding it as a three-party session when a worker is
// accepted, and closing it exactly once to the winning party.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/domain"
	"github.com/taskpay/escrowd/internal/settlement"
)

// Session shape constants. Opening always needs every participant's
// signature; the operator's weight alone meets the close quorum so it can
// settle unilaterally once the outcome is decided.
const (
	sessionQuorum    = 100
	twoPartyWeight   = 100
	threePartyWeight = 50
	operatorWeight   = 100
)

// Orchestrator drives escrow-session lifecycle operations. Every money-moving
// call writes a settlement intent before touching the network so that a crash
// can be detected and replayed instead of guessed at.
type Orchestrator struct {
	log        *logrus.Logger
	node       NodeClient
	signers    settlement.SignerProvider
	conns      *ConnManager
	journal    IntentJournal
	operatorID string
}

// New creates an orchestrator. The connection manager is owned here; callers
// never touch the operator connection directly.
func New(node NodeClient, signers settlement.SignerProvider, journal IntentJournal, operatorID string, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		log:        log,
		node:       node,
		signers:    signers,
		conns:      NewConnManager(node, signers, operatorID),
		journal:    journal,
		operatorID: operatorID,
	}
}

// OperatorID returns the operator party this orchestrator signs for.
func (o *Orchestrator) OperatorID() string {
	return o.operatorID
}

// OpenInitialSession opens the two-party {payer, operator} session holding
// amount, fully allocated to the payer. Both parties co-sign the open. On
// failure no session exists and the task stays unfunded.
func (o *Orchestrator) OpenInitialSession(ctx context.Context, taskID, payerID string, amount decimal.Decimal) (string, error) {
	const op = "escrow.Orchestrator.OpenInitialSession"
	log := o.log.WithField("operation", op).WithField("task_id", taskID)

	intent := o.newIntent(taskID, domain.IntentOpen, payerID, "", "", amount)
	if err := o.journal.CreateIntent(intent); err != nil {
		return "", fmt.Errorf("%s: journal intent: %w", op, err)
	}

	payerConn, err := o.connectParty(ctx, payerID)
	if err != nil {
		return "", err
	}
	operatorConn, err := o.conns.Acquire(ctx)
	if err != nil {
		return "", err
	}

	participants := []settlement.Participant{
		{PartyID: payerID, Weight: twoPartyWeight},
		{PartyID: o.operatorID, Weight: operatorWeight},
	}
	allocations := []settlement.Allocation{
		{PartyID: payerID, Amount: amount},
		{PartyID: o.operatorID, Amount: decimal.Zero},
	}
	approvals := []settlement.Approval{
		{PartyID: payerID, Token: payerConn.Token},
		{PartyID: o.operatorID, Token: operatorConn.Token},
	}

	sessionID, err := o.node.OpenSession(ctx, participants, sessionQuorum, allocations, approvals)
	if err != nil {
		log.WithError(err).Error("failed to open initial session")
		return "", err
	}

	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageDone, sessionID); err != nil {
		log.WithError(err).Warn("session opened but intent not marked done; resume will re-verify")
	}

	log.WithField("session_id", sessionID).Info("opened initial escrow session")
	return sessionID, nil
}

// TransitionToThreeParty closes the two-party session back to the payer and
// opens a three-party {payer, worker, operator} session with the same amount.
// These are two independent network operations; the intent record written
// up front makes the gap between them recoverable.
func (o *Orchestrator) TransitionToThreeParty(ctx context.Context, taskID, oldSessionID, payerID, workerID string, amount decimal.Decimal) (string, error) {
	const op = "escrow.Orchestrator.TransitionToThreeParty"
	log := o.log.WithField("operation", op).WithField("task_id", taskID)

	intent := o.newIntent(taskID, domain.IntentTransition, payerID, "", workerID, amount)
	intent.OldSessionID = oldSessionID
	if err := o.journal.CreateIntent(intent); err != nil {
		return "", fmt.Errorf("%s: journal intent: %w", op, err)
	}

	// Step 1: close the old session, parking the full amount in the payer's
	// node ledger.
	closeAllocs := []settlement.Allocation{
		{PartyID: payerID, Amount: amount},
		{PartyID: o.operatorID, Amount: decimal.Zero},
	}
	if err := o.closeWithRetry(ctx, oldSessionID, closeAllocs); err != nil {
		log.WithError(err).Error("failed to close two-party session")
		return "", err
	}
	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageClosed, ""); err != nil {
		log.WithError(err).Warn("old session closed but intent stage not recorded")
	}

	// Step 2: open the replacement three-party session.
	sessionID, err := o.openThreeParty(ctx, payerID, workerID, amount)
	if err != nil {
		log.WithError(err).Error("old session closed but three-party open failed; funds parked in payer ledger")
		return "", err
	}

	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageDone, sessionID); err != nil {
		log.WithError(err).Warn("session transition finished but intent not marked done")
	}

	log.WithFields(logrus.Fields{"old_session_id": oldSessionID, "session_id": sessionID}).
		Info("escrow session transitioned to three parties")
	return sessionID, nil
}

// PayoutToNewParty pays the escrowed amount to a party that is not in the
// current two-party session: close the old session back to the payer, open a
// three-party session including the payee, then close it to the payee. All
// three network steps replay against one intent record.
func (o *Orchestrator) PayoutToNewParty(ctx context.Context, taskID, oldSessionID, payerID, payeeID string, amount decimal.Decimal) (string, error) {
	const op = "escrow.Orchestrator.PayoutToNewParty"
	log := o.log.WithField("operation", op).WithField("task_id", taskID)

	intent := o.newIntent(taskID, domain.IntentPayout, payerID, payeeID, payeeID, amount)
	intent.OldSessionID = oldSessionID
	if err := o.journal.CreateIntent(intent); err != nil {
		return "", fmt.Errorf("%s: journal intent: %w", op, err)
	}

	closeAllocs := []settlement.Allocation{
		{PartyID: payerID, Amount: amount},
		{PartyID: o.operatorID, Amount: decimal.Zero},
	}
	if err := o.closeWithRetry(ctx, oldSessionID, closeAllocs); err != nil {
		log.WithError(err).Error("failed to close two-party session for payout")
		return "", err
	}
	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageClosed, ""); err != nil {
		log.WithError(err).Warn("old session closed but intent stage not recorded")
	}

	sessionID, err := o.openThreeParty(ctx, payerID, payeeID, amount)
	if err != nil {
		log.WithError(err).Error("payout three-party open failed; funds parked in payer ledger")
		return "", err
	}
	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageOpened, sessionID); err != nil {
		log.WithError(err).Warn("payout session opened but intent stage not recorded")
	}

	payout := []settlement.Allocation{
		{PartyID: payerID, Amount: decimal.Zero},
		{PartyID: payeeID, Amount: amount},
		{PartyID: o.operatorID, Amount: decimal.Zero},
	}
	if err := o.closeWithRetry(ctx, sessionID, payout); err != nil {
		log.WithError(err).Error("final payout close failed; session remains open")
		return "", err
	}

	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageDone, sessionID); err != nil {
		log.WithError(err).Warn("payout finished but intent not marked done")
	}

	log.WithFields(logrus.Fields{"session_id": sessionID, "payee_id": payeeID}).
		Info("escrow paid out to new party")
	return sessionID, nil
}

// CloseSession settles a session to exactly one participant. The operator
// signs alone; its weight meets the quorum. A stale operator connection is
// invalidated and the close retried exactly once.
func (o *Orchestrator) CloseSession(ctx context.Context, taskID, sessionID string, participants []string, payeeID string, amount decimal.Decimal) error {
	return o.closeToParty(ctx, domain.IntentClose, taskID, sessionID, participants, payeeID, amount)
}

// CancelInitialSession closes a two-party session back to the payer. Used
// only before a worker has joined.
func (o *Orchestrator) CancelInitialSession(ctx context.Context, taskID, sessionID, payerID string, amount decimal.Decimal) error {
	return o.closeToParty(ctx, domain.IntentCancel, taskID, sessionID, []string{payerID, o.operatorID}, payerID, amount)
}

func (o *Orchestrator) closeToParty(ctx context.Context, kind domain.IntentKind, taskID, sessionID string, participants []string, payeeID string, amount decimal.Decimal) error {
	const op = "escrow.Orchestrator.closeToParty"
	log := o.log.WithField("operation", op).
		WithFields(logrus.Fields{"task_id": taskID, "session_id": sessionID, "payee_id": payeeID})

	found := false
	for _, p := range participants {
		if p == payeeID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%s: payee %s is not a session participant", op, payeeID)
	}

	intent := o.newIntent(taskID, kind, participants[0], payeeID, "", amount)
	intent.OldSessionID = sessionID
	if err := o.journal.CreateIntent(intent); err != nil {
		return fmt.Errorf("%s: journal intent: %w", op, err)
	}

	allocations := make([]settlement.Allocation, 0, len(participants))
	for _, p := range participants {
		a := settlement.Allocation{PartyID: p, Amount: decimal.Zero}
		if p == payeeID {
			a.Amount = amount
		}
		allocations = append(allocations, a)
	}

	if err := o.closeWithRetry(ctx, sessionID, allocations); err != nil {
		log.WithError(err).Error("failed to close session")
		return err
	}

	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageDone, ""); err != nil {
		log.WithError(err).Warn("session closed but intent not marked done; resume will re-verify")
	}

	log.Info("escrow session closed")
	return nil
}

// closeWithRetry performs the operator-signed close, retrying exactly once
// after invalidating a stale connection. Only transport staleness is retried;
// a second failure or any other error surfaces to the caller.
func (o *Orchestrator) closeWithRetry(ctx context.Context, sessionID string, allocations []settlement.Allocation) error {
	conn, err := o.conns.Acquire(ctx)
	if err != nil {
		return err
	}

	err = o.node.CloseSession(ctx, conn, sessionID, allocations)
	if err == nil || !domain.IsStale(err) {
		return err
	}

	o.conns.Invalidate()
	conn, aerr := o.conns.Acquire(ctx)
	if aerr != nil {
		return aerr
	}
	return o.node.CloseSession(ctx, conn, sessionID, allocations)
}

func (o *Orchestrator) openThreeParty(ctx context.Context, payerID, workerID string, amount decimal.Decimal) (string, error) {
	payerConn, err := o.connectParty(ctx, payerID)
	if err != nil {
		return "", err
	}
	workerConn, err := o.connectParty(ctx, workerID)
	if err != nil {
		return "", err
	}
	operatorConn, err := o.conns.Acquire(ctx)
	if err != nil {
		return "", err
	}

	participants := []settlement.Participant{
		{PartyID: payerID, Weight: threePartyWeight},
		{PartyID: workerID, Weight: threePartyWeight},
		{PartyID: o.operatorID, Weight: operatorWeight},
	}
	allocations := []settlement.Allocation{
		{PartyID: payerID, Amount: amount},
		{PartyID: workerID, Amount: decimal.Zero},
		{PartyID: o.operatorID, Amount: decimal.Zero},
	}
	approvals := []settlement.Approval{
		{PartyID: payerID, Token: payerConn.Token},
		{PartyID: workerID, Token: workerConn.Token},
		{PartyID: o.operatorID, Token: operatorConn.Token},
	}

	return o.node.OpenSession(ctx, participants, sessionQuorum, allocations, approvals)
}

// connectParty opens a fresh authenticated connection for a non-operator
// party. These are never cached.
func (o *Orchestrator) connectParty(ctx context.Context, partyID string) (*settlement.Conn, error) {
	signer, err := o.signers.SignerFor(partyID)
	if err != nil {
		return nil, domain.NewEscrowNetworkError("connect", fmt.Errorf("no signer for party %s: %w", partyID, err))
	}
	return o.node.Authenticate(ctx, partyID, signer)
}

// ResumeTransition finishes an interrupted close-then-reopen. A pending
// intent may or may not have closed the old session; the payer's node ledger
// balance tells them apart. A closed intent only needs the open step.
func (o *Orchestrator) ResumeTransition(ctx context.Context, intent *domain.SettlementIntent) (string, error) {
	const op = "escrow.Orchestrator.ResumeTransition"
	log := o.log.WithField("operation", op).WithField("intent_id", intent.ID)

	if intent.Kind != domain.IntentTransition {
		return "", fmt.Errorf("%s: intent %s has kind %s", op, intent.ID, intent.Kind)
	}

	switch intent.Stage {
	case domain.IntentStageDone:
		return intent.NewSessionID, nil

	case domain.IntentStagePending:
		closed, err := o.oldSessionAlreadyClosed(ctx, intent)
		if err != nil {
			return "", err
		}
		if !closed {
			closeAllocs := []settlement.Allocation{
				{PartyID: intent.PayerID, Amount: intent.Amount},
				{PartyID: o.operatorID, Amount: decimal.Zero},
			}
			if err := o.closeWithRetry(ctx, intent.OldSessionID, closeAllocs); err != nil && !domain.IsSessionGone(err) {
				return "", err
			}
		}
		if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageClosed, ""); err != nil {
			log.WithError(err).Warn("resumed close not recorded")
		}
		fallthrough

	case domain.IntentStageClosed:
		sessionID, err := o.openThreeParty(ctx, intent.PayerID, intent.WorkerID, intent.Amount)
		if err != nil {
			return "", err
		}
		if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageDone, sessionID); err != nil {
			log.WithError(err).Warn("resumed transition finished but intent not marked done")
		}
		log.WithField("session_id", sessionID).Info("resumed interrupted session transition")
		return sessionID, nil

	default:
		return "", fmt.Errorf("%s: intent %s has unknown stage %s", op, intent.ID, intent.Stage)
	}
}

// ResumePayout finishes an interrupted payout-to-new-party. Each stage is
// picked up where the crash left it; a session the node no longer knows at
// the final close counts as already settled.
func (o *Orchestrator) ResumePayout(ctx context.Context, intent *domain.SettlementIntent) (string, error) {
	const op = "escrow.Orchestrator.ResumePayout"
	log := o.log.WithField("operation", op).WithField("intent_id", intent.ID)

	if intent.Kind != domain.IntentPayout {
		return "", fmt.Errorf("%s: intent %s has kind %s", op, intent.ID, intent.Kind)
	}

	sessionID := intent.NewSessionID
	switch intent.Stage {
	case domain.IntentStageDone:
		return sessionID, nil

	case domain.IntentStagePending:
		closed, err := o.oldSessionAlreadyClosed(ctx, intent)
		if err != nil {
			return "", err
		}
		if !closed {
			closeAllocs := []settlement.Allocation{
				{PartyID: intent.PayerID, Amount: intent.Amount},
				{PartyID: o.operatorID, Amount: decimal.Zero},
			}
			if err := o.closeWithRetry(ctx, intent.OldSessionID, closeAllocs); err != nil && !domain.IsSessionGone(err) {
				return "", err
			}
		}
		if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageClosed, ""); err != nil {
			log.WithError(err).Warn("resumed close not recorded")
		}
		fallthrough

	case domain.IntentStageClosed:
		var err error
		sessionID, err = o.openThreeParty(ctx, intent.PayerID, intent.PayeeID, intent.Amount)
		if err != nil {
			return "", err
		}
		if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageOpened, sessionID); err != nil {
			log.WithError(err).Warn("resumed open not recorded")
		}
		fallthrough

	case domain.IntentStageOpened:
		payout := []settlement.Allocation{
			{PartyID: intent.PayerID, Amount: decimal.Zero},
			{PartyID: intent.PayeeID, Amount: intent.Amount},
			{PartyID: o.operatorID, Amount: decimal.Zero},
		}
		if err := o.closeWithRetry(ctx, sessionID, payout); err != nil && !domain.IsSessionGone(err) {
			return "", err
		}
		if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageDone, sessionID); err != nil {
			log.WithError(err).Warn("resumed payout finished but intent not marked done")
		}
		log.WithField("session_id", sessionID).Info("resumed interrupted payout")
		return sessionID, nil

	default:
		return "", fmt.Errorf("%s: intent %s has unknown stage %s", op, intent.ID, intent.Stage)
	}
}

// ResumeClose replays an interrupted close or cancel intent. A session the
// node no longer knows counts as already closed.
func (o *Orchestrator) ResumeClose(ctx context.Context, intent *domain.SettlementIntent, participants []string) error {
	const op = "escrow.Orchestrator.ResumeClose"
	log := o.log.WithField("operation", op).WithField("intent_id", intent.ID)

	if intent.Kind != domain.IntentClose && intent.Kind != domain.IntentCancel {
		return fmt.Errorf("%s: intent %s has kind %s", op, intent.ID, intent.Kind)
	}
	if intent.Stage == domain.IntentStageDone {
		return nil
	}

	allocations := make([]settlement.Allocation, 0, len(participants))
	for _, p := range participants {
		a := settlement.Allocation{PartyID: p, Amount: decimal.Zero}
		if p == intent.PayeeID {
			a.Amount = intent.Amount
		}
		allocations = append(allocations, a)
	}

	if err := o.closeWithRetry(ctx, intent.OldSessionID, allocations); err != nil && !domain.IsSessionGone(err) {
		return err
	}

	if err := o.journal.UpdateIntentStage(intent.ID, domain.IntentStageDone, ""); err != nil {
		log.WithError(err).Warn("resumed close finished but intent not marked done")
	}
	log.Info("resumed interrupted session close")
	return nil
}

// AbandonIntent retires an intent without replaying it. Used when the owning
// task already left the status the replay would act on, so moving money now
// would escrow funds into a session no task record points at.
func (o *Orchestrator) AbandonIntent(ctx context.Context, intent *domain.SettlementIntent) error {
	const op = "escrow.Orchestrator.AbandonIntent"
	o.log.WithField("operation", op).
		WithFields(logrus.Fields{"intent_id": intent.ID, "task_id": intent.TaskID, "kind": intent.Kind}).
		Warn("retiring settlement intent without replay")
	return o.journal.UpdateIntentStage(intent.ID, domain.IntentStageAborted, "")
}

// oldSessionAlreadyClosed checks whether the close step of a pending
// transition already happened: no crash-safe marker exists, but a completed
// close leaves the full amount parked in the payer's free ledger balance.
func (o *Orchestrator) oldSessionAlreadyClosed(ctx context.Context, intent *domain.SettlementIntent) (bool, error) {
	conn, err := o.conns.Acquire(ctx)
	if err != nil {
		return false, err
	}
	balance, err := o.node.Balance(ctx, conn, intent.PayerID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(intent.Amount), nil
}

func (o *Orchestrator) newIntent(taskID string, kind domain.IntentKind, payerID, payeeID, workerID string, amount decimal.Decimal) *domain.SettlementIntent {
	now := time.Now().UTC()
	return &domain.SettlementIntent{
		ID:        newIntentID(),
		TaskID:    taskID,
		Kind:      kind,
		Stage:     domain.IntentStagePending,
		PayerID:   payerID,
		PayeeID:   payeeID,
		WorkerID:  workerID,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
