// Package task is the authoritative task lifecycle state machine. Each
// action validates the actor and preconditions, performs the settlement side
// effect, and only then commits the new status with a compare-and-set
// against the pre-transition status. A settlement action is irreversible the
// instant it succeeds, so the ordering here is load-bearing.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/domain"
)

// commitMaxAttempts bounds how often a post-settlement commit is retried
// before the failure surfaces as a SettlementInconsistency.
const commitMaxAttempts = 2

const (
	minRating = 1
	maxRating = 5
)

// Service drives the task lifecycle.
type Service struct {
	log      *logrus.Logger
	store    TaskStore
	escrow   SessionOrchestrator
	resolver DisputeResolver
}

// NewService creates the lifecycle service.
func NewService(store TaskStore, escrow SessionOrchestrator, resolver DisputeResolver, log *logrus.Logger) *Service {
	return &Service{
		log:      log,
		store:    store,
		escrow:   escrow,
		resolver: resolver,
	}
}

// CreateTask posts a paid task and opens its two-party escrow session. The
// session is opened first; if the store insert then fails, the insert is
// retried before the condition surfaces as a SettlementInconsistency.
func (s *Service) CreateTask(ctx context.Context, creatorID string, amount decimal.Decimal, description string) (*domain.Task, error) {
	const op = "task.Service.CreateTask"
	log := s.log.WithField("operation", op)

	if creatorID == "" {
		return nil, domain.NewValidationError("creator_id", "missed value")
	}
	if !amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "must be positive")
	}

	t := &domain.Task{
		ID:          uuid.New().String(),
		CreatorID:   creatorID,
		Description: description,
		Amount:      amount,
		Status:      domain.TaskStatusOpen,
		CreatedAt:   time.Now().UTC(),
	}

	sessionID, err := s.escrow.OpenInitialSession(ctx, t.ID, creatorID, amount)
	if err != nil {
		log.WithError(err).Error("failed to open initial escrow session")
		return nil, err
	}
	t.SessionID = sessionID

	var insertErr error
	for attempt := 0; attempt < commitMaxAttempts; attempt++ {
		if insertErr = s.store.CreateTask(t); insertErr == nil {
			break
		}
	}
	if insertErr != nil {
		incon := &domain.SettlementInconsistency{TaskID: t.ID, SessionID: sessionID, Err: insertErr}
		log.WithError(incon).Error("CRITICAL: escrow session opened but task record not persisted")
		return nil, incon
	}

	log.WithFields(logrus.Fields{"task_id": t.ID, "session_id": sessionID}).Info("task created")
	return t, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.store.GetTask(taskID)
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status string, limit, offset int) ([]*domain.Task, error) {
	if status != "" {
		if err := domain.ValidateStatus(domain.TaskStatus(status)); err != nil {
			return nil, domain.NewValidationError("status", err.Error())
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListTasks(status, limit, offset)
}

// AcceptTask lets a non-creator take an open task. The two-party session is
// rebuilt as {creator, acceptor, operator} before the status moves to
// in_progress.
func (s *Service) AcceptTask(ctx context.Context, taskID, actorID string) (*domain.Task, error) {
	const op = "task.Service.AcceptTask"
	log := s.log.WithField("operation", op).WithField("task_id", taskID)

	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskStatusOpen {
		return nil, domain.NewValidationError("status", "task is not open")
	}
	if actorID == "" {
		return nil, domain.NewValidationError("actor_id", "missed value")
	}
	if actorID == t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "accept their own task")
	}
	if t.SessionID == "" {
		return nil, domain.NewValidationError("session_id", "task has no escrow session")
	}

	newSessionID, err := s.escrow.TransitionToThreeParty(ctx, t.ID, t.SessionID, t.CreatorID, actorID, t.Amount)
	if err != nil {
		log.WithError(err).Error("session transition failed; task stays open")
		return nil, err
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusInProgress
	updated.AcceptorID = actorID
	updated.SessionID = newSessionID
	updated.AcceptedAt = &now

	if err := s.commitAfterSettlement(log, &updated, domain.TaskStatusOpen); err != nil {
		return nil, err
	}

	log.WithField("acceptor_id", actorID).Info("task accepted")
	return &updated, nil
}

// ApplyToTask records a candidate worker's application to an open task. No
// settlement is involved and the task status does not change.
func (s *Service) ApplyToTask(ctx context.Context, taskID, actorID, message string) (*domain.Application, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskStatusOpen {
		return nil, domain.NewValidationError("status", "task is not open")
	}
	if actorID == "" {
		return nil, domain.NewValidationError("actor_id", "missed value")
	}
	if actorID == t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "apply to their own task")
	}

	a := &domain.Application{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		ApplicantID: actorID,
		Message:     message,
		Status:      domain.ApplicationPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateApplication(a); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, domain.NewValidationError("applicant_id", "already applied to this task")
		}
		return nil, err
	}
	return a, nil
}

// ReviewApplication lets the creator accept or reject a pending application.
func (s *Service) ReviewApplication(ctx context.Context, taskID, actorID, appID string, accept bool) (*domain.Application, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actorID != t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "review applications for this task")
	}
	if t.Status != domain.TaskStatusOpen {
		return nil, domain.NewValidationError("status", "task is not open")
	}

	a, err := s.store.GetApplication(appID)
	if err != nil {
		return nil, err
	}
	if a.TaskID != taskID {
		return nil, domain.ErrApplicationNotFound
	}
	if a.Status != domain.ApplicationPending {
		return nil, domain.NewValidationError("application", "already reviewed")
	}

	status := domain.ApplicationRejected
	if accept {
		status = domain.ApplicationAccepted
	}
	now := time.Now().UTC()
	if err := s.store.ReviewApplication(appID, status, now); err != nil {
		return nil, err
	}

	a.Status = status
	a.ReviewedAt = &now
	return a, nil
}

// SubmitWork records completed work. In the direct-accept flow the acceptor
// submits and the task moves to submitted; in the open-competition flow an
// accepted applicant submits with no status change.
func (s *Service) SubmitWork(ctx context.Context, taskID, actorID, evidence string) (*domain.Submission, error) {
	const op = "task.Service.SubmitWork"
	log := s.log.WithField("operation", op).WithField("task_id", taskID)

	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if evidence == "" {
		return nil, domain.NewValidationError("evidence", "missed value")
	}

	switch t.Status {
	case domain.TaskStatusInProgress:
		if actorID != t.AcceptorID {
			return nil, domain.NewAuthorizationError(actorID, "submit work for this task")
		}
	case domain.TaskStatusOpen:
		if !s.hasAcceptedApplication(taskID, actorID) {
			return nil, domain.NewAuthorizationError(actorID, "submit work without an accepted application")
		}
	default:
		return nil, domain.NewValidationError("status", "task does not accept submissions")
	}

	sub := &domain.Submission{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		WorkerID:  actorID,
		Evidence:  evidence,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSubmission(sub); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, domain.NewValidationError("worker_id", "already submitted for this task")
		}
		return nil, err
	}

	if t.Status == domain.TaskStatusInProgress {
		now := sub.CreatedAt
		updated := *t
		updated.Status = domain.TaskStatusSubmitted
		updated.SubmittedAt = &now
		// No settlement happened; a CAS miss here is safe to surface as-is.
		if err := s.store.CommitTask(&updated, domain.TaskStatusInProgress); err != nil {
			log.WithError(err).Error("failed to commit submitted status")
			return nil, err
		}
	}

	log.WithField("worker_id", actorID).Info("work submitted")
	return sub, nil
}

// PickWinner completes an open-competition task: the creator selects one
// submission, the escrow session is rebuilt to include the winner and closed
// to them, and the task completes as acceptor_wins.
func (s *Service) PickWinner(ctx context.Context, taskID, actorID, submissionID string, rating int, comment string) (*domain.Task, error) {
	const op = "task.Service.PickWinner"
	log := s.log.WithField("operation", op).WithField("task_id", taskID)

	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actorID != t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "pick a winner for this task")
	}
	if t.Status != domain.TaskStatusOpen {
		return nil, domain.NewValidationError("status", "task is not open")
	}
	if err := validateRating(rating); err != nil {
		return nil, err
	}
	if t.SessionID == "" {
		return nil, domain.NewValidationError("session_id", "task has no escrow session")
	}

	sub, err := s.store.GetSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	if sub.TaskID != taskID {
		return nil, domain.ErrSubmissionNotFound
	}

	// The winner is not a participant of the two-party session, so the payout
	// rebuilds the session as {creator, winner, operator} and closes it to
	// the winner, all under one replayable intent.
	newSessionID, err := s.escrow.PayoutToNewParty(ctx, t.ID, t.SessionID, t.CreatorID, sub.WorkerID, t.Amount)
	if err != nil {
		log.WithError(err).Error("winner payout failed; task stays open")
		return nil, err
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusCompleted
	updated.AcceptorID = sub.WorkerID
	updated.SessionID = newSessionID
	updated.WinningSubmissionID = sub.ID
	updated.Resolution = domain.ResolutionAcceptorWins
	updated.CompletedAt = &now

	if err := s.commitAfterSettlement(log, &updated, domain.TaskStatusOpen); err != nil {
		return nil, err
	}
	s.recordWinner(log, taskID, sub.ID)
	s.recordReview(log, taskID, actorID, rating, comment)

	log.WithField("winner_id", sub.WorkerID).Info("winner picked, task completed")
	return &updated, nil
}

// ApproveTask completes a direct-accept task: the creator approves the
// submitted work, the session closes to the acceptor, and a review is
// recorded.
func (s *Service) ApproveTask(ctx context.Context, taskID, actorID string, rating int, comment string) (*domain.Task, error) {
	const op = "task.Service.ApproveTask"
	log := s.log.WithField("operation", op).WithField("task_id", taskID)

	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actorID != t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "approve this task")
	}
	if t.Status != domain.TaskStatusSubmitted {
		return nil, domain.NewValidationError("status", "task is not awaiting approval")
	}
	if err := validateRating(rating); err != nil {
		return nil, err
	}
	if t.AcceptorID == "" {
		return nil, domain.NewValidationError("acceptor_id", "task has no acceptor")
	}
	if t.SessionID == "" {
		return nil, domain.NewValidationError("session_id", "task has no escrow session")
	}

	participants := []string{t.CreatorID, t.AcceptorID, s.escrow.OperatorID()}
	if err := s.escrow.CloseSession(ctx, t.ID, t.SessionID, participants, t.AcceptorID, t.Amount); err != nil {
		log.WithError(err).Error("approval payout close failed")
		return nil, err
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusCompleted
	updated.Resolution = domain.ResolutionAcceptorWins
	updated.CompletedAt = &now
	if sub := s.acceptorSubmission(taskID, t.AcceptorID); sub != nil {
		updated.WinningSubmissionID = sub.ID
	}

	if err := s.commitAfterSettlement(log, &updated, domain.TaskStatusSubmitted); err != nil {
		return nil, err
	}
	if updated.WinningSubmissionID != "" {
		s.recordWinner(log, taskID, updated.WinningSubmissionID)
	}
	s.recordReview(log, taskID, actorID, rating, comment)

	log.Info("task approved, escrow released to acceptor")
	return &updated, nil
}

// DisputeTask lets the creator contest submitted work. The task moves to
// disputed before arbitration so a concurrent approve cannot race the
// payout; the resolver's outcome then drives a single settlement.
func (s *Service) DisputeTask(ctx context.Context, taskID, actorID, reason string) (*domain.Task, error) {
	const op = "task.Service.DisputeTask"
	log := s.log.WithField("operation", op).WithField("task_id", taskID)

	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actorID != t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "dispute this task")
	}
	if t.Status != domain.TaskStatusSubmitted {
		return nil, domain.NewValidationError("status", "task is not awaiting approval")
	}
	if reason == "" {
		return nil, domain.NewValidationError("reason", "missed value")
	}
	if t.SessionID == "" {
		return nil, domain.NewValidationError("session_id", "task has no escrow session")
	}

	disputed := *t
	disputed.Status = domain.TaskStatusDisputed
	disputed.DisputeReason = reason
	// No settlement yet; a CAS miss means the task moved under us.
	if err := s.store.CommitTask(&disputed, domain.TaskStatusSubmitted); err != nil {
		return nil, err
	}

	submissions, err := s.store.ListSubmissions(taskID)
	if err != nil {
		log.WithError(err).Warn("could not load submissions for arbitration; resolver sees none")
		submissions = nil
	}
	outcome := s.resolver.Resolve(ctx, &disputed, submissions, reason)

	payee := disputed.CreatorID
	if outcome.Resolution == domain.ResolutionAcceptorWins {
		payee = disputed.AcceptorID
	}
	participants := []string{disputed.CreatorID, disputed.AcceptorID, s.escrow.OperatorID()}

	if err := s.escrow.CloseSession(ctx, disputed.ID, disputed.SessionID, participants, payee, disputed.Amount); err != nil {
		log.WithError(err).Error("dispute payout close failed; task stays disputed")
		return nil, err
	}

	now := time.Now().UTC()
	completed := disputed
	completed.Status = domain.TaskStatusCompleted
	completed.Resolution = outcome.Resolution
	completed.CompletedAt = &now
	if outcome.WinningSubmissionID != "" {
		completed.WinningSubmissionID = outcome.WinningSubmissionID
	}

	if err := s.commitAfterSettlement(log, &completed, domain.TaskStatusDisputed); err != nil {
		return nil, err
	}
	if completed.WinningSubmissionID != "" && outcome.Resolution == domain.ResolutionAcceptorWins {
		s.recordWinner(log, taskID, completed.WinningSubmissionID)
	}

	log.WithField("resolution", outcome.Resolution).Info("dispute resolved, task completed")
	return &completed, nil
}

// CancelTask returns the escrowed funds to the creator. Only allowed while
// the task is open with no accepted party beyond the creator.
func (s *Service) CancelTask(ctx context.Context, taskID, actorID string) (*domain.Task, error) {
	const op = "task.Service.CancelTask"
	log := s.log.WithField("operation", op).WithField("task_id", taskID)

	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actorID != t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "cancel this task")
	}
	if t.Status != domain.TaskStatusOpen {
		return nil, domain.NewValidationError("status", "task is not open")
	}
	if t.AcceptorID != "" {
		return nil, domain.NewValidationError("acceptor_id", "task already has an acceptor")
	}
	if t.SessionID == "" {
		return nil, domain.NewValidationError("session_id", "task has no escrow session")
	}

	if err := s.escrow.CancelInitialSession(ctx, t.ID, t.SessionID, t.CreatorID, t.Amount); err != nil {
		log.WithError(err).Error("cancel close failed; task stays open")
		return nil, err
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusCancelled
	updated.CompletedAt = &now

	if err := s.commitAfterSettlement(log, &updated, domain.TaskStatusOpen); err != nil {
		return nil, err
	}

	log.Info("task cancelled, escrow returned to creator")
	return &updated, nil
}

// ListApplications returns the applications for a task, creator only.
func (s *Service) ListApplications(ctx context.Context, taskID, actorID string) ([]*domain.Application, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actorID != t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "list applications for this task")
	}
	return s.store.ListApplications(taskID)
}

// ListSubmissions returns the submissions for a task, creator only.
func (s *Service) ListSubmissions(ctx context.Context, taskID, actorID string) ([]*domain.Submission, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actorID != t.CreatorID {
		return nil, domain.NewAuthorizationError(actorID, "list submissions for this task")
	}
	return s.store.ListSubmissions(taskID)
}

// commitAfterSettlement writes the post-settlement status with bounded
// retries. A CAS miss is not retried: the precondition will never come back,
// and what matters is recording where the funds went, not spinning.
func (s *Service) commitAfterSettlement(log *logrus.Entry, t *domain.Task, from domain.TaskStatus) error {
	var err error
	for attempt := 0; attempt < commitMaxAttempts; attempt++ {
		err = s.store.CommitTask(t, from)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrStatusConflict) {
			break
		}
	}

	incon := &domain.SettlementInconsistency{TaskID: t.ID, SessionID: t.SessionID, Err: err}
	log.WithError(incon).Error("CRITICAL: settlement succeeded but local commit failed")
	return incon
}

// recordWinner and recordReview run after the completion commit; their
// failure degrades bookkeeping but must not undo a settled task.
func (s *Service) recordWinner(log *logrus.Entry, taskID, submissionID string) {
	if err := s.store.MarkWinner(taskID, submissionID); err != nil {
		log.WithError(err).Error("failed to flag winning submission")
	}
}

func (s *Service) recordReview(log *logrus.Entry, taskID, reviewerID string, rating int, comment string) {
	r := &domain.Review{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		ReviewerID: reviewerID,
		Rating:     rating,
		Comment:    comment,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateReview(r); err != nil {
		log.WithError(err).Error("failed to record review")
	}
}

func (s *Service) hasAcceptedApplication(taskID, actorID string) bool {
	apps, err := s.store.ListApplications(taskID)
	if err != nil {
		return false
	}
	for _, a := range apps {
		if a.ApplicantID == actorID && a.Status == domain.ApplicationAccepted {
			return true
		}
	}
	return false
}

func (s *Service) acceptorSubmission(taskID, acceptorID string) *domain.Submission {
	subs, err := s.store.ListSubmissions(taskID)
	if err != nil {
		return nil
	}
	for _, sub := range subs {
		if sub.WorkerID == acceptorID {
			return sub
		}
	}
	return nil
}

func validateRating(rating int) error {
	if rating < minRating || rating > maxRating {
		return domain.NewValidationError("rating", "must be an integer between 1 and 5")
	}
	return nil
}
