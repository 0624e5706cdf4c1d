package task

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/domain"
)

// ResumePending replays every settlement intent that did not reach its done
// stage, then reconciles the owning task records. Called once at startup and
// from the resume command; a failure on one intent does not stop the rest.
func (s *Service) ResumePending(ctx context.Context) error {
	const op = "task.Service.ResumePending"
	log := s.log.WithField("operation", op)

	intents, err := s.store.ListUnfinishedIntents()
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		return nil
	}
	log.WithField("count", len(intents)).Warn("replaying unfinished settlement intents")

	var firstErr error
	for _, intent := range intents {
		ilog := log.WithFields(logrus.Fields{"intent_id": intent.ID, "task_id": intent.TaskID, "kind": intent.Kind})
		if err := s.resumeIntent(ctx, ilog, intent); err != nil {
			ilog.WithError(err).Error("intent replay failed; will retry on next resume")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) resumeIntent(ctx context.Context, log *logrus.Entry, intent *domain.SettlementIntent) error {
	switch intent.Kind {
	case domain.IntentOpen:
		// An unfinished open leaves no session id to act on. The node-side
		// session, if any, still allocates everything to the payer; flag it
		// for the operator instead of guessing.
		log.Error("CRITICAL: unfinished session open; verify payer allocation on the settlement node")
		return nil

	case domain.IntentTransition:
		t, err := s.store.GetTask(intent.TaskID)
		if err != nil {
			return err
		}
		// A pending intent against a non-open task is not a crash leftover:
		// the operation either committed or was superseded (e.g. the task was
		// cancelled after the transition failed). Replaying it would escrow
		// funds into an orphan session.
		if t.Status != domain.TaskStatusOpen {
			log.WithField("status", t.Status).Warn("task no longer open; abandoning transition intent")
			return s.escrow.AbandonIntent(ctx, intent)
		}
		sessionID, err := s.escrow.ResumeTransition(ctx, intent)
		if err != nil {
			return err
		}
		return s.reconcileAccept(log, intent, sessionID)

	case domain.IntentPayout:
		t, err := s.store.GetTask(intent.TaskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskStatusOpen {
			log.WithField("status", t.Status).Warn("task no longer open; abandoning payout intent")
			return s.escrow.AbandonIntent(ctx, intent)
		}
		sessionID, err := s.escrow.ResumePayout(ctx, intent)
		if err != nil {
			return err
		}
		return s.reconcilePayout(log, intent, sessionID)

	case domain.IntentClose:
		t, err := s.store.GetTask(intent.TaskID)
		if err != nil {
			return err
		}
		participants := []string{t.CreatorID, t.AcceptorID, s.escrow.OperatorID()}
		if err := s.escrow.ResumeClose(ctx, intent, participants); err != nil {
			return err
		}
		return s.reconcileCompletion(log, intent, t)

	case domain.IntentCancel:
		t, err := s.store.GetTask(intent.TaskID)
		if err != nil {
			return err
		}
		participants := []string{t.CreatorID, s.escrow.OperatorID()}
		if err := s.escrow.ResumeClose(ctx, intent, participants); err != nil {
			return err
		}
		return s.reconcileCancel(log, intent, t)

	default:
		log.Error("unknown intent kind; skipping")
		return nil
	}
}

// reconcileAccept commits the in_progress transition a crashed AcceptTask
// never got to write.
func (s *Service) reconcileAccept(log *logrus.Entry, intent *domain.SettlementIntent, sessionID string) error {
	t, err := s.store.GetTask(intent.TaskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskStatusOpen {
		log.WithField("status", t.Status).Info("task moved on; session transition already reconciled")
		return nil
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusInProgress
	updated.AcceptorID = intent.WorkerID
	updated.SessionID = sessionID
	updated.AcceptedAt = &now

	if err := s.store.CommitTask(&updated, domain.TaskStatusOpen); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}
	log.Info("reconciled task to in_progress after interrupted accept")
	return nil
}

// reconcilePayout completes a crashed PickWinner: the funds have reached the
// winner, so the task record must say so. The rating from the original call
// is gone; the missing review is logged, not invented.
func (s *Service) reconcilePayout(log *logrus.Entry, intent *domain.SettlementIntent, sessionID string) error {
	t, err := s.store.GetTask(intent.TaskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskStatusOpen {
		log.WithField("status", t.Status).Info("task moved on; payout already reconciled")
		return nil
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusCompleted
	updated.AcceptorID = intent.PayeeID
	updated.SessionID = sessionID
	updated.Resolution = domain.ResolutionAcceptorWins
	updated.CompletedAt = &now

	if sub := s.acceptorSubmission(intent.TaskID, intent.PayeeID); sub != nil {
		updated.WinningSubmissionID = sub.ID
	}

	if err := s.store.CommitTask(&updated, domain.TaskStatusOpen); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}
	if updated.WinningSubmissionID != "" {
		s.recordWinner(log, intent.TaskID, updated.WinningSubmissionID)
	}
	log.Warn("reconciled interrupted winner payout; review rating was lost in the crash")
	return nil
}

// reconcileCompletion commits the completed status for a crashed approve or
// dispute settlement. The resolution follows the money: funds back to the
// payer mean creator_wins.
func (s *Service) reconcileCompletion(log *logrus.Entry, intent *domain.SettlementIntent, t *domain.Task) error {
	if t.Status != domain.TaskStatusSubmitted && t.Status != domain.TaskStatusDisputed {
		log.WithField("status", t.Status).Info("task moved on; close already reconciled")
		return nil
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusCompleted
	updated.CompletedAt = &now
	if intent.PayeeID == t.CreatorID {
		updated.Resolution = domain.ResolutionCreatorWins
	} else {
		updated.Resolution = domain.ResolutionAcceptorWins
		if sub := s.acceptorSubmission(t.ID, intent.PayeeID); sub != nil {
			updated.WinningSubmissionID = sub.ID
		}
	}

	if err := s.store.CommitTask(&updated, t.Status); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}
	if updated.WinningSubmissionID != "" {
		s.recordWinner(log, t.ID, updated.WinningSubmissionID)
	}
	log.Info("reconciled task completion after interrupted settlement")
	return nil
}

func (s *Service) reconcileCancel(log *logrus.Entry, intent *domain.SettlementIntent, t *domain.Task) error {
	if t.Status != domain.TaskStatusOpen {
		log.WithField("status", t.Status).Info("task moved on; cancel already reconciled")
		return nil
	}

	now := time.Now().UTC()
	updated := *t
	updated.Status = domain.TaskStatusCancelled
	updated.CompletedAt = &now

	if err := s.store.CommitTask(&updated, domain.TaskStatusOpen); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}
	log.Info("reconciled task cancellation after interrupted settlement")
	return nil
}
