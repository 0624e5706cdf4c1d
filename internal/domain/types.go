package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSubmitted  TaskStatus = "submitted"
	TaskStatusDisputed   TaskStatus = "disputed"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

type Resolution string

const (
	ResolutionCreatorWins  Resolution = "creator_wins"
	ResolutionAcceptorWins Resolution = "acceptor_wins"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusOpen: {
		TaskStatusInProgress: {},
		TaskStatusCompleted:  {}, // pick-winner completes directly from open
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusSubmitted: {},
	},
	TaskStatusSubmitted: {
		TaskStatusCompleted: {},
		TaskStatusDisputed:  {},
	},
	TaskStatusDisputed: {
		TaskStatusCompleted: {},
	},
	TaskStatusCompleted: {},
	TaskStatusCancelled: {},
}

// ValidateStatus reports whether status is a known task status.
func ValidateStatus(status TaskStatus) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("invalid task status: %q", status)
	}
	return nil
}

// ValidateTransition reports whether from -> to is an allowed edge.
func ValidateTransition(from, to TaskStatus) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether status has no outgoing edges.
func Terminal(status TaskStatus) bool {
	return len(allowedTransitions[status]) == 0
}

// Task is the durable record of a paid task. Amount is fixed at creation and
// never changes; SessionID is replaced, not appended, when the escrow session
// moves from two-party to three-party.
type Task struct {
	ID                  string          `json:"id"`
	CreatorID           string          `json:"creator_id"`
	Description         string          `json:"description,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	Status              TaskStatus      `json:"status"`
	AcceptorID          string          `json:"acceptor_id,omitempty"`
	SessionID           string          `json:"session_id,omitempty"`
	WinningSubmissionID string          `json:"winning_submission_id,omitempty"`
	DisputeReason       string          `json:"dispute_reason,omitempty"`
	Resolution          Resolution      `json:"resolution,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	AcceptedAt          *time.Time      `json:"accepted_at,omitempty"`
	SubmittedAt         *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Application links a task to a candidate worker. At most one exists per
// (task, applicant) pair.
type Application struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	ApplicantID string            `json:"applicant_id"`
	Message     string            `json:"message,omitempty"`
	Status      ApplicationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ReviewedAt  *time.Time        `json:"reviewed_at,omitempty"`
}

// Submission is a completed piece of work for a task. At most one exists per
// (task, worker), and at most one per task carries IsWinner.
type Submission struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Evidence  string    `json:"evidence"`
	IsWinner  bool      `json:"is_winner"`
	CreatedAt time.Time `json:"created_at"`
}

// Review is written exactly once when a task completes with a chosen winner.
type Review struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	ReviewerID string    `json:"reviewer_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type IntentKind string

const (
	IntentOpen       IntentKind = "open"
	IntentTransition IntentKind = "transition"
	IntentPayout     IntentKind = "payout" // transition plus close to a new party
	IntentClose      IntentKind = "close"
	IntentCancel     IntentKind = "cancel"
)

type IntentStage string

const (
	IntentStagePending IntentStage = "pending"
	IntentStageClosed  IntentStage = "closed" // old session closed, new one not yet open
	IntentStageOpened  IntentStage = "opened" // payout only: new session open, final close pending
	IntentStageDone    IntentStage = "done"
	IntentStageAborted IntentStage = "aborted" // retired without replay: the owning task moved on
)

// SettlementIntent is the durable record written before any money-moving
// settlement call. Retries replay against the same intent rather than issuing
// a fresh settlement.
type SettlementIntent struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	Kind         IntentKind      `json:"kind"`
	Stage        IntentStage     `json:"stage"`
	OldSessionID string          `json:"old_session_id,omitempty"`
	NewSessionID string          `json:"new_session_id,omitempty"`
	PayerID      string          `json:"payer_id"`
	PayeeID      string          `json:"payee_id,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
