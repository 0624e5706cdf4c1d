package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/taskpay/escrowd/internal/domain"
)

// Store handles SQLite persistence for tasks, applications, submissions,
// reviews and the settlement-intent journal.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the task database at dbPath.
func New(dbPath string) (*Store, error) {
	// Expand ~ in path
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// migrate creates the necessary tables
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			creator_id TEXT NOT NULL,
			description TEXT,
			amount TEXT NOT NULL,
			status TEXT NOT NULL,
			acceptor_id TEXT,
			session_id TEXT,
			winning_submission_id TEXT,
			dispute_reason TEXT,
			resolution TEXT,
			created_at DATETIME NOT NULL,
			accepted_at DATETIME,
			submitted_at DATETIME,
			completed_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS applications (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			applicant_id TEXT NOT NULL,
			message TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			reviewed_at DATETIME,
			FOREIGN KEY (task_id) REFERENCES tasks(id),
			UNIQUE (task_id, applicant_id)
		);

		CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			evidence TEXT NOT NULL,
			is_winner INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id),
			UNIQUE (task_id, worker_id)
		);

		CREATE TABLE IF NOT EXISTS reviews (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			reviewer_id TEXT NOT NULL,
			rating INTEGER NOT NULL,
			comment TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id),
			UNIQUE (task_id)
		);

		CREATE TABLE IF NOT EXISTS settlement_intents (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			stage TEXT NOT NULL,
			old_session_id TEXT,
			new_session_id TEXT,
			payer_id TEXT NOT NULL,
			payee_id TEXT,
			worker_id TEXT,
			amount TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_applications_task ON applications(task_id);
		CREATE INDEX IF NOT EXISTS idx_submissions_task ON submissions(task_id);
		CREATE INDEX IF NOT EXISTS idx_intents_stage ON settlement_intents(stage);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so tests can share one database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// ---- tasks ----

func (s *Store) CreateTask(t *domain.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, creator_id, description, amount, status, acceptor_id,
			session_id, winning_submission_id, dispute_reason, resolution,
			created_at, accepted_at, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CreatorID, t.Description, t.Amount.String(), string(t.Status),
		t.AcceptorID, t.SessionID, t.WinningSubmissionID, t.DisputeReason,
		string(t.Resolution), t.CreatedAt, t.AcceptedAt, t.SubmittedAt, t.CompletedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, creator_id, description, amount, status, acceptor_id,
			session_id, winning_submission_id, dispute_reason, resolution,
			created_at, accepted_at, submitted_at, completed_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) ListTasks(status string, limit, offset int) ([]*domain.Task, error) {
	query := `
		SELECT id, creator_id, description, amount, status, acceptor_id,
			session_id, winning_submission_id, dispute_reason, resolution,
			created_at, accepted_at, submitted_at, completed_at
		FROM tasks`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CommitTask writes every mutable task field conditioned on the task still
// being in status from. It is the compare-and-set commit used after every
// settlement action; a concurrent transition shows up here as
// domain.ErrStatusConflict, never as a lost update.
func (s *Store) CommitTask(t *domain.Task, from domain.TaskStatus) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = ?, acceptor_id = ?, session_id = ?, winning_submission_id = ?,
			dispute_reason = ?, resolution = ?, accepted_at = ?, submitted_at = ?,
			completed_at = ?
		WHERE id = ? AND status = ?`,
		string(t.Status), t.AcceptorID, t.SessionID, t.WinningSubmissionID,
		t.DisputeReason, string(t.Resolution), t.AcceptedAt, t.SubmittedAt,
		t.CompletedAt, t.ID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a missing task.
		if _, gerr := s.GetTask(t.ID); gerr != nil {
			return gerr
		}
		return domain.ErrStatusConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var amount, status, resolution string
	var acceptor, session, winning, reason sql.NullString
	var acceptedAt, submittedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.CreatorID, &t.Description, &amount, &status,
		&acceptor, &session, &winning, &reason, &resolution,
		&t.CreatedAt, &acceptedAt, &submittedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for task %s: %w", t.ID, err)
	}
	t.Status = domain.TaskStatus(status)
	t.Resolution = domain.Resolution(resolution)
	t.AcceptorID = acceptor.String
	t.SessionID = session.String
	t.WinningSubmissionID = winning.String
	t.DisputeReason = reason.String
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	if submittedAt.Valid {
		t.SubmittedAt = &submittedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// ---- applications ----

func (s *Store) CreateApplication(a *domain.Application) error {
	_, err := s.db.Exec(`
		INSERT INTO applications (id, task_id, applicant_id, message, status, created_at, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.ApplicantID, a.Message, string(a.Status), a.CreatedAt, a.ReviewedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

func (s *Store) GetApplication(id string) (*domain.Application, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, applicant_id, message, status, created_at, reviewed_at
		FROM applications WHERE id = ?`, id)

	var a domain.Application
	var status string
	var reviewedAt sql.NullTime
	err := row.Scan(&a.ID, &a.TaskID, &a.ApplicantID, &a.Message, &status, &a.CreatedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = domain.ApplicationStatus(status)
	if reviewedAt.Valid {
		a.ReviewedAt = &reviewedAt.Time
	}
	return &a, nil
}

func (s *Store) ListApplications(taskID string) ([]*domain.Application, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, applicant_id, message, status, created_at, reviewed_at
		FROM applications WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*domain.Application
	for rows.Next() {
		var a domain.Application
		var status string
		var reviewedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ApplicantID, &a.Message, &status, &a.CreatedAt, &reviewedAt); err != nil {
			return nil, err
		}
		a.Status = domain.ApplicationStatus(status)
		if reviewedAt.Valid {
			a.ReviewedAt = &reviewedAt.Time
		}
		apps = append(apps, &a)
	}
	return apps, rows.Err()
}

// ReviewApplication moves a pending application to accepted or rejected.
// ReviewedAt is set only here.
func (s *Store) ReviewApplication(id string, status domain.ApplicationStatus, reviewedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE applications SET status = ?, reviewed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), reviewedAt, id, string(domain.ApplicationPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetApplication(id); gerr != nil {
			return gerr
		}
		return domain.ErrStatusConflict
	}
	return nil
}

// ---- submissions ----

func (s *Store) CreateSubmission(sub *domain.Submission) error {
	_, err := s.db.Exec(`
		INSERT INTO submissions (id, task_id, worker_id, evidence, is_winner, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TaskID, sub.WorkerID, sub.Evidence, sub.IsWinner, sub.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

func (s *Store) GetSubmission(id string) (*domain.Submission, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, worker_id, evidence, is_winner, created_at
		FROM submissions WHERE id = ?`, id)

	var sub domain.Submission
	err := row.Scan(&sub.ID, &sub.TaskID, &sub.WorkerID, &sub.Evidence, &sub.IsWinner, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) ListSubmissions(taskID string) ([]*domain.Submission, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, worker_id, evidence, is_winner, created_at
		FROM submissions WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Submission
	for rows.Next() {
		var sub domain.Submission
		if err := rows.Scan(&sub.ID, &sub.TaskID, &sub.WorkerID, &sub.Evidence, &sub.IsWinner, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// MarkWinner flags exactly one submission as the winner. The guard inside the
// UPDATE keeps the at-most-one-winner-per-task invariant even under
// concurrent calls.
func (s *Store) MarkWinner(taskID, submissionID string) error {
	res, err := s.db.Exec(`
		UPDATE submissions SET is_winner = 1
		WHERE id = ? AND task_id = ?
		  AND NOT EXISTS (SELECT 1 FROM submissions WHERE task_id = ? AND is_winner = 1)`,
		submissionID, taskID, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetSubmission(submissionID); gerr != nil {
			return gerr
		}
		return domain.ErrStatusConflict
	}
	return nil
}

// ---- reviews ----

func (s *Store) CreateReview(r *domain.Review) error {
	_, err := s.db.Exec(`
		INSERT INTO reviews (id, task_id, reviewer_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.ReviewerID, r.Rating, r.Comment, r.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

// ---- settlement intents ----

func (s *Store) CreateIntent(in *domain.SettlementIntent) error {
	_, err := s.db.Exec(`
		INSERT INTO settlement_intents (id, task_id, kind, stage, old_session_id,
			new_session_id, payer_id, payee_id, worker_id, amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.TaskID, string(in.Kind), string(in.Stage), in.OldSessionID,
		in.NewSessionID, in.PayerID, in.PayeeID, in.WorkerID, in.Amount.String(),
		in.CreatedAt, in.UpdatedAt)
	return err
}

func (s *Store) GetIntent(id string) (*domain.SettlementIntent, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, kind, stage, old_session_id, new_session_id,
			payer_id, payee_id, worker_id, amount, created_at, updated_at
		FROM settlement_intents WHERE id = ?`, id)
	return scanIntent(row)
}

// UpdateIntentStage advances an intent through its stages, recording the new
// session id once the open step succeeds.
func (s *Store) UpdateIntentStage(id string, stage domain.IntentStage, newSessionID string) error {
	res, err := s.db.Exec(`
		UPDATE settlement_intents
		SET stage = ?, new_session_id = COALESCE(NULLIF(?, ''), new_session_id), updated_at = ?
		WHERE id = ?`,
		string(stage), newSessionID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrIntentNotFound
	}
	return nil
}

// ListUnfinishedIntents returns every intent not yet marked done or aborted,
// oldest first. Used by the resume path after a crash.
func (s *Store) ListUnfinishedIntents() ([]*domain.SettlementIntent, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, kind, stage, old_session_id, new_session_id,
			payer_id, payee_id, worker_id, amount, created_at, updated_at
		FROM settlement_intents WHERE stage NOT IN (?, ?) ORDER BY created_at`,
		string(domain.IntentStageDone), string(domain.IntentStageAborted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []*domain.SettlementIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

func scanIntent(row rowScanner) (*domain.SettlementIntent, error) {
	var in domain.SettlementIntent
	var kind, stage, amount string
	var oldSession, newSession, payee, worker sql.NullString

	err := row.Scan(&in.ID, &in.TaskID, &kind, &stage, &oldSession, &newSession,
		&in.PayerID, &payee, &worker, &amount, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}

	in.Kind = domain.IntentKind(kind)
	in.Stage = domain.IntentStage(stage)
	in.OldSessionID = oldSession.String
	in.NewSessionID = newSession.String
	in.PayeeID = payee.String
	in.WorkerID = worker.String
	in.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for intent %s: %w", in.ID, err)
	}
	return &in, nil
}
