package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/arbiter"
	"github.com/taskpay/escrowd/internal/domain"
)

// Common test errors
var (
	ErrMockStore   = errors.New("mock store error")
	ErrMockNetwork = errors.New("mock settlement network error")
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// MockTaskStore implements TaskStore with in-memory maps.
type MockTaskStore struct {
	mu           sync.Mutex
	Tasks        map[string]*domain.Task
	Applications map[string]*domain.Application
	Submissions  map[string]*domain.Submission
	Reviews      map[string]*domain.Review
	Intents      []*domain.SettlementIntent

	CommitCalls      int
	FailCommitOnCall int // fail the Nth CommitTask call (0 = never)
	CommitErr        error
}

func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		Tasks:        make(map[string]*domain.Task),
		Applications: make(map[string]*domain.Application),
		Submissions:  make(map[string]*domain.Submission),
		Reviews:      make(map[string]*domain.Review),
	}
}

func (m *MockTaskStore) CreateTask(t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Tasks[t.ID]; ok {
		return domain.ErrDuplicate
	}
	cp := *t
	m.Tasks[t.ID] = &cp
	return nil
}

func (m *MockTaskStore) GetTask(id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockTaskStore) ListTasks(status string, limit, offset int) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Task
	for _, t := range m.Tasks {
		if status == "" || string(t.Status) == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockTaskStore) CommitTask(t *domain.Task, from domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CommitCalls++
	if m.FailCommitOnCall > 0 && m.CommitCalls >= m.FailCommitOnCall {
		if m.CommitErr != nil {
			return m.CommitErr
		}
		return ErrMockStore
	}

	cur, ok := m.Tasks[t.ID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if cur.Status != from {
		return domain.ErrStatusConflict
	}
	cp := *t
	m.Tasks[t.ID] = &cp
	return nil
}

func (m *MockTaskStore) CreateApplication(a *domain.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Applications {
		if existing.TaskID == a.TaskID && existing.ApplicantID == a.ApplicantID {
			return domain.ErrDuplicate
		}
	}
	cp := *a
	m.Applications[a.ID] = &cp
	return nil
}

func (m *MockTaskStore) GetApplication(id string) (*domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Applications[id]
	if !ok {
		return nil, domain.ErrApplicationNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockTaskStore) ListApplications(taskID string) ([]*domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Application
	for _, a := range m.Applications {
		if a.TaskID == taskID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockTaskStore) ReviewApplication(id string, status domain.ApplicationStatus, reviewedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Applications[id]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	if a.Status != domain.ApplicationPending {
		return domain.ErrStatusConflict
	}
	a.Status = status
	a.ReviewedAt = &reviewedAt
	return nil
}

func (m *MockTaskStore) CreateSubmission(sub *domain.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Submissions {
		if existing.TaskID == sub.TaskID && existing.WorkerID == sub.WorkerID {
			return domain.ErrDuplicate
		}
	}
	cp := *sub
	m.Submissions[sub.ID] = &cp
	return nil
}

func (m *MockTaskStore) GetSubmission(id string) (*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Submissions[id]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MockTaskStore) ListSubmissions(taskID string) ([]*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Submission
	for _, sub := range m.Submissions {
		if sub.TaskID == taskID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockTaskStore) MarkWinner(taskID, submissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.Submissions {
		if sub.TaskID == taskID && sub.IsWinner {
			return domain.ErrStatusConflict
		}
	}
	sub, ok := m.Submissions[submissionID]
	if !ok || sub.TaskID != taskID {
		return domain.ErrSubmissionNotFound
	}
	sub.IsWinner = true
	return nil
}

func (m *MockTaskStore) CreateReview(r *domain.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Reviews {
		if existing.TaskID == r.TaskID {
			return domain.ErrDuplicate
		}
	}
	cp := *r
	m.Reviews[r.ID] = &cp
	return nil
}

func (m *MockTaskStore) ListUnfinishedIntents() ([]*domain.SettlementIntent, error) {
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

// WinnerCount reports how many submissions of a task carry the winner flag.
func (m *MockTaskStore) WinnerCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.Submissions {
		if sub.TaskID == taskID && sub.IsWinner {
			n++
		}
	}
	return n
}

// MockOrchestrator implements SessionOrchestrator, counting the money-moving
// calls so tests can assert a settlement happened at most once.
type MockOrchestrator struct {
	mu sync.Mutex

	Operator string

	OpenCalls       int
	TransitionCalls int
	PayoutCalls     int
	CloseCalls      int
	CancelCalls     int

	OpenErr       error
	TransitionErr error
	PayoutErr     error
	CloseErr      error
	CancelErr     error

	LastPayee        string
	LastParticipants []string
	LastAmount       decimal.Decimal

	NextSessionID string

	ResumeTransitionCalls int
	ResumePayoutCalls     int
	AbandonCalls          int
	AbandonErr            error
	LastAbandoned         *domain.SettlementIntent

	ResumeTransitionFunc func(ctx context.Context, intent *domain.SettlementIntent) (string, error)
	ResumePayoutFunc     func(ctx context.Context, intent *domain.SettlementIntent) (string, error)
	ResumeCloseFunc      func(ctx context.Context, intent *domain.SettlementIntent, participants []string) error
}

func NewMockOrchestrator() *MockOrchestrator {
	return &MockOrchestrator{Operator: "operator", NextSessionID: "session-next"}
}

func (m *MockOrchestrator) OperatorID() string { return m.Operator }

func (m *MockOrchestrator) OpenInitialSession(ctx context.Context, taskID, payerID string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	m.LastAmount = amount
	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	return m.NextSessionID, nil
}

func (m *MockOrchestrator) TransitionToThreeParty(ctx context.Context, taskID, oldSessionID, payerID, workerID string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransitionCalls++
	m.LastAmount = amount
	if m.TransitionErr != nil {
		return "", m.TransitionErr
	}
	return m.NextSessionID, nil
}

func (m *MockOrchestrator) PayoutToNewParty(ctx context.Context, taskID, oldSessionID, payerID, payeeID string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayoutCalls++
	m.LastPayee = payeeID
	m.LastAmount = amount
	if m.PayoutErr != nil {
		return "", m.PayoutErr
	}
	return m.NextSessionID, nil
}

func (m *MockOrchestrator) CloseSession(ctx context.Context, taskID, sessionID string, participants []string, payeeID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.LastPayee = payeeID
	m.LastParticipants = participants
	m.LastAmount = amount
	return m.CloseErr
}

func (m *MockOrchestrator) CancelInitialSession(ctx context.Context, taskID, sessionID, payerID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	m.LastPayee = payerID
	m.LastAmount = amount
	return m.CancelErr
}

func (m *MockOrchestrator) ResumeTransition(ctx context.Context, intent *domain.SettlementIntent) (string, error) {
	m.mu.Lock()
	m.ResumeTransitionCalls++
	m.mu.Unlock()
	if m.ResumeTransitionFunc != nil {
		return m.ResumeTransitionFunc(ctx, intent)
	}
	return m.NextSessionID, nil
}

func (m *MockOrchestrator) ResumePayout(ctx context.Context, intent *domain.SettlementIntent) (string, error) {
	m.mu.Lock()
	m.ResumePayoutCalls++
	m.mu.Unlock()
	if m.ResumePayoutFunc != nil {
		return m.ResumePayoutFunc(ctx, intent)
	}
	return m.NextSessionID, nil
}

func (m *MockOrchestrator) ResumeClose(ctx context.Context, intent *domain.SettlementIntent, participants []string) error {
	if m.ResumeCloseFunc != nil {
		return m.ResumeCloseFunc(ctx, intent, participants)
	}
	return nil
}

func (m *MockOrchestrator) AbandonIntent(ctx context.Context, intent *domain.SettlementIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbandonCalls++
	cp := *intent
	m.LastAbandoned = &cp
	return m.AbandonErr
}

// SettlementCalls is the total number of money-moving operations issued.
func (m *MockOrchestrator) SettlementCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OpenCalls + m.TransitionCalls + m.PayoutCalls + m.CloseCalls + m.CancelCalls
}

// MockResolver implements DisputeResolver with a fixed outcome.
type MockResolver struct {
	Outcome   arbiter.Outcome
	CallCount int
}

func (m *MockResolver) Resolve(ctx context.Context, t *domain.Task, submissions []*domain.Submission, reason string) arbiter.Outcome {
	m.CallCount++
	if m.Outcome.Resolution == "" {
		return arbiter.Outcome{Resolution: domain.ResolutionCreatorWins}
	}
	return m.Outcome
}
