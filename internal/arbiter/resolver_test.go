package arbiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/domain"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// stubOracle returns a fixed answer or error.
type stubOracle struct {
	answer     string
	err        error
	lastSystem string
	lastUser   string
}

func (s *stubOracle) Ask(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.lastSystem = systemPrompt
	s.lastUser = userPrompt
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func disputedTask() *domain.Task {
	return &domain.Task{
		ID:          "task-1",
		CreatorID:   "alice",
		AcceptorID:  "bob",
		Description: "write the docs",
		Status:      domain.TaskStatusDisputed,
	}
}

func taskSubmissions() []*domain.Submission {
	return []*domain.Submission{
		{ID: "sub-1", TaskID: "task-1", WorkerID: "bob", Evidence: "docs written"},
	}
}

// =============================================================================
// Test: Resolve
// =============================================================================

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("Given the oracle answers creator_wins Then the creator wins", func(t *testing.T) {
		// Given
		oracle := &stubOracle{answer: "creator_wins"}
		r := NewResolver(oracle, testLogger())

		// When
		outcome := r.Resolve(ctx, disputedTask(), taskSubmissions(), "not good enough")

		// Then
		if outcome.Resolution != domain.ResolutionCreatorWins {
			t.Errorf("expected creator_wins, got %s", outcome.Resolution)
		}
		if outcome.WinningSubmissionID != "" {
			t.Errorf("expected no winning submission, got %q", outcome.WinningSubmissionID)
		}
	})

	t.Run("Given the oracle answers acceptor_wins with a valid id Then the acceptor wins with that submission", func(t *testing.T) {
		// Given
		oracle := &stubOracle{answer: "acceptor_wins:sub-1"}
		r := NewResolver(oracle, testLogger())

		// When
		outcome := r.Resolve(ctx, disputedTask(), taskSubmissions(), "not good enough")

		// Then
		if outcome.Resolution != domain.ResolutionAcceptorWins {
			t.Errorf("expected acceptor_wins, got %s", outcome.Resolution)
		}
		if outcome.WinningSubmissionID != "sub-1" {
			t.Errorf("expected sub-1, got %q", outcome.WinningSubmissionID)
		}
	})

	t.Run("Given no oracle is configured Then the creator wins", func(t *testing.T) {
		// Given
		r := NewResolver(nil, testLogger())

		// When
		outcome := r.Resolve(ctx, disputedTask(), taskSubmissions(), "whatever")

		// Then
		if outcome.Resolution != domain.ResolutionCreatorWins {
			t.Errorf("expected creator_wins, got %s", outcome.Resolution)
		}
	})

	t.Run("Given the oracle fails Then the creator wins", func(t *testing.T) {
		// Given
		oracle := &stubOracle{err: errors.New("connection refused")}
		r := NewResolver(oracle, testLogger())

		// When
		outcome := r.Resolve(ctx, disputedTask(), taskSubmissions(), "whatever")

		// Then
		if outcome.Resolution != domain.ResolutionCreatorWins {
			t.Errorf("expected creator_wins on oracle failure, got %s", outcome.Resolution)
		}
	})

	t.Run("Given the oracle names a submission of another task Then the creator wins", func(t *testing.T) {
		// Given
		oracle := &stubOracle{answer: "acceptor_wins:sub-foreign"}
		r := NewResolver(oracle, testLogger())

		// When
		outcome := r.Resolve(ctx, disputedTask(), taskSubmissions(), "whatever")

		// Then
		if outcome.Resolution != domain.ResolutionCreatorWins {
			t.Errorf("expected creator_wins on foreign submission, got %s", outcome.Resolution)
		}
	})

	t.Run("Given an unparseable oracle answer Then the creator wins", func(t *testing.T) {
		// Given
		oracle := &stubOracle{answer: "I think the worker did a great job overall."}
		r := NewResolver(oracle, testLogger())

		// When
		outcome := r.Resolve(ctx, disputedTask(), taskSubmissions(), "whatever")

		// Then
		if outcome.Resolution != domain.ResolutionCreatorWins {
			t.Errorf("expected creator_wins on garbage answer, got %s", outcome.Resolution)
		}
	})

	t.Run("Given submissions exist Then the prompt carries their ids and the dispute reason", func(t *testing.T) {
		// Given
		oracle := &stubOracle{answer: "creator_wins"}
		r := NewResolver(oracle, testLogger())

		// When
		r.Resolve(ctx, disputedTask(), taskSubmissions(), "missing chapter three")

		// Then
		if !strings.Contains(oracle.lastUser, "sub-1") {
			t.Error("prompt must list the submission id")
		}
		if !strings.Contains(oracle.lastUser, "missing chapter three") {
			t.Error("prompt must carry the dispute reason")
		}
		if !strings.Contains(oracle.lastSystem, "acceptor_wins:<submission_id>") {
			t.Error("system prompt must pin the answer format")
		}
	})
}

// =============================================================================
// Test: parseAnswer
// =============================================================================

func TestParseAnswer(t *testing.T) {
	t.Run("Given well-formed answers Then they parse", func(t *testing.T) {
		cases := []struct {
			answer string
			want   Outcome
		}{
			{"creator_wins", Outcome{Resolution: domain.ResolutionCreatorWins}},
			{"  creator_wins \n", Outcome{Resolution: domain.ResolutionCreatorWins}},
			{"acceptor_wins:sub-9", Outcome{Resolution: domain.ResolutionAcceptorWins, WinningSubmissionID: "sub-9"}},
			{"acceptor_wins: sub-9 ", Outcome{Resolution: domain.ResolutionAcceptorWins, WinningSubmissionID: "sub-9"}},
			{"```\ncreator_wins\n```", Outcome{Resolution: domain.ResolutionCreatorWins}},
			{"creator_wins\nBecause the work was incomplete.", Outcome{Resolution: domain.ResolutionCreatorWins}},
		}
		for _, tc := range cases {
			got, err := parseAnswer(tc.answer)
			if err != nil {
				t.Errorf("parseAnswer(%q) failed: %v", tc.answer, err)
				continue
			}
			if got != tc.want {
				t.Errorf("parseAnswer(%q) = %+v, want %+v", tc.answer, got, tc.want)
			}
		}
	})

	t.Run("Given malformed answers Then they are rejected", func(t *testing.T) {
		cases := []string{
			"",
			"acceptor_wins",
			"acceptor_wins:",
			"the creator wins",
			"creator_wins acceptor_wins:sub-1",
			"CREATOR_WINS",
		}
		for _, answer := range cases {
			if _, err := parseAnswer(answer); err == nil {
				t.Errorf("parseAnswer(%q) should have failed", answer)
			}
		}
	})
}

// =============================================================================
// Test: buildUserPrompt
// =============================================================================

func TestBuildUserPrompt(t *testing.T) {
	t.Run("Given oversized evidence Then it is truncated per submission", func(t *testing.T) {
		// Given
		big := strings.Repeat("x", maxEvidenceLen+500)
		subs := []*domain.Submission{{ID: "sub-1", TaskID: "task-1", WorkerID: "bob", Evidence: big}}

		// When
		prompt := buildUserPrompt(disputedTask(), subs, "too long")

		// Then
		if strings.Contains(prompt, big) {
			t.Error("evidence must be truncated")
		}
		if !strings.Contains(prompt, "sub-1") {
			t.Error("prompt must still carry the submission id")
		}
	})

	t.Run("Given multi-byte evidence at the cut point Then no rune is split", func(t *testing.T) {
		// Given: é is two bytes, so a byte-indexed cut at an odd limit would
		// land mid-sequence.
		big := strings.Repeat("é", maxEvidenceLen)

		// When
		got := truncateEvidence(big)

		// Then
		if !utf8.ValidString(got) {
			t.Fatal("truncated evidence must remain valid UTF-8")
		}
		if len(got) > maxEvidenceLen+len("…") {
			t.Errorf("expected at most %d bytes plus the ellipsis, got %d", maxEvidenceLen, len(got))
		}
	})

	t.Run("Given evidence within the limit Then it passes through untouched", func(t *testing.T) {
		if got := truncateEvidence("short"); got != "short" {
			t.Errorf("expected unchanged evidence, got %q", got)
		}
	})

	t.Run("Given no submissions Then the prompt says so", func(t *testing.T) {
		prompt := buildUserPrompt(disputedTask(), nil, "nothing delivered")
		if !strings.Contains(prompt, "Submissions: none") {
			t.Errorf("expected explicit empty-submission marker, got %q", prompt)
		}
	})
}
