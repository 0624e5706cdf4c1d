// Package arbiter consults an external arbitration oracle when a task
// creator disputes submitted work. The oracle's nondeterminism stays inside
// this package: the state machine always receives exactly one of two
// well-formed outcomes, and every failure path collapses to creator_wins.
package arbiter

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/domain"
)

const (
	answerCreatorWins  = "creator_wins"
	answerAcceptorWins = "acceptor_wins"
	maxEvidenceLen     = 2000
	resolveTimeout     = 30 * time.Second
)

// Oracle is the pluggable arbitration backend.
// Implementations: AnthropicClient
type Oracle interface {
	Ask(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Outcome is the resolver's verdict. WinningSubmissionID is set only when the
// acceptor wins.
type Outcome struct {
	Resolution          domain.Resolution
	WinningSubmissionID string
}

// Resolver maps a dispute to a settlement outcome.
type Resolver struct {
	log    *logrus.Logger
	oracle Oracle
}

// NewResolver creates a resolver. A nil oracle is allowed and means every
// dispute resolves to creator_wins.
func NewResolver(oracle Oracle, log *logrus.Logger) *Resolver {
	return &Resolver{log: log, oracle: oracle}
}

// Resolve asks the oracle to arbitrate. Fail-closed: a missing oracle, a
// transport failure, a timeout, an unparseable answer, or a submission id
// that does not belong to the task all resolve to creator_wins.
func (r *Resolver) Resolve(ctx context.Context, task *domain.Task, submissions []*domain.Submission, reason string) Outcome {
	const op = "arbiter.Resolver.Resolve"
	log := r.log.WithField("operation", op).WithField("task_id", task.ID)

	creatorWins := Outcome{Resolution: domain.ResolutionCreatorWins}

	if r.oracle == nil {
		log.Warn("no arbitration oracle configured; defaulting to creator_wins")
		return creatorWins
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	answer, err := r.oracle.Ask(ctx, systemPrompt, buildUserPrompt(task, submissions, reason))
	if err != nil {
		log.WithError(err).Warn("oracle unavailable; defaulting to creator_wins")
		return creatorWins
	}

	outcome, err := parseAnswer(answer)
	if err != nil {
		log.WithError(err).Warn("oracle answer unparseable; defaulting to creator_wins")
		return creatorWins
	}

	if outcome.Resolution == domain.ResolutionAcceptorWins {
		if !submissionBelongsToTask(outcome.WinningSubmissionID, task.ID, submissions) {
			log.WithField("submission_id", outcome.WinningSubmissionID).
				Warn("oracle referenced a foreign submission; defaulting to creator_wins")
			return creatorWins
		}
	}

	log.WithField("resolution", outcome.Resolution).Info("dispute arbitrated")
	return outcome
}

const systemPrompt = `You are an impartial arbiter for a paid-task escrow service. A task creator has disputed submitted work. Decide who should receive the escrowed payment.

Answer with EXACTLY ONE line in one of these two forms and nothing else:
creator_wins
acceptor_wins:<submission_id>

Use acceptor_wins only when a listed submission genuinely fulfils the task description; reference that submission's id.`

// buildUserPrompt assembles the bounded dispute context.
func buildUserPrompt(task *domain.Task, submissions []*domain.Submission, reason string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task description:\n%s\n\n", task.Description)
	fmt.Fprintf(&b, "Dispute reason from the creator:\n%s\n\n", reason)

	if len(submissions) == 0 {
		b.WriteString("Submissions: none\n")
		return b.String()
	}

	b.WriteString("Submissions:\n")
	for _, sub := range submissions {
		fmt.Fprintf(&b, "- id=%s worker=%s\n  %s\n", sub.ID, sub.WorkerID, truncateEvidence(sub.Evidence))
	}
	return b.String()
}

// truncateEvidence bounds one submission's evidence so a hostile payload
// cannot blow out the request. Cuts on a rune boundary, never mid-sequence.
func truncateEvidence(evidence string) string {
	if len(evidence) <= maxEvidenceLen {
		return evidence
	}
	cut := maxEvidenceLen
	for cut > 0 && !utf8.RuneStart(evidence[cut]) {
		cut--
	}
	return evidence[:cut] + "…"
}

// parseAnswer accepts exactly the two structured forms, tolerating
// surrounding whitespace and markdown fences.
func parseAnswer(answer string) (Outcome, error) {
	cleaned := strings.TrimSpace(answer)
	if strings.HasPrefix(cleaned, "```") {
		if idx := strings.Index(cleaned, "\n"); idx >= 0 {
			cleaned = cleaned[idx+1:]
		}
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	// Only the first line counts; anything after it is commentary we did not
	// ask for.
	if idx := strings.IndexByte(cleaned, '\n'); idx >= 0 {
		cleaned = strings.TrimSpace(cleaned[:idx])
	}

	if cleaned == answerCreatorWins {
		return Outcome{Resolution: domain.ResolutionCreatorWins}, nil
	}

	if rest, ok := strings.CutPrefix(cleaned, answerAcceptorWins+":"); ok {
		id := strings.TrimSpace(rest)
		if id == "" {
			return Outcome{}, fmt.Errorf("acceptor_wins without a submission id")
		}
		return Outcome{Resolution: domain.ResolutionAcceptorWins, WinningSubmissionID: id}, nil
	}

	return Outcome{}, fmt.Errorf("unrecognized oracle answer: %q", answer)
}

func submissionBelongsToTask(submissionID, taskID string, submissions []*domain.Submission) bool {
	for _, sub := range submissions {
		if sub.ID == submissionID && sub.TaskID == taskID {
			return true
		}
	}
	return false
}
