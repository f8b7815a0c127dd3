// Package evaluate runs commands that carry success criteria. Each
// attempt is generated in full, judged by a second model call, and
// either delivered or retried with the judge's feedback.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nugget/mandarin/internal/generate"
	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/prompts"
	"github.com/nugget/mandarin/internal/searchmode"
)

// ExecutingStatus is emitted once before the first attempt.
const ExecutingStatus = "Completing task..."

// Defaults used when Config leaves a field zero.
const (
	DefaultAttempts    = 3
	DefaultEvalRetries = 3
	DefaultTimeout     = 60 * time.Second
)

// Feedback strings for verdicts the judge never actually gave.
const (
	NoResponseFeedback = "Evaluation returned no response."
	FailedFeedback     = "Evaluation failed after multiple attempts"
)

// ErrEvaluationTimeout is returned by a judge call that ran past its
// deadline.
var ErrEvaluationTimeout = errors.New("evaluation timed out")

// Generator is the slice of *generate.Generator the evaluator drives.
type Generator interface {
	Run(ctx context.Context, mode searchmode.Mode, modelID string, msgs []llm.Message, emit generate.EmitFunc) (*generate.Outcome, error)
	Complete(ctx context.Context, modelID string, msgs []llm.Message) (string, error)
}

// Task is a command with success criteria. Sections come from the
// command's markdown body; the web search fields from its frontmatter.
type Task struct {
	Task             string
	SuccessCriteria  string
	Guidelines       string
	WebSearchEnabled bool
	WebSearchMode    string
}

// Verdict is the judge's decision on one attempt.
type Verdict struct {
	Passed   bool
	Feedback string
}

// Request is one command invocation.
type Request struct {
	Model string

	// History is everything before the user's turn, system prompt
	// included. It is not modified.
	History []llm.Message

	// UserInstructions is the user's text after the /command name.
	UserInstructions string

	Task Task

	// Chat supplies the search mode a command inherits when it only
	// says web search is enabled.
	Chat searchmode.Chat
}

// Config tunes an Evaluator.
type Config struct {
	Attempts    int
	EvalRetries int
	Timeout     time.Duration
}

// Evaluator runs the generate, evaluate, retry loop.
type Evaluator struct {
	gen     Generator
	prompts *prompts.Loader
	cfg     Config
	logger  *slog.Logger
}

// New creates an Evaluator. Each run gets its own single judge slot, so
// a hung judge call in one request never delays another.
func New(gen Generator, loader *prompts.Loader, logger *slog.Logger, cfg Config) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.EvalRetries <= 0 {
		cfg.EvalRetries = DefaultEvalRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Evaluator{
		gen:     gen,
		prompts: loader,
		cfg:     cfg,
		logger:  logger.With("component", "evaluate"),
	}
}

// Run executes req. Status events pass straight through to emit; an
// attempt's chunks are held back until it passes or the attempts run
// out, so the caller only ever sees the delivered attempt's text.
// Exactly one KindResult ends a successful run.
func (e *Evaluator) Run(ctx context.Context, req Request, emit generate.EmitFunc) (*generate.Outcome, error) {
	mode := searchmode.Resolve(&searchmode.Command{
		Mode:    req.Task.WebSearchMode,
		Enabled: req.Task.WebSearchEnabled,
	}, req.Chat)

	emit.Status(ExecutingStatus)

	var feedback string
	var spent generate.Outcome
	sem := semaphore.NewWeighted(1)
	for attempt := 1; ; attempt++ {
		out, chunks, err := e.execute(ctx, req, mode, feedback, emit)
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		spent.AddUsage(out)

		emit.Progress(generate.KindEvaluating, attempt)
		v := e.judge(ctx, sem, req, out.Text)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.logger.Debug("attempt evaluated", "attempt", attempt, "passed", v.Passed)

		if v.Passed || attempt >= e.cfg.Attempts {
			for _, c := range chunks {
				emit.Chunk(c)
			}
			if v.Passed {
				emit.Progress(generate.KindPassed, attempt)
			} else {
				e.logger.Info("command failed evaluation on every attempt, delivering last", "attempts", attempt)
			}
			// Discarded attempts were paid for too.
			out.InputTokens, out.OutputTokens = spent.InputTokens, spent.OutputTokens
			emit.Result(out)
			return out, nil
		}

		feedback = v.Feedback
		emit.Progress(generate.KindRetrying, attempt+1)
	}
}

// execute generates one attempt. Status events are forwarded; chunks
// are returned for later delivery and the inner result is swallowed.
func (e *Evaluator) execute(ctx context.Context, req Request, mode searchmode.Mode, feedback string, emit generate.EmitFunc) (*generate.Outcome, []string, error) {
	content := prompts.TaskPrompt(e.prompts.Load(prompts.NameTask),
		req.Task.Task, req.Task.Guidelines, req.UserInstructions, feedback)

	msgs := make([]llm.Message, len(req.History), len(req.History)+1)
	copy(msgs, req.History)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: content})

	var chunks []string
	buffer := func(ev generate.Event) {
		switch ev.Kind {
		case generate.KindChunk:
			chunks = append(chunks, ev.Text)
		case generate.KindResult:
		default:
			emit(ev)
		}
	}
	out, err := e.gen.Run(ctx, mode, req.Model, msgs, buffer)
	if err != nil {
		return nil, nil, err
	}
	return out, chunks, nil
}

// judge evaluates one attempt, retrying failed or timed-out judge calls.
// It never fails: exhausting the retries yields a failing verdict.
func (e *Evaluator) judge(ctx context.Context, sem *semaphore.Weighted, req Request, response string) Verdict {
	prompt := prompts.EvaluationPrompt(e.prompts.Load(prompts.NameEvaluation), prompts.Evaluation{
		Task:              req.Task.Task,
		SuccessCriteria:   req.Task.SuccessCriteria,
		Guidelines:        req.Task.Guidelines,
		UserInstructions:  req.UserInstructions,
		AssistantResponse: response,
	})

	for try := 1; try <= e.cfg.EvalRetries; try++ {
		v, err := e.evaluateOnce(ctx, sem, req.Model, prompt)
		if err == nil {
			return v
		}
		if ctx.Err() != nil {
			break
		}
		e.logger.Warn("evaluation call failed", "try", try, "error", err)
	}
	return Verdict{Passed: false, Feedback: FailedFeedback}
}

// evaluateOnce makes one judge call. The timeout covers waiting for the
// slot as well as the call itself.
func (e *Evaluator) evaluateOnce(ctx context.Context, sem *semaphore.Weighted, model, prompt string) (Verdict, error) {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var raw string
	err := sem.Acquire(tctx, 1)
	if err == nil {
		raw, err = e.gen.Complete(tctx, model, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
		sem.Release(1)
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Verdict{}, fmt.Errorf("%w after %s", ErrEvaluationTimeout, e.cfg.Timeout)
	}
	if err != nil {
		return Verdict{}, err
	}
	return ParseVerdict(raw), nil
}

// ParseVerdict reads a judge reply. Whichever of YES and NO occurs
// first, case-insensitively and anywhere in the text, decides; a reply
// with neither fails. The trimmed reply is the feedback.
func ParseVerdict(raw string) Verdict {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Verdict{Passed: false, Feedback: NoResponseFeedback}
	}
	upper := strings.ToUpper(raw)
	yes := strings.Index(upper, "YES")
	no := strings.Index(upper, "NO")

	var passed bool
	switch {
	case yes < 0:
		passed = false
	case no < 0:
		passed = true
	default:
		passed = yes < no
	}
	return Verdict{Passed: passed, Feedback: raw}
}
