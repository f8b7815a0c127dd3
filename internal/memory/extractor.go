package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mandarin/internal/embeddings"
	"github.com/nugget/mandarin/internal/library"
	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/prompts"
)

const (
	// MinFactLength is the shortest reply the extractor will store.
	MinFactLength = 10

	// DuplicateSimilarity is the cosine similarity at or above which a
	// candidate counts as already known.
	DuplicateSimilarity = 0.9

	existingTopK  = 8
	duplicateTopK = 5
)

// Completer makes one plain model call.
type Completer interface {
	Complete(ctx context.Context, modelID string, msgs []llm.Message) (string, error)
}

// ContextSource supplies the user's context documents.
type ContextSource interface {
	Contexts() []library.Context
	ContextsByID(ids []string) []*library.Context
}

// Turn is one finished exchange offered to the extractor.
type Turn struct {
	User       string
	Assistant  string
	ContextIDs []string
}

// ExtractorConfig tunes the extractor.
type ExtractorConfig struct {
	// Timeout bounds one extraction including the model call.
	Timeout time.Duration

	// Threshold is the minimum similarity for an existing memory to be
	// shown to the model as already known.
	Threshold float32
}

// Extractor asks a small model whether the last turn taught us a lasting
// fact about the user and stores it when it is new. It runs after the
// reply is delivered and is best-effort: failures are logged, never
// returned to the request.
type Extractor struct {
	store    *Store
	gen      Completer
	contexts ContextSource
	prompts  *prompts.Loader
	model    func() string
	logger   *slog.Logger
	cfg      ExtractorConfig

	wg sync.WaitGroup
}

// NewExtractor creates an extractor. model is consulted on every run so
// credential changes move the pick to an available model.
func NewExtractor(store *Store, gen Completer, contexts ContextSource, loader *prompts.Loader, model func() string, logger *slog.Logger, cfg ExtractorConfig) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Extractor{
		store:    store,
		gen:      gen,
		contexts: contexts,
		prompts:  loader,
		model:    model,
		logger:   logger.With("component", "memory_extractor"),
		cfg:      cfg,
	}
}

// Launch runs Extract on a detached goroutine with its own deadline.
// Nothing it does can reach the caller.
func (e *Extractor) Launch(t Turn) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("memory extraction panicked", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		defer cancel()

		if _, err := e.Extract(ctx, t); err != nil {
			e.logger.Warn("memory extraction failed", "error", err)
		}
	}()
}

// Wait blocks until launched extractions finish.
func (e *Extractor) Wait() { e.wg.Wait() }

// Extract runs one extraction synchronously. It returns the stored
// memory, or nil when nothing was worth keeping.
func (e *Extractor) Extract(ctx context.Context, t Turn) (*Memory, error) {
	modelID := ""
	if e.model != nil {
		modelID = e.model()
	}
	if modelID == "" {
		e.logger.Debug("no small model available, skipping extraction")
		return nil, nil
	}

	prompt := prompts.MemoryExtractionPrompt(
		e.prompts.Load(prompts.NameMemory),
		e.existingMemories(ctx, t.User),
		e.turnContexts(t.ContextIDs),
		t.User, t.Assistant,
	)
	raw, err := e.gen.Complete(ctx, modelID, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	fact, ok := Candidate(raw)
	if !ok {
		e.logger.Debug("nothing worth remembering", "model", modelID)
		return nil, nil
	}
	if e.duplicate(ctx, fact) {
		e.logger.Debug("extracted fact already known", "fact", fact)
		return nil, nil
	}

	m, err := e.store.Create(ctx, fact, nil)
	if err != nil {
		return nil, err
	}
	e.logger.Info("memory extracted", "id", m.ID, "model", modelID)
	return m, nil
}

// Candidate applies the reply filters: empty, shorter than
// MinFactLength, containing NOTHING, ending in a question mark, or a
// bare YES/NO all mean there is nothing to store.
func Candidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", false
	case len(s) < MinFactLength:
		return "", false
	case strings.Contains(strings.ToUpper(s), "NOTHING"):
		return "", false
	case strings.HasSuffix(s, "?"):
		return "", false
	case strings.EqualFold(s, "yes"), strings.EqualFold(s, "no"):
		return "", false
	}
	return s, true
}

func (e *Extractor) existingMemories(ctx context.Context, userText string) []string {
	hits, err := e.store.Query(ctx, userText, existingTopK, e.cfg.Threshold)
	if err != nil {
		e.logger.Debug("existing memory lookup failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Content)
	}
	return out
}

func (e *Extractor) turnContexts(ids []string) []prompts.NamedText {
	if e.contexts == nil || len(ids) == 0 {
		return nil
	}
	var out []prompts.NamedText
	for _, c := range e.contexts.ContextsByID(ids) {
		out = append(out, prompts.NamedText{Name: c.Name, Text: c.Text})
	}
	return out
}

// duplicate reports whether fact repeats a stored memory or appears in
// any context document.
func (e *Extractor) duplicate(ctx context.Context, fact string) bool {
	hits, err := e.store.Query(ctx, fact, duplicateTopK, DuplicateSimilarity)
	if err == nil && len(hits) > 0 {
		return true
	}

	if e.contexts == nil {
		return false
	}
	var factVec []float32
	for _, c := range e.contexts.Contexts() {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if factVec == nil && e.store.embedder != nil {
			factVec, _ = e.store.embedder.Embed(ctx, fact)
		}
		if e.similarTo(ctx, fact, factVec, text) {
			return true
		}
	}
	return false
}

// similarTo compares by embedding when possible and falls back to a
// case-insensitive containment check in either direction.
func (e *Extractor) similarTo(ctx context.Context, fact string, factVec []float32, text string) bool {
	if factVec != nil {
		if vec, err := e.store.embedder.Embed(ctx, text); err == nil {
			return embeddings.CosineSimilarity(factVec, vec) >= DuplicateSimilarity
		}
	}
	f := strings.ToLower(strings.TrimSpace(fact))
	t := strings.ToLower(text)
	return strings.Contains(t, f) || strings.Contains(f, t)
}
