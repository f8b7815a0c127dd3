// Package generate drives model calls for one request: plain streaming
// generation, vendor-native web search, and the bounded tool-calling
// loop. Every path reports progress as a sequence of Events ending in
// exactly one KindResult.
package generate

import (
	"strings"
	"unicode/utf8"

	"github.com/nugget/mandarin/internal/llm"
)

// EventKind identifies the type of generation event.
type EventKind int

const (
	// KindStatus is a progress message for the UI.
	KindStatus EventKind = iota

	// KindChunk carries a piece of the answer text.
	KindChunk

	// KindResult is the terminal event with the final text and any
	// search metadata.
	KindResult

	// KindEvaluating, KindPassed and KindRetrying report the command
	// evaluator's progress. Attempt is set on each.
	KindEvaluating
	KindPassed
	KindRetrying
)

func (k EventKind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindChunk:
		return "chunk"
	case KindResult:
		return "result"
	case KindEvaluating:
		return "evaluating"
	case KindPassed:
		return "passed"
	case KindRetrying:
		return "retrying"
	}
	return "unknown"
}

// Event is one unit of orchestrator output. Consumers switch on Kind.
type Event struct {
	Kind EventKind

	// Message is set for KindStatus.
	Message string

	// Text is the piece for KindChunk and the whole answer for
	// KindResult.
	Text string

	// WebSearch is set for KindResult.
	WebSearch []llm.WebSearchMeta

	// Attempt numbers evaluator events, starting at 1.
	Attempt int
}

// EmitFunc receives events in order. It runs on the generating
// goroutine and should not block for long.
type EmitFunc func(Event)

func (f EmitFunc) status(msg string) {
	if f != nil {
		f(Event{Kind: KindStatus, Message: msg})
	}
}

func (f EmitFunc) chunk(text string) {
	if f != nil && text != "" {
		f(Event{Kind: KindChunk, Text: text})
	}
}

func (f EmitFunc) result(o *Outcome) {
	if f != nil {
		f(Event{Kind: KindResult, Text: o.Text, WebSearch: o.WebSearch})
	}
}

// Status emits a KindStatus event. It is a no-op on a nil EmitFunc.
func (f EmitFunc) Status(msg string) { f.status(msg) }

// Chunk emits a KindChunk event; empty text is dropped.
func (f EmitFunc) Chunk(text string) { f.chunk(text) }

// Result emits the terminal KindResult event for o.
func (f EmitFunc) Result(o *Outcome) { f.result(o) }

// Progress emits an evaluator event of kind k for attempt.
func (f EmitFunc) Progress(k EventKind, attempt int) {
	if f != nil {
		f(Event{Kind: k, Attempt: attempt})
	}
}

// Outcome is what a generation produced.
type Outcome struct {
	Text      string
	WebSearch []llm.WebSearchMeta

	// Token counts summed over every vendor call made for Text.
	InputTokens  int
	OutputTokens int
}

// AddUsage adds other's token counts to o.
func (o *Outcome) AddUsage(other *Outcome) {
	if other == nil {
		return
	}
	o.InputTokens += other.InputTokens
	o.OutputTokens += other.OutputTokens
}

func (o *Outcome) addResponse(resp *llm.Response) {
	if resp == nil {
		return
	}
	o.InputTokens += resp.InputTokens
	o.OutputTokens += resp.OutputTokens
}

// DefaultChunkSize is the chunk length, in runes, used when none is
// configured.
const DefaultChunkSize = 50

// Chunk splits text into pieces of at most size runes. Joining the
// pieces yields text again. Empty text gives no pieces.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out []string
	for text != "" {
		head := prefixRunes(text, size)
		out = append(out, head)
		text = text[len(head):]
	}
	return out
}

// Rechunker turns arbitrarily sized stream deltas into fixed-size
// chunks. Call Flush once the stream ends to emit the remainder.
type Rechunker struct {
	size    int
	emit    func(string)
	pending strings.Builder
	total   strings.Builder
}

// NewRechunker creates a Rechunker emitting pieces of size runes.
func NewRechunker(size int, emit func(string)) *Rechunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Rechunker{size: size, emit: emit}
}

// Write buffers delta and emits every complete chunk.
func (r *Rechunker) Write(delta string) {
	if delta == "" {
		return
	}
	r.total.WriteString(delta)
	r.pending.WriteString(delta)
	if utf8.RuneCountInString(r.pending.String()) < r.size {
		return
	}

	rest := r.pending.String()
	for utf8.RuneCountInString(rest) >= r.size {
		head := prefixRunes(rest, r.size)
		r.emit(head)
		rest = rest[len(head):]
	}
	r.pending.Reset()
	r.pending.WriteString(rest)
}

// Flush emits whatever is buffered.
func (r *Rechunker) Flush() {
	if r.pending.Len() > 0 {
		r.emit(r.pending.String())
		r.pending.Reset()
	}
}

// Text returns everything written so far.
func (r *Rechunker) Text() string { return r.total.String() }

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
