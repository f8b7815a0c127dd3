package chat

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mandarin/internal/evaluate"
	"github.com/nugget/mandarin/internal/generate"
	"github.com/nugget/mandarin/internal/library"
	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/memory"
	"github.com/nugget/mandarin/internal/searchmode"
	"github.com/nugget/mandarin/internal/store"
	"github.com/nugget/mandarin/internal/usage"
	_ "modernc.org/sqlite"
)

type fakeGen struct {
	mu      sync.Mutex
	reply   string
	err     error
	title   string
	runs    int
	mode    searchmode.Mode
	model   string
	msgs    []llm.Message
	titleOf []string
	tokens  int
}

func (f *fakeGen) Run(ctx context.Context, mode searchmode.Mode, modelID string, msgs []llm.Message, emit generate.EmitFunc) (*generate.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	f.mode = mode
	f.model = modelID
	f.msgs = msgs
	emit.Chunk(f.reply)
	out := &generate.Outcome{Text: f.reply, InputTokens: f.tokens, OutputTokens: f.tokens}
	if f.err != nil {
		return out, f.err
	}
	emit.Result(out)
	return out, nil
}

func (f *fakeGen) Complete(ctx context.Context, modelID string, msgs []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleOf = append(f.titleOf, msgs[0].Content)
	if f.title == "" {
		return "", errors.New("namer down")
	}
	return f.title, nil
}

type fakeEval struct {
	req   *evaluate.Request
	reply string
}

func (f *fakeEval) Run(ctx context.Context, req evaluate.Request, emit generate.EmitFunc) (*generate.Outcome, error) {
	f.req = &req
	emit.Progress(generate.KindEvaluating, 1)
	emit.Progress(generate.KindPassed, 1)
	return &generate.Outcome{Text: f.reply}, nil
}

type fakeModels struct {
	namer string
}

func (f fakeModels) Available(id string) bool { return strings.HasPrefix(id, "openai/") }

func (f fakeModels) ChatNamerModel(configured string) string { return f.namer }

type fakeUsage struct {
	recs []usage.Record
}

func (f *fakeUsage) Record(ctx context.Context, rec usage.Record) error {
	f.recs = append(f.recs, rec)
	return nil
}

type fakeExtractor struct {
	turns []memory.Turn
}

func (f *fakeExtractor) Launch(t memory.Turn) { f.turns = append(f.turns, t) }

type harness struct {
	svc     *Service
	store   *store.Store
	lib     *library.Library
	mem     *memory.Store
	gen     *fakeGen
	eval    *fakeEval
	extract *fakeExtractor
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openTestDB(t)
	st, err := store.NewStore(db)
	if err != nil {
		t.Fatalf("chat store: %v", err)
	}
	mem, err := memory.NewStore(db, nil, nil)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	lib, err := library.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	h := &harness{
		store:   st,
		lib:     lib,
		mem:     mem,
		gen:     &fakeGen{reply: "Hi there!", title: "Greeting"},
		eval:    &fakeEval{reply: "evaluated answer"},
		extract: &fakeExtractor{},
	}
	h.svc = New(Deps{
		Store:     st,
		Library:   lib,
		Memory:    mem,
		Extractor: h.extract,
		Generator: h.gen,
		Evaluator: h.eval,
		Models:    fakeModels{namer: "openai/gpt-5-nano"},
	}, Config{UserName: "Dana", Location: time.UTC, SimilarityThreshold: 0.3}, nil)
	h.svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	return h
}

func (h *harness) newChat(t *testing.T, opts store.ChatOptions) *store.Chat {
	t.Helper()
	c, err := h.store.CreateChat(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (h *harness) send(t *testing.T, chatID, content string) (*Reply, []generate.Event) {
	t.Helper()
	ctx := context.Background()
	turn, err := h.svc.PrepareSend(ctx, chatID, SendRequest{Content: content, ModelID: "openai/gpt-5"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var events []generate.Event
	reply, err := h.svc.Execute(ctx, turn, func(ev generate.Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return reply, events
}

func TestPrepareSend_Validation(t *testing.T) {
	h := newHarness(t)
	c := h.newChat(t, store.ChatOptions{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
		want string
	}{
		{"empty content", SendRequest{Content: "  ", ModelID: "openai/gpt-5"}, "content is required"},
		{"unknown command", SendRequest{Content: "/nope do it", ModelID: "openai/gpt-5"},
			"Command /nope not found. Please retry with a valid command or without a command."},
		{"missing model", SendRequest{Content: "hi"}, "model_id is required"},
		{"unavailable model", SendRequest{Content: "hi", ModelID: "google/gemini-x"}, "model not available"},
		{"bad attachment", SendRequest{Content: "hi", ModelID: "openai/gpt-5",
			Attachments: []Upload{{Filename: "a.exe", Data: "aGk="}}}, "File type not allowed: a.exe (extension .exe)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.PrepareSend(ctx, c.ID, tt.req)
			var ie *InputError
			if !errors.As(err, &ie) {
				t.Fatalf("error = %v, want InputError", err)
			}
			if ie.Msg != tt.want {
				t.Errorf("message = %q, want %q", ie.Msg, tt.want)
			}
		})
	}

	if n, _ := h.store.CountMessages(ctx, c.ID); n != 0 {
		t.Errorf("rejected requests stored %d messages", n)
	}

	_, err := h.svc.PrepareSend(ctx, "missing", SendRequest{Content: "hi", ModelID: "openai/gpt-5"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing chat error = %v", err)
	}
}

func TestSend_StoresReplyAndNamesChat(t *testing.T) {
	h := newHarness(t)
	c := h.newChat(t, store.ChatOptions{})
	ctx := context.Background()

	reply, events := h.send(t, c.ID, "Hello there")
	if reply.Text != "Hi there!" || reply.Title != "Greeting" {
		t.Errorf("reply = %+v", reply)
	}
	if len(events) == 0 || events[len(events)-1].Kind != generate.KindResult {
		t.Errorf("events = %+v", events)
	}

	msgs, _ := h.store.Messages(ctx, c.ID)
	if len(msgs) != 2 || msgs[0].Role != llm.RoleUser || msgs[1].ID != reply.MessageID {
		t.Fatalf("stored messages = %+v", msgs)
	}
	got, _ := h.store.GetChat(ctx, c.ID)
	if got.Title != "Greeting" {
		t.Errorf("chat title = %q", got.Title)
	}

	sent := h.gen.msgs
	if sent[0].Role != llm.RoleSystem || !strings.HasPrefix(sent[0].Content, "# Role") {
		t.Errorf("system message = %+v", sent[0])
	}
	if last := sent[len(sent)-1]; last.Role != llm.RoleUser || last.Content != "Hello there" {
		t.Errorf("last message = %+v", last)
	}
	if h.gen.mode != searchmode.Off {
		t.Errorf("mode = %v, want off", h.gen.mode)
	}

	if len(h.extract.turns) != 1 || h.extract.turns[0].Assistant != "Hi there!" {
		t.Errorf("extractor turns = %+v", h.extract.turns)
	}

	// Later turns keep the title and replay the history.
	h.gen.title = "Other"
	reply, _ = h.send(t, c.ID, "And again")
	if reply.Title != "Greeting" {
		t.Errorf("title changed to %q", reply.Title)
	}
	if len(h.gen.msgs) != 4 || h.gen.msgs[2].Content != "Hi there!" {
		t.Errorf("history = %+v", h.gen.msgs)
	}
}

func TestSend_TitleFallsBackWhenNamerFails(t *testing.T) {
	h := newHarness(t)
	h.gen.title = ""
	c := h.newChat(t, store.ChatOptions{})

	reply, _ := h.send(t, c.ID, "Plan a\nweekend in the mountains with lots of hiking")
	if reply.Title != "Plan a weekend in the mountains with lot" {
		t.Errorf("title = %q", reply.Title)
	}
}

func TestSend_PlainCommandWrapsMessage(t *testing.T) {
	h := newHarness(t)
	if _, err := h.lib.PutContext("house", "# House\nThe roof is slate."); err != nil {
		t.Fatal(err)
	}
	if _, err := h.lib.PutCommand(library.Command{ID: "tldr", Body: "Summarize briefly.", ContextIDs: []string{"house"}}); err != nil {
		t.Fatal(err)
	}
	c := h.newChat(t, store.ChatOptions{})

	h.send(t, c.ID, "/tldr the long text")

	last := h.gen.msgs[len(h.gen.msgs)-1]
	want := "Command instructions:\nSummarize briefly.\n\nUser message: the long text"
	if last.Content != want {
		t.Errorf("user message = %q, want %q", last.Content, want)
	}
	if !strings.Contains(h.gen.msgs[0].Content, "## Context: House") {
		t.Errorf("command context missing from system prompt:\n%s", h.gen.msgs[0].Content)
	}

	msgs, _ := h.store.Messages(context.Background(), c.ID)
	if msgs[0].Content != "/tldr the long text" {
		t.Errorf("stored user content = %q", msgs[0].Content)
	}
	if h.extract.turns[0].User != "/tldr the long text" {
		t.Errorf("extracted user text = %q", h.extract.turns[0].User)
	}
}

func TestSend_EvaluatedCommandUsesEvaluator(t *testing.T) {
	h := newHarness(t)
	_, err := h.lib.PutCommand(library.Command{
		ID:              "haiku",
		Task:            "Write a haiku.",
		SuccessCriteria: "Three lines.",
		WebSearchMode:   "tool",
	})
	if err != nil {
		t.Fatal(err)
	}
	c := h.newChat(t, store.ChatOptions{WebSearchEnabled: true, WebSearchMode: "native"})

	reply, events := h.send(t, c.ID, "/haiku about rain")
	if reply.Text != "evaluated answer" {
		t.Errorf("reply = %q", reply.Text)
	}
	if h.gen.runs != 0 {
		t.Error("plain generation ran for an evaluated command")
	}
	req := h.eval.req
	if req == nil || req.UserInstructions != "about rain" || req.Task.Task != "Write a haiku." {
		t.Fatalf("evaluator request = %+v", req)
	}
	if req.Task.WebSearchMode != "tool" || req.Chat.Mode != "native" || !req.Chat.Enabled {
		t.Errorf("search preferences = %+v / %+v", req.Task, req.Chat)
	}
	for _, m := range req.History {
		if m.Role == llm.RoleUser {
			t.Errorf("current user message leaked into history: %+v", m)
		}
	}
	if len(events) < 2 || events[0].Kind != generate.KindEvaluating {
		t.Errorf("events = %+v", events)
	}
}

func TestSend_ChatSearchMode(t *testing.T) {
	h := newHarness(t)
	c := h.newChat(t, store.ChatOptions{WebSearchEnabled: true, WebSearchMode: "native"})
	h.send(t, c.ID, "news today?")
	if h.gen.mode != searchmode.Native {
		t.Errorf("mode = %v, want native", h.gen.mode)
	}
}

func TestExecute_StoresPartialReply(t *testing.T) {
	h := newHarness(t)
	h.gen.reply = "half an ans"
	h.gen.err = errors.New("stream reset")
	c := h.newChat(t, store.ChatOptions{})
	ctx := context.Background()

	turn, err := h.svc.PrepareSend(ctx, c.ID, SendRequest{Content: "question", ModelID: "openai/gpt-5"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Execute(ctx, turn, func(generate.Event) {}); err == nil {
		t.Fatal("expected error")
	}

	msgs, _ := h.store.Messages(ctx, c.ID)
	if len(msgs) != 2 || msgs[1].Content != "half an ans" {
		t.Errorf("messages = %+v", msgs)
	}
	if len(h.extract.turns) != 0 {
		t.Error("failed turn sent to extraction")
	}
}

func TestSend_RecordsUsage(t *testing.T) {
	h := newHarness(t)
	rec := &fakeUsage{}
	h.svc.usage = rec
	c := h.newChat(t, store.ChatOptions{})

	h.send(t, c.ID, "no tokens reported")
	if len(rec.recs) != 0 {
		t.Errorf("recorded a reply without token counts: %+v", rec.recs)
	}

	h.gen.tokens = 7
	reply, _ := h.send(t, c.ID, "count this")
	if len(rec.recs) != 1 {
		t.Fatalf("records = %+v", rec.recs)
	}
	got := rec.recs[0]
	if got.ChatID != c.ID || got.MessageID != reply.MessageID || got.Model != "openai/gpt-5" ||
		got.InputTokens != 7 || got.OutputTokens != 7 || got.Role != usage.RoleChat {
		t.Errorf("record = %+v", got)
	}
}

func TestRegenerate(t *testing.T) {
	h := newHarness(t)
	c := h.newChat(t, store.ChatOptions{})
	ctx := context.Background()
	h.send(t, c.ID, "first question")

	msgs, _ := h.store.Messages(ctx, c.ID)
	user, assistant := msgs[0], msgs[1]

	_, err := h.svc.PrepareRegenerate(ctx, c.ID, RegenerateRequest{MessageID: assistant.ID, ModelID: "openai/gpt-5"})
	if !IsInputError(err) || err.Error() != "message_id must be a user message" {
		t.Errorf("assistant id error = %v", err)
	}
	_, err = h.svc.PrepareRegenerate(ctx, c.ID, RegenerateRequest{MessageID: "nope", ModelID: "openai/gpt-5"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown id error = %v", err)
	}

	h.gen.reply = "second take"
	h.gen.title = "Should not apply"
	turn, err := h.svc.PrepareRegenerate(ctx, c.ID, RegenerateRequest{MessageID: user.ID, ModelID: "openai/gpt-5"})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := h.svc.Execute(ctx, turn, func(generate.Event) {})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Title != "Greeting" || reply.Text != "second take" {
		t.Errorf("reply = %+v", reply)
	}
	for _, m := range h.gen.msgs {
		if m.Content == "Hi there!" {
			t.Error("later assistant reply replayed in history")
		}
	}
	if n, _ := h.store.CountMessages(ctx, c.ID); n != 3 {
		t.Errorf("message count = %d, want 3", n)
	}
}

func TestEditMessage(t *testing.T) {
	h := newHarness(t)
	c := h.newChat(t, store.ChatOptions{})
	ctx := context.Background()
	h.send(t, c.ID, "first")
	h.send(t, c.ID, "second")

	msgs, _ := h.store.Messages(ctx, c.ID)
	if _, err := h.svc.EditMessage(ctx, c.ID, msgs[1].ID, "x"); !IsInputError(err) {
		t.Errorf("editing assistant message: %v", err)
	}
	if _, err := h.svc.EditMessage(ctx, c.ID, msgs[0].ID, " "); !IsInputError(err) {
		t.Errorf("blank edit: %v", err)
	}

	left, err := h.svc.EditMessage(ctx, c.ID, msgs[0].ID, "first, revised")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Content != "first, revised" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestSystemPrompt_IncludesMemories(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mem.Create(ctx, "User is 180 cm tall", nil)
	h.mem.Create(ctx, "User has a dog named Pixel", nil)
	c := h.newChat(t, store.ChatOptions{})

	h.send(t, c.ID, "How tall am I?")
	sys := h.gen.msgs[0].Content
	if !strings.Contains(sys, "## Relevant memory\n") || !strings.Contains(sys, "180 cm") || !strings.Contains(sys, "Pixel") {
		t.Errorf("system prompt missing memories:\n%s", sys)
	}
}

func TestSystemPrompt_Rules(t *testing.T) {
	h := newHarness(t)
	if _, err := h.lib.PutRule(library.Rule{ID: "tone", Name: "Tone", AlwaysOn: true, Body: "# Be brief\nShort answers."}); err != nil {
		t.Fatal(err)
	}
	c := h.newChat(t, store.ChatOptions{})
	h.send(t, c.ID, "hello")

	sys := h.gen.msgs[0].Content
	if !strings.Contains(sys, "## Rules\n\n### Tone\n\n## Be brief") {
		t.Errorf("rules section:\n%s", sys)
	}
}

func TestTitleFallback(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", store.DefaultTitle},
		{"   ", store.DefaultTitle},
		{"Short one", "Short one"},
		{"line one\nline two", "line one line two"},
		{strings.Repeat("é", 50), strings.Repeat("é", 40)},
	}
	for _, tt := range tests {
		if got := TitleFallback(tt.in); got != tt.want {
			t.Errorf("TitleFallback(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandQuery(t *testing.T) {
	tests := []struct{ in, want string }{
		{"How tall am I?", "How tall am I?" + expandHint},
		{"What's my name", "What's my name" + expandHint},
		{"Weather in Lisbon", "Weather in Lisbon"},
		{strings.Repeat("am i ", 30), strings.Repeat("am i ", 30)},
	}
	for _, tt := range tests {
		if got := ExpandQuery(tt.in); got != tt.want {
			t.Errorf("ExpandQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
