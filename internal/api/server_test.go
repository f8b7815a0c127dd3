package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/nugget/mandarin/internal/chat"
	"github.com/nugget/mandarin/internal/evaluate"
	"github.com/nugget/mandarin/internal/generate"
	"github.com/nugget/mandarin/internal/library"
	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/memory"
	"github.com/nugget/mandarin/internal/searchmode"
	"github.com/nugget/mandarin/internal/settings"
	"github.com/nugget/mandarin/internal/store"
	"github.com/nugget/mandarin/internal/usage"
	_ "modernc.org/sqlite"
)

// fakeGen streams reply in two chunks, or fails after the first when
// err is set.
type fakeGen struct {
	reply string
	err   error
}

func (f *fakeGen) Run(ctx context.Context, mode searchmode.Mode, modelID string, msgs []llm.Message, emit generate.EmitFunc) (*generate.Outcome, error) {
	emit.Status("Thinking...")
	half := len(f.reply) / 2
	emit.Chunk(f.reply[:half])
	if f.err != nil {
		return &generate.Outcome{Text: f.reply[:half]}, f.err
	}
	emit.Chunk(f.reply[half:])
	out := &generate.Outcome{Text: f.reply, InputTokens: 30, OutputTokens: 12}
	emit.Result(out)
	return out, nil
}

func (f *fakeGen) Complete(ctx context.Context, modelID string, msgs []llm.Message) (string, error) {
	return "Test chat", nil
}

type fakeEval struct{}

func (fakeEval) Run(ctx context.Context, req evaluate.Request, emit generate.EmitFunc) (*generate.Outcome, error) {
	return nil, errors.New("not used")
}

type testEnv struct {
	srv   *httptest.Server
	gen   *fakeGen
	store *store.Store
	lib   *library.Library
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(k, "")
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memory.NewStore(db, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	lib, err := library.New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	set := settings.New(dir, map[string]string{llm.ProviderOpenAI: "sk-test-1234"}, nil)
	pool := llm.NewClientPool(set, nil)
	router := llm.NewRouter(llm.NewStaticCatalog([]llm.CatalogEntry{
		{ID: "openai/gpt-5", Name: "GPT-5", Provider: llm.ProviderOpenAI, Model: "gpt-5",
			InputPerMillion: 1, OutputPerMillion: 10},
		{ID: "anthropic/claude", Name: "Claude", Provider: llm.ProviderAnthropic, Model: "claude"},
	}), pool)

	use, err := usage.NewStore(db, router)
	if err != nil {
		t.Fatal(err)
	}

	gen := &fakeGen{reply: "Hello from the model"}
	svc := chat.New(chat.Deps{
		Store:     st,
		Library:   lib,
		Memory:    mem,
		Generator: gen,
		Evaluator: fakeEval{},
		Models:    router,
		Usage:     use,
	}, chat.Config{}, nil)

	server := NewServer("", 0, Deps{
		Chat:     svc,
		Store:    st,
		Library:  lib,
		Memory:   mem,
		Settings: set,
		Router:   router,
		Usage:    use,
	}, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, gen: gen, store: st, lib: lib}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResp[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// readFrames parses an SSE body into frames.
func readFrames(t *testing.T, r io.Reader) []Frame {
	t.Helper()
	var frames []Frame
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func frameTypes(frames []Frame) string {
	var ts []string
	for _, f := range frames {
		ts = append(ts, f.T)
	}
	return strings.Join(ts, ",")
}

func TestModelsAndSettings(t *testing.T) {
	e := newTestEnv(t)

	models := decodeResp[[]llm.CatalogEntry](t, e.do(t, "GET", "/api/models", nil))
	if len(models) != 2 || !models[0].Available || models[1].Available {
		t.Errorf("models = %+v", models)
	}

	v := decodeResp[settings.View](t, e.do(t, "GET", "/api/settings", nil))
	if v.DefaultModel == nil || *v.DefaultModel != "openai/gpt-5" {
		t.Errorf("default model = %v", v.DefaultModel)
	}
	if k := v.APIKeys["openai"]; !k.Set || k.Masked != "••••••••1234" {
		t.Errorf("openai key = %+v", k)
	}

	resp := e.do(t, "PUT", "/api/settings", map[string]any{"default_model": "nope/model"})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = e.do(t, "PUT", "/api/settings", map[string]any{"api_keys": map[string]string{"anthropic": "ak-abcd9876"}})
	expectStatus(t, resp, http.StatusOK)
	v = decodeResp[settings.View](t, resp)
	if k := v.APIKeys["anthropic"]; !k.Set || k.Masked != "••••••••9876" {
		t.Errorf("anthropic key = %+v", k)
	}
	models = decodeResp[[]llm.CatalogEntry](t, e.do(t, "GET", "/api/models", nil))
	if !models[1].Available {
		t.Error("anthropic model should be available after setting its key")
	}
}

func TestContexts(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "PUT", "/api/contexts/garden", "# Garden\nTomatoes in bed 2.")
	expectStatus(t, resp, http.StatusOK)
	c := decodeResp[map[string]string](t, resp)
	if c["id"] != "garden" || c["name"] != "Garden" {
		t.Errorf("put response = %v", c)
	}

	resp = e.do(t, "GET", "/api/contexts/garden", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("content type = %q", ct)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "# Garden\nTomatoes in bed 2." {
		t.Errorf("body = %q", body)
	}

	list := decodeResp[[]map[string]string](t, e.do(t, "GET", "/api/contexts", nil))
	if len(list) != 1 || list[0]["name"] != "Garden" {
		t.Errorf("list = %v", list)
	}

	expectStatus(t, e.do(t, "GET", "/api/contexts/bad.id", nil), http.StatusBadRequest)
	expectStatus(t, e.do(t, "DELETE", "/api/contexts/garden", nil), http.StatusNoContent)
	expectStatus(t, e.do(t, "DELETE", "/api/contexts/garden", nil), http.StatusNotFound)
}

func TestRulesAndCommands(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "PUT", "/api/rules/tone", map[string]any{"name": "Tone", "always_on": true, "body": "Be brief."})
	expectStatus(t, resp, http.StatusOK)
	r := decodeResp[library.Rule](t, resp)
	if r.ID != "tone" || !r.AlwaysOn || r.Body != "" {
		t.Errorf("put rule = %+v", r)
	}
	r = decodeResp[library.Rule](t, e.do(t, "GET", "/api/rules/tone", nil))
	if r.Body != "Be brief." {
		t.Errorf("rule body = %q", r.Body)
	}

	resp = e.do(t, "PUT", "/api/commands/review", map[string]any{
		"name":             "Review",
		"task":             "Review the code.",
		"success_criteria": "Lists at least one issue.",
	})
	expectStatus(t, resp, http.StatusOK)
	c := decodeResp[library.Command](t, e.do(t, "GET", "/api/commands/review", nil))
	if c.Task != "Review the code." || c.SuccessCriteria != "Lists at least one issue." {
		t.Errorf("command = %+v", c)
	}
	cmds := decodeResp[[]library.Command](t, e.do(t, "GET", "/api/commands", nil))
	if len(cmds) != 1 || cmds[0].Task != "" {
		t.Errorf("command list = %+v", cmds)
	}

	expectStatus(t, e.do(t, "DELETE", "/api/rules/tone", nil), http.StatusNoContent)
	expectStatus(t, e.do(t, "GET", "/api/rules/tone", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, "DELETE", "/api/commands/review", nil), http.StatusNoContent)
	if got := decodeResp[[]library.Command](t, e.do(t, "GET", "/api/commands", nil)); len(got) != 0 {
		t.Errorf("commands after delete = %+v", got)
	}
}

func TestMemory(t *testing.T) {
	e := newTestEnv(t)

	expectStatus(t, e.do(t, "POST", "/api/memory", map[string]any{"content": "  "}), http.StatusBadRequest)

	resp := e.do(t, "POST", "/api/memory", map[string]any{"content": "User likes tea", "tags": []string{"food"}})
	expectStatus(t, resp, http.StatusCreated)
	m := decodeResp[memory.Memory](t, resp)

	e.do(t, "POST", "/api/memory", map[string]any{"content": "User lives in Oslo"})

	all := decodeResp[[]memory.Memory](t, e.do(t, "GET", "/api/memory", nil))
	food := decodeResp[[]memory.Memory](t, e.do(t, "GET", "/api/memory?tag=food", nil))
	if len(all) != 2 || len(food) != 1 || food[0].ID != m.ID {
		t.Errorf("all = %+v, food = %+v", all, food)
	}

	path := "/api/memory/" + jsonNumber(m.ID)
	resp = e.do(t, "PATCH", path, map[string]any{"content": "User likes green tea"})
	expectStatus(t, resp, http.StatusOK)
	if got := decodeResp[memory.Memory](t, resp); got.Content != "User likes green tea" || got.Tags[0] != "food" {
		t.Errorf("patched = %+v", got)
	}

	expectStatus(t, e.do(t, "DELETE", path, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, "DELETE", path, nil), http.StatusNotFound)
	expectStatus(t, e.do(t, "DELETE", "/api/memory/abc", nil), http.StatusBadRequest)
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestChatCRUD(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "POST", "/api/chats", map[string]any{"context_ids": []string{"garden"}, "web_search_mode": "Tavily"})
	expectStatus(t, resp, http.StatusCreated)
	c := decodeResp[store.Chat](t, resp)
	if c.Title != store.DefaultTitle || c.WebSearchMode != "tool" || c.ContextIDs[0] != "garden" {
		t.Errorf("created = %+v", c)
	}

	expectStatus(t, e.do(t, "POST", "/api/chats", map[string]any{"web_search_mode": "sometimes"}), http.StatusBadRequest)

	resp = e.do(t, "PATCH", "/api/chats/"+c.ID, map[string]any{"title": "Garden plans", "web_search_enabled": true})
	expectStatus(t, resp, http.StatusOK)
	if got := decodeResp[store.Chat](t, resp); got.Title != "Garden plans" || !got.WebSearchEnabled || got.WebSearchMode != "tool" {
		t.Errorf("patched = %+v", got)
	}

	got := decodeResp[chatWithMessages](t, e.do(t, "GET", "/api/chats/"+c.ID, nil))
	if got.ID != c.ID || len(got.Messages) != 0 {
		t.Errorf("get = %+v", got)
	}

	chats := decodeResp[[]store.Chat](t, e.do(t, "GET", "/api/chats", nil))
	if len(chats) != 1 {
		t.Errorf("list = %+v", chats)
	}

	expectStatus(t, e.do(t, "DELETE", "/api/chats/"+c.ID, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, "GET", "/api/chats/"+c.ID, nil), http.StatusNotFound)
}

func TestSendMessageStreamsSSE(t *testing.T) {
	e := newTestEnv(t)
	c := decodeResp[store.Chat](t, e.do(t, "POST", "/api/chats", nil))

	resp := e.do(t, "POST", "/api/chats/"+c.ID+"/messages", map[string]any{"content": "hello", "model_id": "openai/gpt-5"})
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Content-Type") != "text/event-stream" ||
		resp.Header.Get("Cache-Control") != "no-cache" ||
		resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Errorf("headers = %v", resp.Header)
	}

	frames := readFrames(t, resp.Body)
	if got := frameTypes(frames); got != "started,executing,chunk,chunk,done" {
		t.Fatalf("frames = %s", got)
	}
	if frames[1].Msg != "Thinking..." || frames[2].C+frames[3].C != "Hello from the model" {
		t.Errorf("frames = %+v", frames)
	}
	done := frames[4]
	if done.ID == "" || done.Title != "Test chat" {
		t.Errorf("done = %+v", done)
	}

	got := decodeResp[chatWithMessages](t, e.do(t, "GET", "/api/chats/"+c.ID, nil))
	if len(got.Messages) != 2 || got.Messages[1].ID != done.ID || got.Title != "Test chat" {
		t.Errorf("chat after send = %+v", got)
	}

	// Edit the first message; the reply goes away.
	resp = e.do(t, "PATCH", "/api/chats/"+c.ID+"/messages/"+got.Messages[0].ID, map[string]any{"content": "hello again"})
	expectStatus(t, resp, http.StatusOK)
	left := decodeResp[[]store.Message](t, resp)
	if len(left) != 1 || left[0].Content != "hello again" {
		t.Errorf("after edit = %+v", left)
	}

	// Regenerate answers it without a new user message.
	resp = e.do(t, "POST", "/api/chats/"+c.ID+"/messages/regenerate", map[string]any{"message_id": left[0].ID, "model_id": "openai/gpt-5"})
	expectStatus(t, resp, http.StatusOK)
	if got := frameTypes(readFrames(t, resp.Body)); got != "started,executing,chunk,chunk,done" {
		t.Errorf("regenerate frames = %s", got)
	}
	if n, _ := e.store.CountMessages(context.Background(), c.ID); n != 2 {
		t.Errorf("messages after regenerate = %d", n)
	}
}

func TestUsage(t *testing.T) {
	e := newTestEnv(t)
	c := decodeResp[store.Chat](t, e.do(t, "POST", "/api/chats", nil))

	rep := decodeResp[usageReport](t, e.do(t, "GET", "/api/usage", nil))
	if rep.Total.Records != 0 {
		t.Errorf("empty report = %+v", rep.Total)
	}

	resp := e.do(t, "POST", "/api/chats/"+c.ID+"/messages", map[string]any{"content": "hello", "model_id": "openai/gpt-5"})
	readFrames(t, resp.Body)

	rep = decodeResp[usageReport](t, e.do(t, "GET", "/api/usage?days=7", nil))
	if rep.Total.Records != 1 || rep.Total.InputTokens != 30 || rep.Total.OutputTokens != 12 {
		t.Errorf("total = %+v", rep.Total)
	}
	// 30 tokens at $1/M plus 12 at $10/M.
	if m := rep.ByModel["openai/gpt-5"]; m == nil || m.CostUSD < 0.000149 || m.CostUSD > 0.000151 {
		t.Errorf("by model = %+v", rep.ByModel)
	}
	if rep.ByRole[usage.RoleChat] == nil {
		t.Errorf("by role = %+v", rep.ByRole)
	}

	expectStatus(t, e.do(t, "GET", "/api/usage?days=0", nil), http.StatusBadRequest)
}

func TestSendMessageValidation(t *testing.T) {
	e := newTestEnv(t)
	c := decodeResp[store.Chat](t, e.do(t, "POST", "/api/chats", nil))
	path := "/api/chats/" + c.ID + "/messages"

	tests := []struct {
		body any
		want string
	}{
		{map[string]any{"model_id": "openai/gpt-5"}, "content is required"},
		{map[string]any{"content": "hi"}, "model_id is required"},
		{map[string]any{"content": "hi", "model_id": "anthropic/claude"}, "model not available"},
		{map[string]any{"content": "/missing hi", "model_id": "openai/gpt-5"},
			"Command /missing not found. Please retry with a valid command or without a command."},
		{"{broken", "invalid request body"},
	}
	for _, tt := range tests {
		resp := e.do(t, "POST", path, tt.body)
		expectStatus(t, resp, http.StatusBadRequest)
		if got := decodeResp[map[string]string](t, resp); got["error"] != tt.want {
			t.Errorf("error = %q, want %q", got["error"], tt.want)
		}
	}

	expectStatus(t, e.do(t, "POST", "/api/chats/missing/messages", map[string]any{"content": "hi", "model_id": "openai/gpt-5"}),
		http.StatusNotFound)
}

func TestSendMessageErrorFrame(t *testing.T) {
	e := newTestEnv(t)
	e.gen.err = errors.New("upstream reset")
	c := decodeResp[store.Chat](t, e.do(t, "POST", "/api/chats", nil))

	resp := e.do(t, "POST", "/api/chats/"+c.ID+"/messages", map[string]any{"content": "hello", "model_id": "openai/gpt-5"})
	frames := readFrames(t, resp.Body)
	if got := frameTypes(frames); got != "started,executing,chunk,error" {
		t.Fatalf("frames = %s", got)
	}
	if frames[3].Error != "upstream reset" {
		t.Errorf("error frame = %+v", frames[3])
	}

	msgs, _ := e.store.Messages(context.Background(), c.ID)
	if len(msgs) != 2 || msgs[1].Content != "Hello from" {
		t.Errorf("partial reply not stored: %+v", msgs)
	}
}

func TestChatSocket(t *testing.T) {
	e := newTestEnv(t)
	c := decodeResp[store.Chat](t, e.do(t, "POST", "/api/chats", nil))

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/chats/" + c.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() Frame {
		t.Helper()
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return f
	}

	if err := conn.WriteJSON(map[string]any{"content": "", "model_id": "openai/gpt-5"}); err != nil {
		t.Fatal(err)
	}
	if f := read(); f.T != "error" || f.Error != "content is required" {
		t.Errorf("validation frame = %+v", f)
	}

	if err := conn.WriteJSON(map[string]any{"type": "send", "content": "hi", "model_id": "openai/gpt-5"}); err != nil {
		t.Fatal(err)
	}
	var types []string
	for {
		f := read()
		types = append(types, f.T)
		if f.T == "done" || f.T == "error" {
			break
		}
	}
	if got := strings.Join(types, ","); got != "started,executing,chunk,chunk,done" {
		t.Errorf("socket frames = %s", got)
	}
}
