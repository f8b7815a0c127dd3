package library

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLibrary(t *testing.T) (*Library, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, dir
}

func writeMD(t *testing.T, dir, sub, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, sub, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func ids(rules []*Rule) string {
	var out []string
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return strings.Join(out, ",")
}

func TestRulesLoading(t *testing.T) {
	l, dir := newTestLibrary(t)
	writeMD(t, dir, "rules", "a.md", "---\nid: a\nname: Alpha\nalways_on: true\ntags: [style]\n---\nBe concise.")
	writeMD(t, dir, "rules", "b.md", "---\nname: Beta\nscope: global\nenabled: false\n---\nSee @c.")
	writeMD(t, dir, "rules", "c.md", "Mentions @b back.")
	writeMD(t, dir, "rules", "d.md", "---\nid: bad id!\n---\nskipped")
	writeMD(t, dir, "rules", "e.md", "---\nid: a\n---\nduplicate")
	writeMD(t, dir, "rules", "f.md", "---\nscope: global\n---\nlegacy global")

	rules := l.Rules()
	if len(rules) != 4 {
		t.Fatalf("loaded %d rules, want 4: %v", len(rules), rules)
	}
	if a := rules["a"]; a.Name != "Alpha" || !a.AlwaysOn || a.Body != "Be concise." || a.Tags[0] != "style" {
		t.Errorf("rule a = %+v", a)
	}
	if rules["b"].AlwaysOn {
		t.Error("legacy disabled global rule should not be always on")
	}
	if !rules["f"].AlwaysOn {
		t.Error("legacy global rule should be always on")
	}
	if c := rules["c"]; c.Name != "c" || c.Body != "Mentions @b back." {
		t.Errorf("plain rule = %+v", c)
	}

	list := l.RuleList()
	if list[0].Name != "Alpha" || list[0].Body != "" {
		t.Errorf("RuleList()[0] = %+v", list[0])
	}
}

func TestActiveRules(t *testing.T) {
	l, dir := newTestLibrary(t)
	writeMD(t, dir, "rules", "a.md", "---\nname: Alpha\nalways_on: true\n---\nalways")
	writeMD(t, dir, "rules", "b.md", "---\nname: Beta\n---\nSee @c.")
	writeMD(t, dir, "rules", "c.md", "Mentions @b back and @ghost.")
	writeMD(t, dir, "rules", "z.md", "---\nname: aardvark\n---\nunused")
	writeMD(t, dir, "commands", "x.md", "Use @c here.")

	tests := []struct {
		user string
		cmds []string
		want string
	}{
		{"hello", nil, "a"},
		{"please @b", nil, "a,b,c"},
		{"", []string{"x"}, "a,b,c"},
		{"@z and @nope", []string{"missing"}, "a,z"},
	}
	for _, tt := range tests {
		if got := ids(l.ActiveRules(tt.user, tt.cmds)); got != tt.want {
			t.Errorf("ActiveRules(%q, %v) = %s, want %s", tt.user, tt.cmds, got, tt.want)
		}
	}
}

func TestRulesReloadOnChange(t *testing.T) {
	l, dir := newTestLibrary(t)
	p := writeMD(t, dir, "rules", "a.md", "first")
	if l.Rules()["a"].Body != "first" {
		t.Fatal("initial load")
	}

	writeMD(t, dir, "rules", "b.md", "new file")
	if _, ok := l.Rules()["b"]; !ok {
		t.Error("added file not picked up")
	}

	os.WriteFile(p, []byte("second"), 0o644)
	future := time.Now().Add(time.Hour)
	os.Chtimes(p, future, future)
	if got := l.Rules()["a"].Body; got != "second" {
		t.Errorf("modified file not reloaded: %q", got)
	}

	os.Remove(p)
	if _, ok := l.Rules()["a"]; ok {
		t.Error("removed file still cached")
	}
}

func TestPutAndDeleteRule(t *testing.T) {
	l, _ := newTestLibrary(t)
	r, err := l.PutRule(Rule{ID: "tone", AlwaysOn: true, Body: "# Voice\nFriendly."})
	if err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	if r.Name != "tone" || !r.AlwaysOn || r.Body != "# Voice\nFriendly." {
		t.Errorf("stored rule = %+v", r)
	}
	if _, err := l.PutRule(Rule{ID: "../etc"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("invalid id err = %v", err)
	}
	if err := l.DeleteRule("tone"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Rule("tone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v", err)
	}
	if err := l.DeleteRule("tone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestCommands(t *testing.T) {
	l, dir := newTestLibrary(t)
	writeMD(t, dir, "commands", "sum.md", "---\nname: Summarize\ndescription: Short summary\ncontext_ids: [work]\nweb_search_enabled: true\n---\n\n## Task\nSummarize it.\n\n## Success Criteria\nUnder 50 words.\n")
	writeMD(t, dir, "commands", "plain.md", "Answer like a pirate.")

	c, err := l.Command("sum")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Summarize" || c.Description != "Short summary" || !c.WebSearchEnabled {
		t.Errorf("command = %+v", c)
	}
	if !c.Evaluated() || c.Task != "Summarize it." || c.SuccessCriteria != "Under 50 words." {
		t.Errorf("sections = %q / %q", c.Task, c.SuccessCriteria)
	}
	if len(c.ContextIDs) != 1 || c.ContextIDs[0] != "work" {
		t.Errorf("context ids = %v", c.ContextIDs)
	}

	p, _ := l.Command("plain")
	if p.Evaluated() || p.Task != "Answer like a pirate." {
		t.Errorf("plain command = %+v", p)
	}

	list := l.CommandList()
	if len(list) != 2 || list[0].ID != "plain" || list[0].Body != "" {
		t.Errorf("CommandList() = %+v", list)
	}
}

func TestPutCommandFromSections(t *testing.T) {
	l, _ := newTestLibrary(t)
	c, err := l.PutCommand(Command{
		ID:              "check",
		Task:            "Check facts",
		SuccessCriteria: "Cites sources",
		ContextIDs:      []string{"ok", "not ok"},
		WebSearchMode:   "native",
	})
	if err != nil {
		t.Fatalf("PutCommand: %v", err)
	}
	if c.Name != "check" || c.Task != "Check facts" || c.SuccessCriteria != "Cites sources" {
		t.Errorf("stored = %+v", c)
	}
	if len(c.ContextIDs) != 1 || c.ContextIDs[0] != "ok" {
		t.Errorf("context ids = %v", c.ContextIDs)
	}
	if c.WebSearchMode != "native" {
		t.Errorf("mode = %q", c.WebSearchMode)
	}
	if err := l.DeleteCommand("check"); err != nil {
		t.Fatal(err)
	}
	if len(l.Commands()) != 0 {
		t.Error("command survived delete")
	}
}

func TestParseInvocation(t *testing.T) {
	tests := []struct {
		in, id, rest string
		ok           bool
	}{
		{"/summarize  the text\nmore", "summarize", "the text\nmore", true},
		{"  /x", "x", "", true},
		{"/with-dash_1 go", "with-dash_1", "go", true},
		{"/ nope", "", "", false},
		{"hello /x", "", "", false},
		{"/a.b", "", "", false},
	}
	for _, tt := range tests {
		id, rest, ok := ParseInvocation(tt.in)
		if id != tt.id || rest != tt.rest || ok != tt.ok {
			t.Errorf("ParseInvocation(%q) = %q, %q, %v", tt.in, id, rest, ok)
		}
	}
}

func TestContexts(t *testing.T) {
	l, _ := newTestLibrary(t)
	c, err := l.PutContext("work", "# Work Notes\n\n## Team\nAlice")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Work Notes" {
		t.Errorf("name = %q", c.Name)
	}
	l.PutContext("blank", "")

	list := l.Contexts()
	if len(list) != 2 || list[0].ID != "blank" || list[1].Name != "Work Notes" {
		t.Errorf("Contexts() = %+v", list)
	}

	got := l.ContextsByID([]string{"work", "missing", "bad id"})
	if len(got) != 1 || got[0].PromptBody() != "### Team\nAlice" {
		t.Errorf("ContextsByID() = %+v", got)
	}

	if _, err := l.Context("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
	if err := l.DeleteContext("work"); err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteContext("work"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestLegacyRules(t *testing.T) {
	l, dir := newTestLibrary(t)
	if l.LegacyRules() != "" {
		t.Error("no rules.md should give empty")
	}
	os.WriteFile(filepath.Join(dir, "rules.md"), []byte("\n- be kind\n"), 0o644)
	if l.LegacyRules() != "- be kind" {
		t.Errorf("LegacyRules() = %q", l.LegacyRules())
	}
}
