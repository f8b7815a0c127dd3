package library

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Rule is an instruction block added to the system prompt. Always-on
// rules apply to every request; others apply when mentioned as @id by
// the user, a command, or another active rule.
type Rule struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	AlwaysOn bool     `json:"always_on"`
	Tags     []string `json:"tags"`
	Body     string   `json:"body,omitempty"`
}

type ruleMeta struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	AlwaysOn bool     `yaml:"always_on"`
	Tags     []string `yaml:"tags"`
}

func (l *Library) parseRule(path, raw string) (string, *Rule) {
	meta, body := l.parseMeta(path, raw)
	r := &Rule{ID: stem(path), Name: stem(path), Tags: []string{}}
	if meta != nil {
		if id := metaString(meta, "id"); id != "" {
			r.ID = id
		}
		if name := metaString(meta, "name"); name != "" {
			r.Name = name
		}
		if _, ok := meta["always_on"]; ok {
			r.AlwaysOn = metaBool(meta, "always_on", false)
		} else {
			// Older files used scope: global plus enabled.
			scope := metaString(meta, "scope")
			r.AlwaysOn = scope == "global" && metaBool(meta, "enabled", true)
		}
		if tags := metaList(meta, "tags"); tags != nil {
			r.Tags = tags
		}
	}
	r.Body = strings.TrimSpace(body)
	return r.ID, r
}

// Rules returns every rule keyed by id.
func (l *Library) Rules() map[string]*Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return load(l, &l.rules, l.rulesDir(), "rule", l.parseRule)
}

// RuleList returns the rules sorted by name, without bodies.
func (l *Library) RuleList() []Rule {
	var out []Rule
	for _, r := range l.Rules() {
		c := *r
		c.Body = ""
		out = append(out, c)
	}
	sortByName(out, func(r Rule) string { return r.Name })
	return out
}

// Rule returns one rule.
func (l *Library) Rule(id string) (*Rule, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	r, ok := l.Rules()[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// PutRule writes r to rules/<id>.md. An empty name defaults to the id.
func (l *Library) PutRule(r Rule) (*Rule, error) {
	path, err := l.itemPath(l.rulesDir(), r.ID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.Name) == "" {
		r.Name = r.ID
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	data, err := writeFrontmatter(ruleMeta{ID: r.ID, Name: strings.TrimSpace(r.Name), AlwaysOn: r.AlwaysOn, Tags: r.Tags}, r.Body)
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, data); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.rules.items = nil
	l.mu.Unlock()
	return l.Rule(r.ID)
}

// DeleteRule removes rules/<id>.md.
func (l *Library) DeleteRule(id string) error {
	path, err := l.itemPath(l.rulesDir(), id)
	if err != nil {
		return err
	}
	if err := removeFile(path); err != nil {
		return err
	}
	l.mu.Lock()
	l.rules.items = nil
	l.mu.Unlock()
	return nil
}

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)

// Mentions returns the distinct @rule-id references in text.
func Mentions(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// ActiveRules resolves the rules for one request: every always-on rule,
// rules @mentioned in the user's text or in the bodies of the commands
// used, and transitively any rule an active rule mentions. Unknown ids
// are ignored and cycles are harmless. Always-on rules sort first, then
// by name.
func (l *Library) ActiveRules(userText string, commandIDs []string) []*Rule {
	rules := l.Rules()
	cmds := l.Commands()

	var roots []string
	for id, r := range rules {
		if r.AlwaysOn {
			roots = append(roots, id)
		}
	}
	roots = append(roots, Mentions(userText)...)
	for _, cid := range commandIDs {
		if c, ok := cmds[cid]; ok {
			roots = append(roots, Mentions(c.Body)...)
		}
	}

	active := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		r, ok := rules[id]
		if !ok || active[id] {
			return
		}
		active[id] = true
		for _, dep := range Mentions(r.Body) {
			visit(dep)
		}
	}
	for _, id := range roots {
		visit(id)
	}

	out := make([]*Rule, 0, len(active))
	for id := range active {
		out = append(out, rules[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AlwaysOn != out[j].AlwaysOn {
			return out[i].AlwaysOn
		}
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LegacyRules returns the trimmed contents of rules.md in the data
// directory, used when no rule applies.
func (l *Library) LegacyRules() string {
	data, err := os.ReadFile(filepath.Join(l.dataDir, "rules.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
