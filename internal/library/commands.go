package library

import (
	"regexp"
	"strings"
)

// Command is a reusable prompt invoked by starting a message with
// /id. A command whose body has both a task and success criteria runs
// through the evaluator; any other command's body is prepended to the
// user's message.
type Command struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Tags             []string `json:"tags"`
	Body             string   `json:"body,omitempty"`
	Task             string   `json:"task,omitempty"`
	SuccessCriteria  string   `json:"success_criteria,omitempty"`
	Guidelines       string   `json:"guidelines,omitempty"`
	ContextIDs       []string `json:"context_ids"`
	WebSearchEnabled bool     `json:"web_search_enabled"`
	WebSearchMode    string   `json:"web_search_mode,omitempty"`
}

// Evaluated reports whether the command carries success criteria.
func (c *Command) Evaluated() bool {
	return c.Task != "" && c.SuccessCriteria != ""
}

type commandMeta struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Tags             []string `yaml:"tags"`
	WebSearchEnabled bool     `yaml:"web_search_enabled"`
	WebSearchMode    string   `yaml:"web_search_mode,omitempty"`
	ContextIDs       []string `yaml:"context_ids,omitempty"`
}

func (l *Library) parseCommand(path, raw string) (string, *Command) {
	meta, body := l.parseMeta(path, raw)
	c := &Command{ID: stem(path), Name: stem(path), Tags: []string{}, ContextIDs: []string{}}
	if meta != nil {
		if id := metaString(meta, "id"); id != "" {
			c.ID = id
		}
		if name := metaString(meta, "name"); name != "" {
			c.Name = name
		}
		c.Description = metaString(meta, "description")
		if tags := metaList(meta, "tags"); tags != nil {
			c.Tags = tags
		}
		if ids := metaList(meta, "context_ids"); ids != nil {
			c.ContextIDs = ids
		}
		c.WebSearchEnabled = metaBool(meta, "web_search_enabled", false)
		c.WebSearchMode = metaString(meta, "web_search_mode")
	}
	c.Body = strings.TrimSpace(body)
	s := ParseSections(c.Body)
	c.Task, c.SuccessCriteria, c.Guidelines = s.Task, s.SuccessCriteria, s.Guidelines
	return c.ID, c
}

// Commands returns every command keyed by id.
func (l *Library) Commands() map[string]*Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return load(l, &l.commands, l.commandsDir(), "command", l.parseCommand)
}

// CommandList returns the commands sorted by name, without bodies.
func (l *Library) CommandList() []Command {
	var out []Command
	for _, c := range l.Commands() {
		s := *c
		s.Body, s.Task, s.SuccessCriteria, s.Guidelines = "", "", "", ""
		out = append(out, s)
	}
	sortByName(out, func(c Command) string { return c.Name })
	return out
}

// Command returns one command.
func (l *Library) Command(id string) (*Command, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	c, ok := l.Commands()[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// PutCommand writes c to commands/<id>.md. When any of the section
// fields is set the body is rebuilt from them; otherwise Body is kept
// as given. Context ids that are not valid ids are dropped.
func (l *Library) PutCommand(c Command) (*Command, error) {
	path, err := l.itemPath(l.commandsDir(), c.ID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.ID
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	var ctx []string
	for _, id := range c.ContextIDs {
		if ValidID(id) {
			ctx = append(ctx, id)
		}
	}
	body := c.Body
	if c.Task != "" || c.SuccessCriteria != "" || c.Guidelines != "" {
		body = FormatSections(Sections{
			Task:            strings.TrimSpace(c.Task),
			SuccessCriteria: strings.TrimSpace(c.SuccessCriteria),
			Guidelines:      strings.TrimSpace(c.Guidelines),
		})
	}

	data, err := writeFrontmatter(commandMeta{
		ID:               c.ID,
		Name:             strings.TrimSpace(c.Name),
		Description:      strings.TrimSpace(c.Description),
		Tags:             c.Tags,
		WebSearchEnabled: c.WebSearchEnabled,
		WebSearchMode:    c.WebSearchMode,
		ContextIDs:       ctx,
	}, body)
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, data); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.commands.items = nil
	l.mu.Unlock()
	return l.Command(c.ID)
}

// DeleteCommand removes commands/<id>.md.
func (l *Library) DeleteCommand(id string) error {
	path, err := l.itemPath(l.commandsDir(), id)
	if err != nil {
		return err
	}
	if err := removeFile(path); err != nil {
		return err
	}
	l.mu.Lock()
	l.commands.items = nil
	l.mu.Unlock()
	return nil
}

var invocationPattern = regexp.MustCompile(`(?s)^/([a-zA-Z0-9_-]+)\s*(.*)$`)

// ParseInvocation splits "/name rest" into the command id and the
// user's remaining text. ok is false when content is not an invocation.
func ParseInvocation(content string) (id, rest string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	m := invocationPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}
