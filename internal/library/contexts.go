package library

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Context is a reference document a chat or command can attach to the
// system prompt. Its name is the first line's heading.
type Context struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"-"`
}

// PromptBody returns the text to place under the context's heading in
// a system prompt.
func (c *Context) PromptBody() string { return contextBody(c.Text) }

// Contexts lists every context file, sorted by id.
func (l *Library) Contexts() []Context {
	paths, _ := filepath.Glob(filepath.Join(l.contextsDir(), "*.md"))
	sort.Strings(paths)
	out := make([]Context, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			l.logger.Warn("unreadable context file", "path", p, "error", err)
			continue
		}
		out = append(out, Context{ID: stem(p), Name: ContextName(string(data)), Text: string(data)})
	}
	return out
}

// Context reads one context.
func (l *Library) Context(id string) (*Context, error) {
	path, err := l.itemPath(l.contextsDir(), id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Context{ID: id, Name: ContextName(string(data)), Text: string(data)}, nil
}

// ContextsByID reads the given contexts in order, skipping missing ones.
func (l *Library) ContextsByID(ids []string) []*Context {
	var out []*Context
	for _, id := range ids {
		c, err := l.Context(id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				l.logger.Warn("context unavailable", "id", id, "error", err)
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

// PutContext writes contexts/<id>.md. An empty body is named after the id.
func (l *Library) PutContext(id, text string) (*Context, error) {
	path, err := l.itemPath(l.contextsDir(), id)
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, []byte(text)); err != nil {
		return nil, err
	}
	name := id
	if text != "" {
		name = ContextName(text)
	}
	return &Context{ID: id, Name: name, Text: text}, nil
}

// DeleteContext removes contexts/<id>.md.
func (l *Library) DeleteContext(id string) error {
	path, err := l.itemPath(l.contextsDir(), id)
	if err != nil {
		return err
	}
	return removeFile(path)
}
