package prompts

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Template names. Each is also the override file's base name.
const (
	NameSystem     = "system"
	NameTask       = "task"
	NameEvaluation = "evaluation"
	NameChatTitle  = "chat_title"
	NameMemory     = "memory_extraction"
)

var defaults = map[string]string{
	NameSystem:     systemTemplate,
	NameTask:       taskTemplate,
	NameEvaluation: evaluationTemplate,
	NameChatTitle:  chatTitleTemplate,
	NameMemory:     memoryTemplate,
}

// Loader resolves templates from an override directory, falling back to
// the built-in defaults. Files are read on every call so edits apply to
// the next request.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a Loader reading overrides from dir. An empty dir
// disables overrides.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger.With("component", "prompts")}
}

// Load returns the template for name. A missing or blank override file
// yields the default; other read errors are logged and also fall back.
func (l *Loader) Load(name string) string {
	if l == nil || l.dir == "" {
		return defaults[name]
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name+".md"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("prompt override unreadable, using default", "name", name, "error", err)
		}
		return defaults[name]
	}
	if t := strings.TrimSpace(string(data)); t != "" {
		return t
	}
	return defaults[name]
}

// Names lists the template names in a stable order.
func Names() []string {
	return []string{NameSystem, NameTask, NameEvaluation, NameChatTitle, NameMemory}
}

// Default returns the built-in template for name, or "".
func Default(name string) string { return defaults[name] }

// fill replaces each placeholder key with its value in one pass, so a
// value containing placeholder text is never expanded again.
func fill(tmpl string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
