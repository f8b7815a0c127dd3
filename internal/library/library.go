// Package library manages the user's file-backed prompt material:
// commands invoked as /name, rules applied to requests, and context
// documents attached to chats. Each item is a markdown file, optionally
// with YAML frontmatter, under the data directory.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Errors returned for bad or unknown ids.
var (
	ErrInvalidID = errors.New("invalid id")
	ErrNotFound  = errors.New("not found")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidID reports whether id is usable as a rule, command or context id.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Library reads and writes commands, rules and contexts below a data
// directory. Parsed rules and commands are cached until a file in their
// directory changes.
type Library struct {
	dataDir string
	logger  *slog.Logger

	mu       sync.Mutex
	rules    cache[*Rule]
	commands cache[*Command]
}

// New creates a Library rooted at dataDir and makes sure its
// directories exist.
func New(dataDir string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{dataDir: dataDir, logger: logger.With("component", "library")}
	for _, d := range []string{l.rulesDir(), l.commandsDir(), l.contextsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return l, nil
}

func (l *Library) rulesDir() string    { return filepath.Join(l.dataDir, "rules") }
func (l *Library) commandsDir() string { return filepath.Join(l.dataDir, "commands") }
func (l *Library) contextsDir() string { return filepath.Join(l.dataDir, "contexts") }

// cache holds one directory's parsed items and the stamp they were
// parsed at.
type cache[T any] struct {
	stamp dirStamp
	items map[string]T
}

// dirStamp changes whenever a markdown file in the directory is added,
// removed or modified.
type dirStamp struct {
	latest time.Time
	count  int
}

func stampDir(dir string) dirStamp {
	var s dirStamp
	paths, _ := filepath.Glob(filepath.Join(dir, "*.md"))
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		s.count++
		if st.ModTime().After(s.latest) {
			s.latest = st.ModTime()
		}
	}
	return s
}

// load returns the cached items for dir, reparsing when the directory
// stamp moved. parse returns the item's id, or "" to skip the file.
func load[T any](l *Library, c *cache[T], dir, kind string, parse func(path, raw string) (string, T)) map[string]T {
	stamp := stampDir(dir)
	if c.items != nil && stamp == c.stamp {
		return c.items
	}

	paths, _ := filepath.Glob(filepath.Join(dir, "*.md"))
	sort.Strings(paths)
	items := make(map[string]T, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			l.logger.Warn("unreadable "+kind+" file", "path", p, "error", err)
			continue
		}
		id, item := parse(p, string(raw))
		if id == "" {
			continue
		}
		if !ValidID(id) {
			l.logger.Warn("skipping "+kind+" with invalid id", "id", id, "path", p)
			continue
		}
		if _, dup := items[id]; dup {
			l.logger.Warn("duplicate "+kind+" id, skipping", "id", id, "path", p)
			continue
		}
		items[id] = item
	}
	c.items, c.stamp = items, stamp
	l.logger.Debug(kind+"s loaded", "count", len(items))
	return items
}

func (l *Library) parseMeta(path, raw string) (map[string]any, string) {
	meta, body, err := splitFrontmatter(raw)
	if err != nil {
		l.logger.Warn("bad frontmatter, treating file as plain markdown", "path", path, "error", err)
	}
	return meta, body
}

func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func (l *Library) itemPath(dir, id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(dir, id+".md"), nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// sortByName orders items case-insensitively by display name.
func sortByName[T any](items []T, name func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(name(items[i])) < strings.ToLower(name(items[j]))
	})
}
