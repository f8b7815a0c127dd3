// Package settings stores user-editable settings (vendor API keys and the
// default model) in settings.json under the data directory.
//
// API keys resolve in order: environment variable, config file, then
// settings.json. Only the last is writable through Update.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nugget/mandarin/internal/llm"
)

// FileName is the settings file inside the data directory.
const FileName = "settings.json"

const maskPrefix = "••••••••"

// envKeys maps providers to the environment variables that hold their
// API keys, primary first.
var envKeys = map[string][]string{
	llm.ProviderOpenAI:    {"OPENAI_API_KEY"},
	llm.ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	llm.ProviderGoogle:    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
}

// file is the on-disk shape of settings.json.
type file struct {
	DefaultModel string            `json:"default_model,omitempty"`
	APIKeys      map[string]string `json:"api_keys,omitempty"`
}

// Store reads and writes settings.json. It implements
// llm.CredentialSource.
type Store struct {
	path       string
	configured map[string]string
	getenv     func(string) string
	logger     *slog.Logger

	mu        sync.Mutex
	onKeyEdit []func()
}

// New creates a settings store in dataDir. configured holds API keys
// from the config file, keyed by provider.
func New(dataDir string, configured map[string]string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:       filepath.Join(dataDir, FileName),
		configured: configured,
		getenv:     os.Getenv,
		logger:     logger.With("component", "settings"),
	}
}

// OnKeysChanged registers fn to run after an Update changes API keys.
// The client pool's Invalidate is the usual subscriber.
func (s *Store) OnKeysChanged(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyEdit = append(s.onKeyEdit, fn)
}

// load reads settings.json. A missing or corrupt file reads as empty.
func (s *Store) load() file {
	var f file
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("cannot read settings", "path", s.path, "error", err)
		}
		return f
	}
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("ignoring malformed settings", "path", s.path, "error", err)
		return file{}
	}
	return f
}

func (s *Store) save(f file) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// APIKey returns the effective key for provider, or "".
func (s *Store) APIKey(provider string) string {
	for _, name := range envKeys[provider] {
		if v := strings.TrimSpace(s.getenv(name)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(s.configured[provider]); v != "" {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.load().APIKeys[provider])
}

// DefaultModel returns the saved default model id, or "".
func (s *Store) DefaultModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.load().DefaultModel)
}

// Mask hides all but the last four characters of key.
func Mask(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) < 4:
		return maskPrefix
	default:
		return maskPrefix + key[len(key)-4:]
	}
}

// KeyStatus describes one provider's key without revealing it.
type KeyStatus struct {
	Set    bool   `json:"set"`
	Masked string `json:"masked"`
}

// View is the settings as shown to clients.
type View struct {
	DefaultModel *string              `json:"default_model"`
	APIKeys      map[string]KeyStatus `json:"api_keys"`
}

// View returns the settings with keys masked.
func (s *Store) View() View {
	v := View{APIKeys: make(map[string]KeyStatus, len(llm.Providers))}
	if m := s.DefaultModel(); m != "" {
		v.DefaultModel = &m
	}
	for _, p := range llm.Providers {
		k := s.APIKey(p)
		v.APIKeys[p] = KeyStatus{Set: k != "", Masked: Mask(k)}
	}
	return v
}

// Update holds requested changes. A nil DefaultModel leaves it alone and
// an empty one clears it. In APIKeys a non-empty value sets the key and
// an empty value deletes it; unknown providers are ignored.
type Update struct {
	DefaultModel *string           `json:"default_model"`
	APIKeys      map[string]string `json:"api_keys"`
}

// Apply saves u. Subscribers registered with OnKeysChanged run when u
// carries API keys.
func (s *Store) Apply(u Update) error {
	s.mu.Lock()
	f := s.load()
	if u.DefaultModel != nil {
		f.DefaultModel = strings.TrimSpace(*u.DefaultModel)
	}
	keysTouched := false
	if u.APIKeys != nil {
		if f.APIKeys == nil {
			f.APIKeys = make(map[string]string)
		}
		for p, v := range u.APIKeys {
			if _, ok := envKeys[p]; !ok {
				continue
			}
			keysTouched = true
			if v = strings.TrimSpace(v); v != "" {
				f.APIKeys[p] = v
			} else {
				delete(f.APIKeys, p)
			}
		}
	}
	err := s.save(f)
	hooks := append([]func(){}, s.onKeyEdit...)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if keysTouched {
		s.logger.Info("api keys updated")
		for _, fn := range hooks {
			fn()
		}
	}
	return nil
}
