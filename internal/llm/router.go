package llm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one model offered to users. ID is the user-facing id
// (e.g. "openai/gpt-5-mini"); Model is what the vendor API expects.
type CatalogEntry struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Provider  string `yaml:"-" json:"provider"`
	Model     string `yaml:"model" json:"model"`
	Available bool   `yaml:"-" json:"available"`

	// Prices in USD per million tokens, for usage accounting. Zero
	// means unpriced.
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million,omitempty"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million,omitempty"`
}

// catalogFile is the on-disk models.yaml layout: one list per provider
// plus optional default and chat-namer model ids.
type catalogFile struct {
	Default   string         `yaml:"default"`
	ChatNamer string         `yaml:"chat_namer"`
	Small     string         `yaml:"small"`
	OpenAI    []CatalogEntry `yaml:"openai"`
	Anthropic []CatalogEntry `yaml:"anthropic"`
	Google    []CatalogEntry `yaml:"google"`
}

// Catalog is the models.yaml model list. The file is re-read when its
// modification time changes.
type Catalog struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	file    catalogFile
	entries []CatalogEntry
}

// LoadCatalog reads path. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStaticCatalog builds a catalog from entries without a backing file.
func NewStaticCatalog(entries []CatalogEntry) *Catalog {
	return &Catalog{entries: entries}
}

func (c *Catalog) reload() error {
	if c.path == "" {
		return nil
	}
	st, err := os.Stat(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.file, c.entries, c.modTime = catalogFile{}, nil, time.Time{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat models file: %w", err)
	}
	if st.ModTime().Equal(c.modTime) && c.entries != nil {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read models file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse models file %s: %w", c.path, err)
	}

	var entries []CatalogEntry
	for _, group := range []struct {
		provider string
		list     []CatalogEntry
	}{
		{ProviderOpenAI, f.OpenAI},
		{ProviderAnthropic, f.Anthropic},
		{ProviderGoogle, f.Google},
	} {
		for _, e := range group.list {
			e.Provider = group.provider
			if e.Name == "" {
				e.Name = e.ID
			}
			entries = append(entries, e)
		}
	}
	c.file, c.entries, c.modTime = f, entries, st.ModTime()
	return nil
}

// Entries returns the catalog in file order, reloading if it changed.
func (c *Catalog) Entries() []CatalogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.reload() // keep serving the last good copy on a bad edit
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Catalog) defaults() catalogFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.reload()
	return c.file
}

// Router resolves user-facing model ids to a vendor client and the
// vendor's model name.
type Router struct {
	catalog *Catalog
	pool    *ClientPool
}

// NewRouter creates a router over a catalog and a client pool.
func NewRouter(catalog *Catalog, pool *ClientPool) *Router {
	return &Router{catalog: catalog, pool: pool}
}

// Pool returns the underlying client pool.
func (r *Router) Pool() *ClientPool { return r.pool }

// Models lists the catalog with availability derived from credentials.
func (r *Router) Models() []CatalogEntry {
	entries := r.catalog.Entries()
	for i := range entries {
		entries[i].Available = r.pool.Available(entries[i].Provider)
	}
	return entries
}

// Lookup returns the catalog entry for id.
func (r *Router) Lookup(id string) (CatalogEntry, bool) {
	for _, e := range r.Models() {
		if e.ID == id {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// Resolve returns the client and vendor model for a catalog id. Unknown
// ids wrap ErrUnknownModel; a known id whose vendor has no credential
// yields a *ConfigurationError.
func (r *Router) Resolve(id string) (Client, string, error) {
	e, ok := r.Lookup(id)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	c, err := r.pool.Client(e.Provider)
	if err != nil {
		return nil, "", err
	}
	return c, e.Model, nil
}

// Available reports whether id resolves to a usable model.
func (r *Router) Available(id string) bool {
	e, ok := r.Lookup(id)
	return ok && e.Available
}

// DefaultModel picks the model for chats that name none: preferred when
// available, then the catalog default, then the first available entry.
func (r *Router) DefaultModel(preferred string) string {
	if preferred != "" && r.Available(preferred) {
		return preferred
	}
	if d := r.catalog.defaults().Default; d != "" && r.Available(d) {
		return d
	}
	for _, e := range r.Models() {
		if e.Available {
			return e.ID
		}
	}
	return ""
}

// SmallModel picks a cheap model for side calls: configured when
// available, then the catalog's small entry, then the last available
// entry of the first provider in openai, anthropic, google order.
func (r *Router) SmallModel(configured string) string {
	if configured != "" && r.Available(configured) {
		return configured
	}
	if s := r.catalog.defaults().Small; s != "" && r.Available(s) {
		return s
	}
	last := make(map[string]string)
	for _, e := range r.Models() {
		if e.Available {
			last[e.Provider] = e.ID
		}
	}
	for _, p := range Providers {
		if id := last[p]; id != "" {
			return id
		}
	}
	return ""
}

// ChatNamerModel picks the model that titles chats: configured, then the
// catalog's chat_namer entry, then the small model.
func (r *Router) ChatNamerModel(configured string) string {
	if configured != "" && r.Available(configured) {
		return configured
	}
	if n := r.catalog.defaults().ChatNamer; n != "" && r.Available(n) {
		return n
	}
	return r.SmallModel("")
}
