package llm

import (
	"fmt"
	"log/slog"
	"sync"
)

// Provider identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Providers lists the supported vendors in display order.
var Providers = []string{ProviderOpenAI, ProviderAnthropic, ProviderGoogle}

// CredentialSource yields the effective API key for a provider, or "".
type CredentialSource interface {
	APIKey(provider string) string
}

// Factory builds a Client for one vendor from an API key.
type Factory func(apiKey string, logger *slog.Logger) Client

// ClientPool holds one Client per vendor, built lazily from the current
// credentials and reused until Invalidate is called.
type ClientPool struct {
	creds     CredentialSource
	logger    *slog.Logger
	mu        sync.Mutex
	factories map[string]Factory
	clients   map[string]Client
}

// NewClientPool creates a pool with the three vendor adapters registered.
// opts apply to every default adapter.
func NewClientPool(creds CredentialSource, logger *slog.Logger, opts ...Option) *ClientPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ClientPool{
		creds:     creds,
		logger:    logger,
		factories: make(map[string]Factory),
		clients:   make(map[string]Client),
	}
	p.Register(ProviderOpenAI, func(key string, l *slog.Logger) Client { return NewOpenAIClient(key, l, opts...) })
	p.Register(ProviderAnthropic, func(key string, l *slog.Logger) Client { return NewAnthropicClient(key, l, opts...) })
	p.Register(ProviderGoogle, func(key string, l *slog.Logger) Client { return NewGoogleClient(key, l, opts...) })
	return p
}

// Register installs or replaces the factory for a provider and drops
// any client already built for it.
func (p *ClientPool) Register(provider string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[provider] = f
	delete(p.clients, provider)
}

// Client returns the client for provider, building it on first use.
// A provider without a credential yields a *ConfigurationError.
func (p *ClientPool) Client(provider string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[provider]; ok {
		return c, nil
	}
	f, ok := p.factories[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	key := p.creds.APIKey(provider)
	if key == "" {
		return nil, &ConfigurationError{Provider: provider}
	}
	c := f(key, p.logger)
	p.clients[provider] = c
	p.logger.Debug("provider client created", "provider", provider)
	return c, nil
}

// Available reports whether provider is known and has a credential.
func (p *ClientPool) Available(provider string) bool {
	p.mu.Lock()
	_, known := p.factories[provider]
	p.mu.Unlock()
	return known && p.creds.APIKey(provider) != ""
}

// Invalidate drops every cached client so the next call picks up
// changed credentials.
func (p *ClientPool) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.clients)
	p.logger.Info("provider clients invalidated")
}
