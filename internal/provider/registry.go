package provider

import (
	"fmt"
	"os"
	"time"
)

// Config holds the connection parameters for one configured provider.
// Credentials are opaque to the engine beyond being handed to the client.
type Config struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"` // openai | ollama | google
	Endpoint       string `yaml:"endpoint,omitempty"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key,omitempty"`
	APIKeyEnv      string `yaml:"api_key_env,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) apiKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

// factory builds a client from its config.
type factory func(Config) (Client, error)

// kinds is the closed set of provider kinds. Unknown kinds are rejected at
// startup, not at dispatch time.
var kinds = map[string]factory{
	"openai": newOpenAIClient,
	"ollama": newOllamaClient,
	"google": newGoogleClient,
}

// Registry resolves provider names to constructed clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry constructs every configured provider eagerly so configuration
// errors surface at startup.
func NewRegistry(cfgs []Config) (*Registry, error) {
	r := &Registry{clients: make(map[string]Client, len(cfgs))}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("provider with empty name")
		}
		if _, dup := r.clients[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", cfg.Name)
		}
		build, ok := kinds[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown kind %q", cfg.Name, cfg.Kind)
		}
		client, err := build(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
		}
		r.clients[cfg.Name] = client
	}
	return r, nil
}

// Get returns the named client.
func (r *Registry) Get(name string) (Client, error) {
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return client, nil
}

// Names returns the configured provider names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
