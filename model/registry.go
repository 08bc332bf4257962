package model

import (
	"fmt"
	"sync"
)

// Registry manages model selection based on capabilities.
// It maps capabilities to preferred endpoints with fallback chains.
// Lifetime is one pipeline run; construct it explicitly and inject it.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaultModel string

	health *healthState
}

// CapabilityConfig defines endpoint preferences for a capability.
type CapabilityConfig struct {
	// Description explains what this capability is for.
	Description string `yaml:"description" json:"description"`

	// Preferred lists endpoints in order of preference.
	Preferred []string `yaml:"preferred" json:"preferred"`

	// Fallback lists backup endpoints if all preferred fail.
	Fallback []string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, openai, ollama).
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Model is the actual model identifier sent to the provider.
	Model string `yaml:"model" json:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// NewRegistry creates a model registry with the given configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaultModel: "default",
		health:       newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry creates a registry with sensible defaults.
// Used when no configuration is provided.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityPlanning: {
				Description: "High-level reasoning, architecture decisions",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			CapabilityCoding: {
				Description: "Code generation by developer workers",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			CapabilityReviewing: {
				Description: "Code review, candidate scoring",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"claude-haiku", "qwen"},
			},
			CapabilityLearning: {
				Description: "Unexpected-state recovery synthesis",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			CapabilityFast: {
				Description: "Quick responses, simple tasks",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
		},
		map[string]*EndpointConfig{
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 200000,
			},
			"claude-haiku": {
				Provider:  "anthropic",
				Model:     "claude-haiku-3-5-20241022",
				MaxTokens: 200000,
			},
			"qwen": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5-coder:14b",
				MaxTokens: 128000,
			},
		},
	)
	r.defaultModel = "qwen"
	return r
}

// Resolve returns the preferred endpoint name for a capability.
func (r *Registry) Resolve(cap Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaultModel
}

// GetFallbackChain returns all endpoints for a capability in order of
// preference. The gateway walks this chain when the primary fails.
func (r *Registry) GetFallbackChain(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaultModel}
}

// GetEndpoint returns the endpoint configuration for an endpoint name.
// Returns nil if the endpoint is not configured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(cap Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[cap] = cfg
}

// SetDefault sets the default endpoint used when no capability matches.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = name
}

// PinModel rewires every capability to a single endpoint. Used by the CLI
// --model override so one flag affects all stages.
func (r *Registry) PinModel(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[name]; !ok {
		return fmt.Errorf("unknown endpoint %q", name)
	}
	for cap, cfg := range r.capabilities {
		r.capabilities[cap] = &CapabilityConfig{
			Description: cfg.Description,
			Preferred:   []string{name},
		}
	}
	r.defaultModel = name
	return nil
}

// ListEndpoints returns all configured endpoint names.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}
