package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// Registry manages engine instances by name
type Registry struct {
	llmProviders map[string]LLMProvider
	ttsProviders map[string]TTSProvider
	envProviders map[string]EnvironmentProvider
	mu           sync.RWMutex
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		llmProviders: make(map[string]LLMProvider),
		ttsProviders: make(map[string]TTSProvider),
		envProviders: make(map[string]EnvironmentProvider),
	}
}

// RegisterLLM registers an LLM provider
func (r *Registry) RegisterLLM(provider LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.llmProviders[name]; exists {
		return fmt.Errorf("LLM provider already registered: %s", name)
	}
	r.llmProviders[name] = provider
	return nil
}

// RegisterTTS registers a TTS engine
func (r *Registry) RegisterTTS(provider TTSProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.ttsProviders[name]; exists {
		return fmt.Errorf("TTS provider already registered: %s", name)
	}
	r.ttsProviders[name] = provider
	return nil
}

// RegisterEnvironment registers an environment-sound engine
func (r *Registry) RegisterEnvironment(provider EnvironmentProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.envProviders[name]; exists {
		return fmt.Errorf("environment provider already registered: %s", name)
	}
	r.envProviders[name] = provider
	return nil
}

// GetLLM retrieves an LLM provider by name
func (r *Registry) GetLLM(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.llmProviders[name]
	if !exists {
		return nil, fmt.Errorf("LLM provider not found: %s", name)
	}
	return provider, nil
}

// GetTTS retrieves a TTS engine by name
func (r *Registry) GetTTS(name string) (TTSProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.ttsProviders[name]
	if !exists {
		return nil, fmt.Errorf("TTS provider not found: %s", name)
	}
	return provider, nil
}

// GetEnvironment retrieves an environment engine by name
func (r *Registry) GetEnvironment(name string) (EnvironmentProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.envProviders[name]
	if !exists {
		return nil, fmt.Errorf("environment provider not found: %s", name)
	}
	return provider, nil
}

// ListTTS returns the registered TTS engine names, sorted
func (r *Registry) ListTTS() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.ttsProviders)
}

// ListLLM returns the registered classifier model names, sorted
func (r *Registry) ListLLM() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.llmProviders)
}

// ListEnvironment returns the registered environment engine names, sorted
func (r *Registry) ListEnvironment() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.envProviders)
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheckers returns every registered engine that can be probed, keyed by kind and name
func (r *Registry) HealthCheckers() map[string]HealthChecker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HealthChecker)
	for name, p := range r.ttsProviders {
		if hc, ok := p.(HealthChecker); ok {
			out["tts:"+name] = hc
		}
	}
	for name, p := range r.envProviders {
		if hc, ok := p.(HealthChecker); ok {
			out["environment:"+name] = hc
		}
	}
	return out
}

// Close closes all registered providers
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, provider := range r.llmProviders {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close LLM provider %s: %w", name, err))
		}
	}
	for name, provider := range r.ttsProviders {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close TTS provider %s: %w", name, err))
		}
	}
	for name, provider := range r.envProviders {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close environment provider %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// InitializeProviders creates engine instances from configuration
func (r *Registry) InitializeProviders(cfg types.ProvidersConfig) error {
	for _, llmCfg := range cfg.LLM {
		if !llmCfg.Enabled {
			continue
		}
		var provider LLMProvider
		if llmCfg.Endpoint != "" && llmCfg.Model != "" {
			p, err := NewOpenAILLMProvider(llmCfg)
			if err != nil {
				return fmt.Errorf("failed to create LLM provider %s: %w", llmCfg.Name, err)
			}
			provider = p
		} else {
			provider = NewStubLLMProvider(llmCfg)
		}
		if err := r.RegisterLLM(provider); err != nil {
			return err
		}
	}

	for _, ttsCfg := range cfg.TTS {
		if !ttsCfg.Enabled {
			continue
		}
		var provider TTSProvider
		switch ttsCfg.Type {
		case "megatts":
			p, err := NewMegaTTSProvider(ttsCfg)
			if err != nil {
				return fmt.Errorf("failed to create TTS provider %s: %w", ttsCfg.Name, err)
			}
			provider = p
		case "stub", "":
			provider = NewStubTTSProvider(ttsCfg)
		default:
			return fmt.Errorf("unknown TTS provider type %q for %s", ttsCfg.Type, ttsCfg.Name)
		}
		if err := r.RegisterTTS(provider); err != nil {
			return err
		}
	}

	for _, envCfg := range cfg.Environment {
		if !envCfg.Enabled {
			continue
		}
		var provider EnvironmentProvider
		switch envCfg.Type {
		case "tangoflux":
			p, err := NewTangoFluxProvider(envCfg)
			if err != nil {
				return fmt.Errorf("failed to create environment provider %s: %w", envCfg.Name, err)
			}
			provider = p
		case "stub", "":
			provider = NewStubEnvironmentProvider(envCfg)
		default:
			return fmt.Errorf("unknown environment provider type %q for %s", envCfg.Type, envCfg.Name)
		}
		if err := r.RegisterEnvironment(provider); err != nil {
			return err
		}
	}

	return nil
}
