package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

const (
	// DefaultStreamRetries is how many times opening a stream is retried.
	DefaultStreamRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
)

// Registry manages the configured providers and implements Streamer.
type Registry struct {
	mu           sync.RWMutex
	providers    map[string]Provider
	defaultModel string
	retries      int
	newBackoff   func(ctx context.Context, retries int) backoff.BackOff
}

var _ Streamer = (*Registry)(nil)

// NewRegistry creates a provider registry. defaultModel is "provider/model".
func NewRegistry(defaultModel string) *Registry {
	return &Registry{
		providers:    make(map[string]Provider),
		defaultModel: defaultModel,
		retries:      DefaultStreamRetries,
		newBackoff:   newRetryBackoff,
	}
}

// SetRetries sets how many times opening a stream is retried.
func (r *Registry) SetRetries(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = n
}

func newRetryBackoff(ctx context.Context, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return p, nil
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve picks the provider and model for a request, falling back to the
// configured default and then to the only registered provider.
func (r *Registry) Resolve(providerID, modelID string) (Provider, string, error) {
	if providerID == "" && r.defaultModel != "" {
		providerID, modelID = ParseModelString(r.defaultModel)
	}
	if providerID == "" {
		ids := r.IDs()
		if len(ids) == 0 {
			return nil, "", fmt.Errorf("no providers configured")
		}
		providerID = ids[0]
	}
	p, err := r.Get(providerID)
	if err != nil {
		return nil, "", err
	}
	if modelID == "" {
		modelID = p.DefaultModel()
	}
	return p, modelID, nil
}

// StartStreamCompletion implements Streamer. Opening the stream is retried
// with exponential backoff; errors after the stream opened arrive as events.
func (r *Registry) StartStreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan StreamEvent, error) {
	p, modelID, err := r.Resolve(req.ProviderID, req.Model)
	if err != nil {
		return nil, err
	}
	call := *req
	call.ProviderID = p.ID()
	call.Model = modelID

	r.mu.RLock()
	b := r.newBackoff(ctx, r.retries)
	r.mu.RUnlock()

	attempt := 0
	stream, err := backoff.RetryWithData(func() (streamHandle, error) {
		attempt++
		s, err := openStream(ctx, p, &call)
		if err != nil {
			logging.Warn().Err(err).
				Str("provider", p.ID()).
				Str("model", modelID).
				Int("attempt", attempt).
				Msg("stream open failed")
			return nil, err
		}
		return s, nil
	}, b)
	if err != nil {
		return nil, fmt.Errorf("start stream on %s/%s: %w", p.ID(), modelID, err)
	}
	return relay(ctx, stream), nil
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// InitializeProviders creates and registers all providers from config.
// Providers that fail to initialize are logged and skipped.
func InitializeProviders(ctx context.Context, config *types.Config) *Registry {
	registry := NewRegistry(config.Model)
	if config.Resume != nil && config.Resume.StreamRetries > 0 {
		registry.SetRetries(config.Resume.StreamRetries)
	}

	for id, cfg := range config.Provider {
		if cfg.Disable {
			continue
		}
		apiKey, baseURL := cfg.APIKey, cfg.BaseURL
		if cfg.Options != nil {
			if cfg.Options.APIKey != "" {
				apiKey = cfg.Options.APIKey
			}
			if cfg.Options.BaseURL != "" {
				baseURL = cfg.Options.BaseURL
			}
		}

		var (
			p   Provider
			err error
		)
		switch id {
		case "anthropic", "claude":
			p, err = NewAnthropicProvider(ctx, &AnthropicConfig{
				ID: id, APIKey: apiKey, BaseURL: baseURL, Model: cfg.Model, MaxTokens: cfg.MaxTokens,
			})
		case "ark":
			p, err = NewArkProvider(ctx, &ArkConfig{
				APIKey: apiKey, BaseURL: baseURL, Model: cfg.Model, MaxTokens: cfg.MaxTokens,
			})
		default:
			p, err = NewOpenAIProvider(ctx, &OpenAIConfig{
				ID: id, APIKey: apiKey, BaseURL: baseURL, Model: cfg.Model, MaxTokens: cfg.MaxTokens,
			})
		}
		if err != nil {
			logging.Warn().Err(err).Str("provider", id).Msg("provider not initialized")
			continue
		}
		registry.Register(p)
	}

	return registry
}
