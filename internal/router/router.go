package router

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"chat-gateway/internal/config"
	"chat-gateway/internal/metrics"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

// ErrNoProviderAvailable indicates no active provider can serve the request.
var ErrNoProviderAvailable = errors.New("no provider available")

// ErrAllProvidersFailed is matched by every *ExhaustedError.
var ErrAllProvidersFailed = errors.New("all providers failed")

// ExhaustedError reports that every attempted provider failed.
type ExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed (tried %s): %v", strings.Join(e.Attempted, ", "), e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Status describes one active provider.
type Status struct {
	Available      bool   `json:"available"`
	IsDefault      bool   `json:"is_default"`
	Implementation string `json:"implementation"`
}

// Creator builds providers by name. *provider.Registry satisfies it.
type Creator interface {
	Create(name string, cfg config.ProviderConfig) (provider.Provider, error)
}

// Option customises a Manager.
type Option func(*Manager)

// WithMetrics records provider traffic on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithDefault prefers name as the default provider when it is active.
func WithDefault(name string) Option {
	return func(m *Manager) {
		m.preferredDefault = strings.ToLower(strings.TrimSpace(name))
	}
}

// Manager owns the active provider set and routes requests across it.
type Manager struct {
	providers        *orderedmap.OrderedMap[string, provider.Provider]
	metrics          *metrics.Collector
	logger           *slog.Logger
	preferredDefault string

	mu          sync.RWMutex
	defaultName string
}

// New instantiates every configured provider through creator. Providers that
// fail to build or to validate are logged and left out.
func New(creator Creator, configs *orderedmap.OrderedMap[string, config.ProviderConfig], opts ...Option) *Manager {
	m := &Manager{
		providers: orderedmap.New[string, provider.Provider](),
		logger:    slog.Default().With("component", "router"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if configs != nil {
		for pair := configs.Oldest(); pair != nil; pair = pair.Next() {
			name := strings.ToLower(pair.Key)

			impl, err := creator.Create(name, pair.Value)
			if err != nil {
				m.logger.Error("provider initialisation failed", "provider", name, "err", err)
				continue
			}
			if !impl.ValidateConfig() {
				m.logger.Warn("provider configuration invalid, skipping", "provider", name)
				continue
			}

			m.providers.Set(name, impl)
			m.logger.Info("provider activated", "provider", name, "display_name", impl.DisplayName())
		}
	}

	if _, ok := m.providers.Get(m.preferredDefault); ok {
		m.defaultName = m.preferredDefault
	} else if first := m.providers.Oldest(); first != nil {
		if m.preferredDefault != "" {
			m.logger.Warn("configured default provider is not active", "provider", m.preferredDefault)
		}
		m.defaultName = first.Key
	}

	if m.providers.Len() == 0 {
		m.logger.Warn("no providers are active")
	} else {
		m.logger.Info("provider manager ready", "active", m.providers.Len(), "default", m.defaultName)
	}
	m.metrics.SetActiveProviders(m.providers.Len())

	return m
}

// Names lists active providers in registration order.
func (m *Manager) Names() []string {
	names := make([]string, 0, m.providers.Len())
	for pair := m.providers.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Provider returns the active provider registered under name.
func (m *Manager) Provider(name string) (provider.Provider, bool) {
	return m.providers.Get(strings.ToLower(name))
}

// Default returns the default provider name, empty when none is active.
func (m *Manager) Default() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// SetDefault changes the default provider. Unknown names are rejected.
func (m *Manager) SetDefault(name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := m.providers.Get(key); !ok {
		return fmt.Errorf("%w: %q is not an active provider", provider.ErrProviderNotFound, name)
	}

	m.mu.Lock()
	m.defaultName = key
	m.mu.Unlock()

	m.logger.Info("default provider changed", "provider", key)
	return nil
}

// GenerateWithFallback tries preferred first, then the remaining active
// providers in registration order, returning the first successful response.
func (m *Manager) GenerateWithFallback(ctx context.Context, messages []models.Message, preferred string, params models.GenerationParams) (*models.Response, error) {
	order := m.fallbackOrder(preferred)
	if len(order) == 0 {
		return nil, ErrNoProviderAvailable
	}

	overrideFor := modelTarget(preferred, order[0])

	var lastErr error
	for i, name := range order {
		impl, _ := m.providers.Get(name)

		attemptParams := params
		if name != overrideFor {
			attemptParams.Model = ""
		}

		start := time.Now()
		resp := impl.Generate(ctx, messages, attemptParams)
		m.metrics.RecordAttempt(name, !resp.IsError(), time.Since(start))

		if !resp.IsError() {
			if i > 0 {
				m.logger.Info("fallback provider succeeded", "provider", name, "attempt", i+1)
			}
			return resp, nil
		}

		lastErr = responseError(name, resp)
		m.logger.Warn("provider attempt failed", "provider", name, "attempt", i+1, "err", lastErr)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	m.metrics.RecordExhausted()
	return nil, &ExhaustedError{Attempted: order, Last: lastErr}
}

func (m *Manager) fallbackOrder(preferred string) []string {
	names := m.Names()
	preferred = strings.ToLower(strings.TrimSpace(preferred))
	if i := slices.Index(names, preferred); i > 0 {
		names = append([]string{preferred}, slices.Delete(names, i, i+1)...)
	}
	return names
}

// modelTarget returns the provider a model override was meant for: the
// preferred one when it is active, or resolved when no provider was named.
// It returns "" when the override names an inactive provider.
func modelTarget(preferred, resolved string) string {
	preferred = strings.ToLower(strings.TrimSpace(preferred))
	if preferred == "" || preferred == resolved {
		return resolved
	}
	return ""
}

func responseError(name string, resp *models.Response) error {
	if resp == nil {
		return fmt.Errorf("provider %s returned no response", name)
	}
	if resp.Err != nil {
		return fmt.Errorf("provider %s: %w", name, resp.Err)
	}
	return fmt.Errorf("provider %s: %s", name, resp.Content)
}

// resolve picks the named provider when it is active and the default otherwise.
func (m *Manager) resolve(name string) (string, provider.Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if impl, ok := m.providers.Get(key); ok {
		return key, impl, nil
	}
	if key != "" {
		m.logger.Warn("requested provider is not active, using default", "provider", key)
	}

	key = m.Default()
	if impl, ok := m.providers.Get(key); ok {
		return key, impl, nil
	}
	return "", nil, ErrNoProviderAvailable
}

// GenerateStream streams from a single provider, the named one or the
// default. There is no fallback once a stream has been selected.
func (m *Manager) GenerateStream(ctx context.Context, messages []models.Message, providerName, model string, params models.GenerationParams) (iter.Seq[string], error) {
	name, impl, err := m.resolve(providerName)
	if err != nil {
		return nil, err
	}

	if model != "" {
		params.Model = model
	}
	if params.Model != "" && modelTarget(providerName, name) != name {
		m.logger.Warn("model override dropped, requested provider inactive", "requested", providerName, "provider", name, "model", params.Model)
		params.Model = ""
	}
	params.Stream = true

	m.metrics.RecordStream(name)
	m.logger.Debug("stream dispatched", "provider", name, "model", params.Model)

	upstream := impl.GenerateStream(ctx, messages, params)
	return func(yield func(string) bool) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("stream panicked", "provider", name, "panic", r)
				panic(r)
			}
		}()

		for fragment := range upstream {
			if kind, _, ok := provider.ParseFragment(fragment); ok {
				m.metrics.RecordFragment(name, kind)
			}
			if !yield(fragment) {
				return
			}
		}
	}, nil
}

// GenerateImage dispatches an image request to the named or default provider.
func (m *Manager) GenerateImage(ctx context.Context, providerName string, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
	name, impl, err := m.resolve(providerName)
	if err != nil {
		return nil, err
	}

	resp, err := impl.GenerateImage(ctx, req)
	m.metrics.RecordImage(name, err == nil)
	if err != nil {
		return nil, fmt.Errorf("provider %s image generation: %w", name, err)
	}
	return resp, nil
}

// Models maps each active provider to its model catalogue. A provider whose
// catalogue cannot be read contributes an empty list.
func (m *Manager) Models() map[string][]string {
	out := make(map[string][]string, m.providers.Len())
	for pair := m.providers.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = m.safeModels(pair.Key, pair.Value)
	}
	return out
}

func (m *Manager) safeModels(name string, impl provider.Provider) (list []string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listing models failed", "provider", name, "panic", r)
			list = []string{}
		}
	}()

	list = impl.ListModels()
	if list == nil {
		list = []string{}
	}
	return list
}

// Status reports availability and default flag for each active provider.
func (m *Manager) Status() map[string]Status {
	def := m.Default()
	out := make(map[string]Status, m.providers.Len())
	for pair := m.providers.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = Status{
			Available:      pair.Value.ValidateConfig(),
			IsDefault:      pair.Key == def,
			Implementation: implementation(pair.Value),
		}
	}
	return out
}

func implementation(impl provider.Provider) string {
	if d, ok := impl.(interface{ Descriptor() provider.Descriptor }); ok {
		return d.Descriptor().Identity
	}
	return fmt.Sprintf("%T", impl)
}
