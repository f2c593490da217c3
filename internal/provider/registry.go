package provider

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"

	"chat-gateway/internal/config"
)

const identitySuffix = "provider"

// Constructor builds a provider instance for a registry key and configuration.
type Constructor func(key string, cfg config.ProviderConfig) (Provider, error)

// Entry binds a vendor descriptor to the constructor that serves it.
type Entry struct {
	Descriptor Descriptor
	New        Constructor
}

// Registry maps provider keys to constructors and caches built instances
// per distinct configuration.
type Registry struct {
	source func() []Entry
	logger *slog.Logger

	mu         sync.Mutex
	entries    map[string]Entry
	manual     map[string]Entry
	discovered bool

	instances *haxmap.Map[string, Provider]
}

// NewRegistry constructs a registry that discovers its entries from source on
// first use.
func NewRegistry(source func() []Entry) *Registry {
	return &Registry{
		source:    source,
		logger:    slog.Default().With("component", "provider.registry"),
		instances: haxmap.New[string, Provider](),
	}
}

// DeriveKey turns an implementation identity such as "DeepseekProvider" into
// its registry key ("deepseek").
func DeriveKey(identity string) string {
	key := strings.ToLower(strings.TrimSpace(identity))
	if key != identitySuffix {
		key = strings.TrimSuffix(key, identitySuffix)
	}
	return key
}

func (r *Registry) table() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.discovered {
		r.entries = make(map[string]Entry)
		if r.source != nil {
			for _, entry := range r.source() {
				if entry.Descriptor.DisplayName == "" || entry.New == nil {
					continue
				}
				key := DeriveKey(entry.Descriptor.Identity)
				if _, dup := r.entries[key]; dup {
					r.logger.Error("duplicate provider key skipped", "key", key, "identity", entry.Descriptor.Identity)
					continue
				}
				r.entries[key] = entry
			}
		}
		for key, entry := range r.manual {
			r.entries[key] = entry
		}
		r.discovered = true
		r.logger.Debug("providers discovered", "count", len(r.entries))
	}
	return r.entries
}

func (r *Registry) lookup(name string) (string, Entry, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	table := r.table()

	r.mu.Lock()
	entry, ok := table[key]
	r.mu.Unlock()
	if !ok {
		return key, Entry{}, fmt.Errorf("%w: %q (available: %s)", ErrProviderNotFound, name, strings.Join(r.Available(), ", "))
	}
	return key, entry, nil
}

// Create returns a provider for name configured with cfg, reusing a cached
// instance when an equal configuration was seen before.
func (r *Registry) Create(name string, cfg config.ProviderConfig) (Provider, error) {
	key, entry, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	cacheKey, err := instanceKey(key, cfg)
	if err != nil {
		return nil, err
	}

	if cached, ok := r.instances.Get(cacheKey); ok {
		return cached, nil
	}

	instance, err := entry.New(key, cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider %s: %w", key, err)
	}

	actual, loaded := r.instances.GetOrCompute(cacheKey, func() Provider { return instance })
	if !loaded {
		r.logger.Info("provider instance created", "provider", key, "display_name", entry.Descriptor.DisplayName)
	}
	return actual, nil
}

// Info returns metadata for name without instantiating a provider.
func (r *Registry) Info(name string) (Info, error) {
	key, entry, err := r.lookup(name)
	if err != nil {
		return Info{}, err
	}

	d := entry.Descriptor
	return Info{
		Key:            key,
		Implementation: d.Identity,
		DisplayName:    d.DisplayName,
		BaseURL:        d.BaseURL,
		DefaultModel:   d.DefaultModel,
		Models:         slices.Clone(d.Models),
		SupportsImages: d.Images != nil,
	}, nil
}

// Available lists registered provider keys in sorted order.
func (r *Registry) Available() []string {
	table := r.table()

	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Register adds or replaces an entry under the case-folded name.
func (r *Registry) Register(name string, entry Entry) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidEntry)
	}
	if entry.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidEntry, key)
	}
	if entry.Descriptor.Identity == "" {
		entry.Descriptor.Identity = name
	}
	if entry.Descriptor.DisplayName == "" {
		entry.Descriptor.DisplayName = name
	}

	table := r.table()

	r.mu.Lock()
	if r.manual == nil {
		r.manual = make(map[string]Entry)
	}
	r.manual[key] = entry
	table[key] = entry
	r.mu.Unlock()

	r.evict(key)
	r.logger.Info("provider registered", "provider", key)
	return nil
}

// ClearCache drops all cached instances. Registered entries are kept.
func (r *Registry) ClearCache() {
	r.evict("")
}

// ResetDiscovery forgets the discovered table so the next call reloads it.
// Entries added with Register are reapplied on top of the reloaded table.
func (r *Registry) ResetDiscovery() {
	r.mu.Lock()
	r.entries = nil
	r.discovered = false
	r.mu.Unlock()
}

// CachedInstances reports the number of cached provider instances.
func (r *Registry) CachedInstances() int {
	return int(r.instances.Len())
}

func (r *Registry) evict(key string) {
	var stale []string
	r.instances.ForEach(func(cacheKey string, _ Provider) bool {
		if key == "" || strings.HasPrefix(cacheKey, key+":") {
			stale = append(stale, cacheKey)
		}
		return true
	})
	for _, cacheKey := range stale {
		r.instances.Del(cacheKey)
	}
}

func instanceKey(key string, cfg config.ProviderConfig) (string, error) {
	// encoding sorts map keys, so equal configurations hash equally
	canonical, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("hash provider config for %s: %w", key, err)
	}

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(canonical))
	return key + ":" + hex.EncodeToString(sum[:]), nil
}
