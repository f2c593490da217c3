package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	App             AppConfig      `yaml:"app"`
	Server          ServerConfig   `yaml:"server"`
	Log             LogConfig      `yaml:"log"`
	Storage         StorageConfig  `yaml:"storage"`
	Chat            ChatConfig     `yaml:"chat"`
	Upstream        UpstreamConfig `yaml:"upstream"`
	Metrics         MetricsConfig  `yaml:"metrics"`
	DefaultProvider string         `yaml:"default_provider"`
	Providers       Providers      `yaml:"providers"`
}

// AppConfig carries identification shown by the root endpoint.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Debug   bool   `yaml:"debug"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	StaticDir    string   `yaml:"static_dir"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// LogConfig selects log level, format and an optional log file.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
	File   string `yaml:"file"`
}

// StorageConfig selects the conversation store backend.
type StorageConfig struct {
	Backend         string        `yaml:"backend"`
	ConversationTTL time.Duration `yaml:"conversation_ttl"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	Redis           RedisConfig   `yaml:"redis"`
	SQLite          SQLiteConfig  `yaml:"sqlite"`
}

// RedisConfig addresses a Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SQLiteConfig points at the SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// ChatConfig tunes the conversation layer.
type ChatConfig struct {
	MaxHistoryMessages int          `yaml:"max_history_messages"`
	PreviewLength      int          `yaml:"preview_length"`
	MaxImageBytes      int64        `yaml:"max_image_bytes"`
	DefaultRole        string       `yaml:"default_role"`
	WelcomeMessage     string       `yaml:"welcome_message"`
	Roles              []RoleConfig `yaml:"roles"`
}

// RoleConfig is a persona selectable by clients.
type RoleConfig struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// UpstreamConfig tunes the shared vendor HTTP client.
type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ProviderConfig captures authentication and request defaults for a provider.
type ProviderConfig struct {
	APIKey      string         `yaml:"api_key" json:"api_key"`
	BaseURL     string         `yaml:"base_url" json:"base_url,omitempty"`
	Model       string         `yaml:"model" json:"model,omitempty"`
	MaxTokens   *int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature *float64       `yaml:"temperature" json:"temperature,omitempty"`
	Watermark   *bool          `yaml:"watermark" json:"watermark,omitempty"`
	Headers     Headers        `yaml:"headers" json:"headers,omitempty"`
	ExtraBody   map[string]any `yaml:"extra_body" json:"extra_body,omitempty"`
}

// Configured reports whether the provider has credentials.
func (p ProviderConfig) Configured() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Providers keeps provider configuration in declaration order.
type Providers struct {
	*orderedmap.OrderedMap[string, ProviderConfig]
}

// NewProviders returns an empty ordered provider set.
func NewProviders() Providers {
	return Providers{OrderedMap: orderedmap.New[string, ProviderConfig]()}
}

// UnmarshalYAML decodes a mapping while preserving key order.
func (p *Providers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("providers must be a mapping, got line %d", node.Line)
	}

	out := orderedmap.New[string, ProviderConfig]()
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		var cfg ProviderConfig
		if err := valueNode.Decode(&cfg); err != nil {
			return fmt.Errorf("provider %s: %w", keyNode.Value, err)
		}
		out.Set(strings.ToLower(strings.TrimSpace(keyNode.Value)), cfg)
	}
	p.OrderedMap = out
	return nil
}

// Names lists provider keys in declaration order.
func (p Providers) Names() []string {
	if p.OrderedMap == nil {
		return nil
	}
	names := make([]string, 0, p.Len())
	for pair := p.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		App: AppConfig{
			Name:    "chat-gateway",
			Version: "0.1.0",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			AllowOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			File:   "chat-gateway.log",
		},
		Storage: StorageConfig{
			Backend:         StorageMemory,
			ConversationTTL: 7 * 24 * time.Hour,
			SessionTTL:      30 * 24 * time.Hour,
			SweepSchedule:   "@every 1m",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			SQLite: SQLiteConfig{
				Path: "chat-gateway.db",
			},
		},
		Chat: ChatConfig{
			MaxHistoryMessages: 20,
			PreviewLength:      50,
			MaxImageBytes:      10 << 20,
			DefaultRole:        "assistant",
			WelcomeMessage:     "Hello! I'm your AI assistant. How can I help you today?",
			Roles:              defaultRoles(),
		},
		Upstream: UpstreamConfig{
			Timeout: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Providers: NewProviders(),
	}
}

func defaultRoles() []RoleConfig {
	return []RoleConfig{
		{
			ID:     "assistant",
			Name:   "AI Assistant",
			Prompt: "You are a friendly and helpful AI assistant. Answer the user's questions patiently and accurately.",
		},
		{
			ID:     "teacher",
			Name:   "Teacher",
			Prompt: "You are a patient teacher who explains knowledge in plain language and guides the student to think for themselves.",
		},
		{
			ID:     "programmer",
			Name:   "Programmer",
			Prompt: "You are an experienced programmer who gives clear code examples, explains technical concepts and helps debug problems.",
		},
	}
}

// Load reads optional .env and YAML configuration, applies environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if cfg.Providers.OrderedMap == nil {
		cfg.Providers = NewProviders()
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT must be an integer, got %q", v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.App.Debug = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB must be an integer, got %q", v)
		}
		c.Storage.Redis.DB = db
	}
	if v := os.Getenv("MAX_HISTORY_MESSAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_HISTORY_MESSAGES must be an integer, got %q", v)
		}
		c.Chat.MaxHistoryMessages = n
	}
	if v := os.Getenv("DEFAULT_PROVIDER"); v != "" {
		c.DefaultProvider = strings.ToLower(v)
	}
	return nil
}

// ApplyProviderEnv overlays <KEY>_API_KEY, <KEY>_BASE_URL and <KEY>_MODEL
// environment variables for each of the given provider keys. Keys absent from
// the file are appended when an API key is found in the environment.
func (c *Config) ApplyProviderEnv(keys []string) {
	if c.Providers.OrderedMap == nil {
		c.Providers = NewProviders()
	}

	for _, key := range keys {
		prefix := strings.ToUpper(key) + "_"
		cfg, present := c.Providers.Get(key)

		apiKey := os.Getenv(prefix + "API_KEY")
		if !present && apiKey == "" {
			continue
		}
		if apiKey != "" {
			cfg.APIKey = apiKey
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			cfg.BaseURL = v
		}
		if v := os.Getenv(prefix + "MODEL"); v != "" {
			cfg.Model = v
		}
		c.Providers.Set(key, cfg)
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q must be console or json", c.Log.Format)
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageRedis, StorageSQLite:
	default:
		return fmt.Errorf("storage.backend %q must be one of %q, %q or %q", c.Storage.Backend, StorageMemory, StorageRedis, StorageSQLite)
	}
	if c.Storage.ConversationTTL <= 0 || c.Storage.SessionTTL <= 0 {
		return errors.New("storage ttl values must be positive")
	}
	if c.Storage.Backend == StorageSQLite && strings.TrimSpace(c.Storage.SQLite.Path) == "" {
		return errors.New("storage.sqlite.path must be provided for the sqlite backend")
	}

	if c.Chat.MaxHistoryMessages <= 0 {
		return fmt.Errorf("chat.max_history_messages must be positive, got %d", c.Chat.MaxHistoryMessages)
	}
	if c.Chat.MaxImageBytes <= 0 {
		return fmt.Errorf("chat.max_image_bytes must be positive, got %d", c.Chat.MaxImageBytes)
	}
	if err := validateRoles(c.Chat); err != nil {
		return err
	}

	if c.Upstream.Timeout < 0 {
		return errors.New("upstream.timeout must not be negative")
	}

	if c.Providers.OrderedMap != nil {
		for pair := c.Providers.Oldest(); pair != nil; pair = pair.Next() {
			if err := validateProvider(pair.Key, pair.Value); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateRoles(chat ChatConfig) error {
	if len(chat.Roles) == 0 {
		return errors.New("chat.roles must define at least one role")
	}

	seen := make(map[string]struct{}, len(chat.Roles))
	for _, role := range chat.Roles {
		if strings.TrimSpace(role.ID) == "" {
			return errors.New("chat.roles: role id must not be empty")
		}
		if _, dup := seen[role.ID]; dup {
			return fmt.Errorf("chat.roles: duplicate role %q", role.ID)
		}
		seen[role.ID] = struct{}{}
	}

	if _, ok := seen[chat.DefaultRole]; !ok {
		return fmt.Errorf("chat.default_role %q is not a defined role", chat.DefaultRole)
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if name == "" {
		return errors.New("provider name must not be empty")
	}
	if provider.BaseURL != "" {
		u, err := url.Parse(provider.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("provider %s: base_url %q must be an absolute URL", name, provider.BaseURL)
		}
	}
	if provider.MaxTokens != nil && *provider.MaxTokens <= 0 {
		return fmt.Errorf("provider %s: max_tokens must be positive", name)
	}
	if provider.Temperature != nil && (*provider.Temperature < 0 || *provider.Temperature > 2) {
		return fmt.Errorf("provider %s: temperature must be between 0 and 2", name)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
