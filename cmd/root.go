package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chat-gateway/internal/config"
	"chat-gateway/internal/logging"
	"chat-gateway/internal/metrics"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/provider/factory"
	"chat-gateway/internal/router"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "chat-gateway",
		Short: "Multi-vendor LLM chat gateway",
		Long: strings.TrimSpace(`
chat-gateway routes chat conversations to OpenAI-compatible vendors
(OpenAI, DeepSeek, Doubao, Kimi, Qianwen) with fallback, streaming and
per-session history.

Examples:
  chat-gateway serve --config config.yaml
  chat-gateway providers
  chat-gateway ask --provider deepseek "What is a goroutine?"`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(flags),
		newProvidersCmd(flags),
		newAskCmd(flags),
	)
	return root
}

// runtime is the provider stack shared by every command.
type runtime struct {
	cfg      config.Config
	registry *provider.Registry
	manager  *router.Manager
	metrics  *metrics.Collector
	logClose io.Closer
}

func (r *runtime) Close() error {
	return r.logClose.Close()
}

// bootstrap loads configuration, installs logging and builds the registry
// and provider manager. tweak adjusts the loaded configuration before
// logging is installed.
func bootstrap(flags *rootFlags, tweak func(*config.Config)) (*runtime, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = strings.ToLower(flags.logLevel)
	}
	if tweak != nil {
		tweak(&cfg)
	}

	_, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}

	registry := factory.NewRegistry(cfg.Upstream)
	cfg.ApplyProviderEnv(registry.Available())
	if err := cfg.Validate(); err != nil {
		closer.Close()
		return nil, err
	}

	collector := metrics.New()
	manager := router.New(registry, cfg.Providers.OrderedMap,
		router.WithDefault(cfg.DefaultProvider),
		router.WithMetrics(collector),
	)

	return &runtime{
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		metrics:  collector,
		logClose: closer,
	}, nil
}
