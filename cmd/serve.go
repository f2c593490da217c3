package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"chat-gateway/internal/chat"
	"chat-gateway/internal/config"
	"chat-gateway/internal/conversation"
	"chat-gateway/internal/server"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the chat gateway HTTP server.

Examples:
  # Defaults plus provider keys from the environment / .env
  DEEPSEEK_API_KEY=sk-... chat-gateway serve

  # Explicit configuration and port
  chat-gateway serve --config config.yaml --port 9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != 0 && (port < 0 || port > 65535) {
				return fmt.Errorf("port override %d must be a valid TCP port", port)
			}

			rt, err := bootstrap(flags, func(cfg *config.Config) {
				if port != 0 {
					cfg.Server.Port = port
				}
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()

			store, err := conversation.Open(ctx, rt.cfg.Storage, rt.cfg.Chat.PreviewLength)
			if err != nil {
				return fmt.Errorf("open conversation store: %w", err)
			}
			defer store.Close()

			srv, err := server.New(rt.cfg, server.Deps{
				Chat:     chat.NewService(rt.manager, store, rt.cfg.Chat),
				Manager:  rt.manager,
				Registry: rt.registry,
				Metrics:  rt.metrics,
			})
			if err != nil {
				return err
			}

			return srv.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server port from configuration")
	return cmd
}
