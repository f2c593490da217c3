package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
)

type askFlags struct {
	provider string
	model    string
	role     string
	raw      bool
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	opts := &askFlags{}

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question through fallback routing",
		Long: `Send one question to the preferred provider, falling back to the other
configured providers, and print the answer rendered as markdown.

Examples:
  chat-gateway ask "Explain channels in two sentences"
  chat-gateway ask --provider kimi --role teacher "What is recursion?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(flags, func(cfg *config.Config) {
				if flags.logLevel == "" {
					cfg.Log.Level = "error"
				}
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			prompt, err := rolePrompt(rt.cfg.Chat, opts.role)
			if err != nil {
				return err
			}

			question := strings.Join(args, " ")
			resp, err := rt.manager.GenerateWithFallback(cmd.Context(),
				[]models.Message{models.NewMessage(models.RoleUser, question)},
				opts.provider,
				models.GenerationParams{Model: opts.model, SystemPrompt: prompt},
			)
			if err != nil {
				return err
			}

			out := resp.Content
			if !opts.raw {
				out, err = renderMarkdown(resp.Content)
				if err != nil {
					return err
				}
			}

			fmt.Fprint(cmd.OutOrStdout(), out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			fmt.Fprintln(cmd.ErrOrStderr(), color.New(color.Faint).Sprintf("via %s (%s)", resp.Provider, resp.Model))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.provider, "provider", "", "preferred provider key")
	cmd.Flags().StringVar(&opts.model, "model", "", "model override for the preferred provider")
	cmd.Flags().StringVar(&opts.role, "role", "", "persona id (defaults to chat.default_role)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "print the answer without markdown rendering")
	return cmd
}

func rolePrompt(chat config.ChatConfig, id string) (string, error) {
	if id == "" {
		id = chat.DefaultRole
	}
	for _, role := range chat.Roles {
		if role.ID == id {
			return role.Prompt, nil
		}
	}
	return "", errors.New("unknown role " + id)
}

func renderMarkdown(content string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	return renderer.Render(content)
}
