package main

import (
	"fmt"
	"strings"

	"github.com/bborn/tgmail/internal/drafter"
	"github.com/bborn/tgmail/internal/mailbox"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

func draftCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "draft <message-id>",
		Short: "Draft a reply to one message without posting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger("draft")
			ctx := cmd.Context()

			gm := mailbox.NewGmail(&mailbox.Config{
				CredentialsFile: cfg.Gmail.CredentialsFile,
				TokenFile:       cfg.Gmail.TokenFile,
			}, logger)
			if err := gm.Authenticate(ctx, false); err != nil {
				return err
			}

			msg, err := gm.FetchMessage(ctx, args[0])
			if err != nil {
				return err
			}

			ai, err := drafter.NewClaude(drafter.Config{
				APIKey:    cfg.AI.APIKey,
				Model:     cfg.AI.Model,
				MaxTokens: cfg.AI.MaxTokens,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to setup drafter: %w", err)
			}

			if prompt == "" {
				prompt = cfg.Bridge.DefaultPrompt
			}

			var b strings.Builder
			for chunk, err := range ai.Stream(ctx, drafter.Request{
				Prompt:   prompt,
				Source:   msg.Body,
				Language: cfg.Bridge.Language,
			}) {
				if err != nil {
					return fmt.Errorf("draft failed: %w", err)
				}
				b.WriteString(chunk)
			}

			out := fmt.Sprintf("# %s\n\n*From %s*\n\n---\n\n%s\n", msg.Subject, msg.Sender, b.String())
			rendered, err := glamour.Render(out, "dark")
			if err != nil {
				fmt.Println(out)
				return nil
			}
			fmt.Print(rendered)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "instruction for the AI (default from config)")
	return cmd
}
