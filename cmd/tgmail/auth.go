package main

import (
	"fmt"
	"os"

	"github.com/bborn/tgmail/internal/config"
	"github.com/bborn/tgmail/internal/mailbox"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func authCmd() *cobra.Command {
	var callback string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize Gmail access",
		Long:  "Runs the OAuth consent flow in the browser and stores the token for serve.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("auth needs an interactive terminal")
			}

			// Only the Gmail section matters here, so skip validation.
			cfg, err := config.NewLoader(cfgFile).Load()
			if err != nil {
				return err
			}

			gm := mailbox.NewGmail(&mailbox.Config{
				CredentialsFile: cfg.Gmail.CredentialsFile,
				TokenFile:       cfg.Gmail.TokenFile,
				CallbackAddr:    callback,
			}, newLogger("auth"))
			if err := gm.Authenticate(cmd.Context(), true); err != nil {
				fmt.Println(errorStyle.Render("✗ " + err.Error()))
				return err
			}

			fmt.Println(successStyle.Render("✓ Gmail token saved to " + cfg.Gmail.TokenFile))
			return nil
		},
	}
	cmd.Flags().StringVar(&callback, "callback", "", "local address for the OAuth redirect (default localhost:8089)")
	return cmd
}
