// tgmail relays new Gmail messages to a Telegram chat and lets the operator
// answer them with AI-drafted replies.
package main

import (
	"os"

	"github.com/bborn/tgmail/internal/config"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tgmail",
		Short: "Gmail to Telegram bridge with AI drafted replies",
		Long: `tgmail watches a Gmail inbox and posts every new message to a Telegram chat.
Each card carries buttons to send or save an AI drafted reply, rewrite it
with a new instruction, tag, star, forward or trash the message.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/tgmail/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		authCmd(),
		initCmd(),
		statusCmd(),
		draftCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(prefix string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
