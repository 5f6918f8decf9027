package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bborn/tgmail/internal/bridge"
	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/drafter"
	"github.com/bborn/tgmail/internal/mailbox"
	"github.com/bborn/tgmail/internal/state"
	"github.com/bborn/tgmail/internal/tracking"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := loadConfig()
			if err != nil {
				return err
			}

			logger := newLogger("tgmail")
			loader.Watch(logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			gm := mailbox.NewGmail(&mailbox.Config{
				CredentialsFile: cfg.Gmail.CredentialsFile,
				TokenFile:       cfg.Gmail.TokenFile,
			}, logger.WithPrefix("gmail"))
			if err := gm.Authenticate(ctx, false); err != nil {
				return err
			}

			ai, err := drafter.NewClaude(drafter.Config{
				APIKey:    cfg.AI.APIKey,
				Model:     cfg.AI.Model,
				MaxTokens: cfg.AI.MaxTokens,
			}, logger.WithPrefix("claude"))
			if err != nil {
				return fmt.Errorf("failed to setup drafter: %w", err)
			}

			tg, err := chat.NewTelegram(chat.Config{
				Token:          cfg.Telegram.Token,
				ChatID:         cfg.Telegram.ChatID,
				OperatorChatID: cfg.Telegram.OperatorChatID,
				Timeout:        cfg.Bridge.RequestTimeout,
			}, logger.WithPrefix("telegram"))
			if err != nil {
				return fmt.Errorf("failed to connect to Telegram: %w", err)
			}

			db, checkpoint, err := state.OpenStore(cfg.State.Checkpoint)
			if err != nil {
				return fmt.Errorf("failed to open state: %w", err)
			}
			defer db.Close()

			br := bridge.New(bridge.Config{
				PollInterval:    cfg.Bridge.PollInterval,
				Language:        cfg.Bridge.Language,
				DefaultPrompt:   cfg.Bridge.DefaultPrompt,
				ForwardTo:       cfg.Bridge.ForwardTo,
				Workers:         cfg.Bridge.Workers,
				MaxSessions:     cfg.Bridge.MaxSessions,
				MinEditInterval: cfg.Bridge.MinEditInterval,
				RequestTimeout:  cfg.Bridge.RequestTimeout,
				Tracking: bridge.Tracking{
					Enabled: cfg.Tracking.Enabled,
					BaseURL: cfg.Tracking.BaseURL,
				},
			}, gm, ai, tg, checkpoint, logger.WithPrefix("bridge"))

			errCh := make(chan error, 2)
			running := 1
			go func() {
				errCh <- br.Run(ctx, tg.Listen(ctx))
			}()

			if cfg.Tracking.Enabled {
				srv := tracking.NewServer(tracking.Config{
					Addr:     cfg.Tracking.Listen,
					Secret:   cfg.Tracking.Secret,
					Applier:  br,
					Recorder: db,
				}, logger.WithPrefix("pixel"))
				running++
				go func() {
					errCh <- srv.Start(ctx)
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			logger.Info("tgmail started", "chat", cfg.Telegram.ChatID, "tracking", cfg.Tracking.Enabled)

			var first error
			select {
			case sig := <-sigCh:
				logger.Info("shutting down...", "signal", sig.String())
			case first = <-errCh:
				running--
			}
			cancel()
			for ; running > 0; running-- {
				if err := <-errCh; first == nil {
					first = err
				}
			}
			if first != nil && !errors.Is(first, context.Canceled) {
				return first
			}
			return nil
		},
	}
}
