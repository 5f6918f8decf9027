package main

import (
	"fmt"

	"github.com/bborn/tgmail/internal/config"
	"github.com/bborn/tgmail/internal/state"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the poll checkpoint and recent pixel opens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(cfgFile).Load()
			if err != nil {
				return err
			}

			db, checkpoint, err := state.OpenStore(cfg.State.Checkpoint)
			if err != nil {
				return fmt.Errorf("failed to open state: %w", err)
			}
			defer db.Close()

			last, err := checkpoint.Last()
			if err != nil {
				return fmt.Errorf("failed to read checkpoint: %w", err)
			}
			if last == "" {
				last = "(none)"
			}

			fmt.Println(titleStyle.Render("📬 tgmail"))
			fmt.Printf("Last processed message: %s\n", last)
			fmt.Printf("Tracking: %v\n", cfg.Tracking.Enabled)

			opens, err := db.RecentOpens(limit)
			if err != nil {
				return fmt.Errorf("failed to list opens: %w", err)
			}
			if len(opens) == 0 {
				fmt.Println(infoStyle.Render("\nNo pixel opens recorded."))
				return nil
			}

			fmt.Println(titleStyle.Render("\n👁️ Recent opens"))
			for _, o := range opens {
				who := successStyle.Render("user ")
				if !o.IsUser {
					who = infoStyle.Render("proxy")
				}
				fmt.Printf("  %s  %s  card %d  %s\n", o.OpenedAt.Format("2006-01-02 15:04"), who, o.CardID, o.Subject)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of opens to show")
	return cmd
}
