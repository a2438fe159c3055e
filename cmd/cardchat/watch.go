package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flitsinc/cardstream/internal/cards"
	"github.com/flitsinc/cardstream/internal/liveness"
	"github.com/flitsinc/cardstream/internal/logging"
)

var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Follow a task's push channel until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		taskID := args[0]
		ch, err := liveness.Open(ctx, liveness.Config{
			BaseURL:       cfg.TaskURL,
			ReconnectBase: cfg.ReconnectBase,
			MaxAttempts:   cfg.MaxReconnects,
			Logger:        logging.For("watch"),
		}, taskID, cards.TaskPayload{Status: cards.StatusAccepted}, liveness.Callbacks{
			OnUpdate: func(id string, payload cards.TaskPayload) {
				printTask(out, id, payload)
			},
			OnState: func(id string, state liveness.State, attempts int) {
				fmt.Fprintln(out, styles.muted.Render(fmt.Sprintf("connection %s (attempt %d)", state, attempts)))
			},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "watching %s\n", ch.Address())

		select {
		case <-ch.Done():
		case <-ctx.Done():
			_ = ch.Close()
		}
		if ch.Payload().Status == cards.StatusFailed {
			return fmt.Errorf("task %s failed: %s", taskID, ch.Payload().Message)
		}
		return nil
	},
}
