package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flitsinc/cardstream/internal/config"
	"github.com/flitsinc/cardstream/internal/logging"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "cardchat",
	Short: "Stream assistant turns and reconcile their embedded cards",
	Long: `cardchat sends a message to the streaming chat backend, renders the reply
with its search and task cards, and follows long-running tasks over their
push channel.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if err := logging.Init(loaded.LogLevel, loaded.LogFormat); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd, serveCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cardchat: %s\n", err)
		os.Exit(1)
	}
}
