package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flitsinc/cardstream/internal/cards"
	"github.com/flitsinc/cardstream/internal/chat"
	"github.com/flitsinc/cardstream/internal/journal"
	"github.com/flitsinc/cardstream/internal/reconcile"
)

var (
	askDebug bool
	askWait  bool
)

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Send one message and print the reconciled reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAsk(ctx, cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

func init() {
	askCmd.Flags().BoolVar(&askDebug, "debug", false, "print the journaled stream frames")
	askCmd.Flags().BoolVar(&askWait, "wait", false, "wait for task cards to finish")
}

func runAsk(ctx context.Context, out io.Writer, text string) error {
	session, err := chat.NewSession(cfg, chat.SessionOptions{StaticTasks: !askWait})
	if err != nil {
		return err
	}
	defer session.Close()

	msg, sendErr := session.Client.Send(ctx, text)
	if sendErr == nil && askWait {
		msg, err = session.WaitForTasks(ctx, msg.ID)
		if err != nil {
			fmt.Fprintf(out, "stopped waiting: %v\n", err)
		}
	}
	printMessage(out, msg)

	if askDebug {
		if err := printFrames(ctx, out, session.Journal, msg.ID); err != nil {
			return err
		}
	}
	return sendErr
}

func printMessage(out io.Writer, msg reconcile.Message) {
	if msg.HasError {
		fmt.Fprintln(out, styles.errorStatus.Render(msg.Content))
	} else {
		fmt.Fprintln(out, msg.Content)
	}
	for _, c := range msg.SearchCards {
		title := fmt.Sprintf("[search %s] %q: %d records", c.ID, c.Search.Query, len(c.Search.Records))
		fmt.Fprintf(out, "\n%s\n", styles.cardTitle.Render(title))
		for i, rec := range c.Search.Records {
			fmt.Fprintf(out, "  %d. %s %s\n", i+1, rec.Title, styles.muted.Render("("+rec.Journal+", "+rec.PublishDate+")"))
		}
	}
	for _, c := range msg.TaskCards {
		printTask(out, c.ID, *c.Task)
		if state, ok := msg.Connections[c.ID]; ok {
			fmt.Fprintf(out, "  %s\n", styles.muted.Render("connection: "+string(state)))
		}
	}
	for _, c := range msg.UnsupportedCards {
		fmt.Fprintf(out, "\n%s\n", styles.errorStatus.Render("Unsupported Card Type: "+string(c.Type)))
	}
}

func printTask(out io.Writer, id string, task cards.TaskPayload) {
	title := styles.cardTitle.Render(fmt.Sprintf("[task %s] %s", id, task.Tool))
	fmt.Fprintf(out, "\n%s %s %.0f%% %s\n", title, styles.statusText(string(task.Status)), task.Progress*100, task.Message)
	if task.ResultURL != "" {
		fmt.Fprintf(out, "  result: %s\n", task.ResultURL)
	}
}

func printFrames(ctx context.Context, out io.Writer, j *journal.Journal, messageID string) error {
	summaries, err := j.List(ctx, journal.StreamFrames, journal.ListOptions{ScopeID: messageID, Limit: 1000})
	if err != nil {
		return fmt.Errorf("list frames: %w", err)
	}
	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.ID)
	}
	entries, err := j.Read(ctx, journal.StreamFrames, ids)
	if err != nil {
		return fmt.Errorf("read frames: %w", err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Subject+" "+string(e.Body))
	}
	fmt.Fprintf(out, "\n%s\n", styles.frame.Render(strings.Join(lines, "\n")))
	return nil
}
