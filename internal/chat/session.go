package chat

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/flitsinc/cardstream/internal/config"
	"github.com/flitsinc/cardstream/internal/journal"
	"github.com/flitsinc/cardstream/internal/liveness"
	"github.com/flitsinc/cardstream/internal/logging"
	"github.com/flitsinc/cardstream/internal/reconcile"
)

// Session bundles the conversation state, its turn driver and the journal
// that records both.
type Session struct {
	Client     *Client
	Reconciler *reconcile.Reconciler
	Journal    *journal.Journal

	log *logrus.Entry
}

type SessionOptions struct {
	HTTPClient *http.Client
	// Dialer overrides the task channel transport.
	Dialer liveness.Dialer
	// StaticTasks disables live task channels.
	StaticTasks bool
}

func NewSession(cfg config.Config, opts SessionOptions) (*Session, error) {
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s := &Session{Journal: j, log: logging.For("session")}

	recOpts := reconcile.Options{
		OnChange: s.recordMessage,
		OnTask:   s.recordTask,
	}
	if !opts.StaticTasks {
		recOpts.OpenTask = reconcile.LiveTasks(liveness.Config{
			BaseURL:       cfg.TaskURL,
			ReconnectBase: cfg.ReconnectBase,
			MaxAttempts:   cfg.MaxReconnects,
			Dialer:        opts.Dialer,
		})
	}
	s.Reconciler = reconcile.New(recOpts)
	s.Client = NewClient(s.Reconciler, Options{
		Endpoint:   cfg.StreamURL(),
		HTTPClient: opts.HTTPClient,
		Journal:    j,
	})
	return s, nil
}

func (s *Session) Close() error {
	s.Reconciler.Close()
	return s.Journal.Close()
}

func (s *Session) recordMessage(msg reconcile.Message) {
	_, err := s.Journal.Push(context.Background(), journal.Input{
		Stream:  journal.StreamMessages,
		ScopeID: msg.ID,
		Subject: string(msg.Role),
		Body:    msg,
	})
	if err != nil {
		s.log.WithError(err).Warn("journal message")
	}
}

func (s *Session) recordTask(evt reconcile.TaskEvent) {
	subject := string(evt.State)
	if evt.Payload != nil {
		subject = string(evt.Payload.Status)
	}
	_, err := s.Journal.Push(context.Background(), journal.Input{
		Stream:  journal.StreamTasks,
		ScopeID: evt.TaskID,
		Subject: subject,
		Body:    evt,
	})
	if err != nil {
		s.log.WithError(err).WithField("task_id", evt.TaskID).Warn("journal task event")
	}
}

// WaitForTasks blocks until every task card on the message is terminal or
// ctx ends, returning the latest message either way.
func (s *Session) WaitForTasks(ctx context.Context, messageID string) (reconcile.Message, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := s.Journal.Subscribe(subCtx, []string{journal.StreamTasks})
	for {
		msg, ok := s.Reconciler.Message(messageID)
		if !ok {
			return reconcile.Message{}, fmt.Errorf("wait for tasks of %s: %w", messageID, reconcile.ErrUnknownMessage)
		}
		if tasksSettled(msg) {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return msg, ctx.Err()
		case _, ok := <-sub:
			if !ok {
				return msg, ctx.Err()
			}
		}
	}
}

func tasksSettled(msg reconcile.Message) bool {
	for _, c := range msg.TaskCards {
		if c.Task != nil && !c.Task.Status.Terminal() {
			return false
		}
	}
	return true
}

