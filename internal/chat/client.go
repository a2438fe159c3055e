// Package chat drives one conversation turn: it posts the user message to the
// backend and feeds the streamed reply through the reconciler.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/flitsinc/cardstream/internal/cards"
	"github.com/flitsinc/cardstream/internal/events"
	"github.com/flitsinc/cardstream/internal/idgen"
	"github.com/flitsinc/cardstream/internal/journal"
	"github.com/flitsinc/cardstream/internal/logging"
	"github.com/flitsinc/cardstream/internal/reconcile"
	"github.com/flitsinc/cardstream/internal/sse"
)

var (
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrNoBody         = errors.New("no body in response")
)

// Request is the body posted to the backend stream endpoint.
type Request struct {
	Message      string                   `json:"message"`
	History      []reconcile.HistoryEntry `json:"history"`
	SearchResult []cards.SearchRecord     `json:"search_result"`
}

type Options struct {
	Endpoint   string
	HTTPClient *http.Client
	// Journal, when set, receives every classified frame.
	Journal *journal.Journal
	Logger  *logrus.Entry
}

type Client struct {
	endpoint string
	http     *http.Client
	rec      *reconcile.Reconciler
	journal  *journal.Journal
	log      *logrus.Entry

	busy atomic.Bool
}

func NewClient(rec *reconcile.Reconciler, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log := opts.Logger
	if log == nil {
		log = logging.For("chat")
	}
	return &Client{
		endpoint: opts.Endpoint,
		http:     httpClient,
		rec:      rec,
		journal:  opts.Journal,
		log:      log,
	}
}

// Busy reports whether a turn is streaming.
func (c *Client) Busy() bool { return c.busy.Load() }

// Send runs one turn and returns the final assistant message. A transport
// failure is recorded on the message and also returned.
func (c *Client) Send(ctx context.Context, text string) (reconcile.Message, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return reconcile.Message{}, ErrTurnInProgress
	}
	defer c.busy.Store(false)

	ctx = logging.WithTurn(ctx, idgen.New())
	req := Request{
		Message:      text,
		History:      c.rec.History(),
		SearchResult: c.rec.LastSearchResult(),
	}
	c.rec.AddUser(text)
	msg := c.rec.BeginAssistant()

	if err := c.stream(ctx, msg.ID, req); err != nil {
		if failErr := c.rec.Fail(msg.ID, err); failErr != nil {
			return reconcile.Message{}, failErr
		}
		final, _ := c.rec.Message(msg.ID)
		return final, fmt.Errorf("stream turn: %w", err)
	}
	return c.rec.Finish(msg.ID)
}

func (c *Client) stream(ctx context.Context, messageID string, body Request) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return ErrNoBody
	}

	log := logging.FromContext(ctx, c.log).WithField("message_id", messageID)
	for frame, err := range sse.Frames(resp.Body) {
		if err != nil {
			return err
		}
		event, ok := events.Classify([]byte(frame))
		if !ok {
			log.WithField("frame", frame).Debug("dropping unclassified frame")
			continue
		}
		c.record(ctx, messageID, event, log)
		if err := c.rec.Apply(ctx, messageID, event); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) record(ctx context.Context, messageID string, event events.Event, log *logrus.Entry) {
	if c.journal == nil {
		return
	}
	_, err := c.journal.Push(ctx, journal.Input{
		Stream:  journal.StreamFrames,
		ScopeID: messageID,
		Subject: string(event.Kind()),
		Body:    event,
	})
	if err != nil {
		log.WithError(err).Warn("journal frame")
	}
}
