// Package liveness keeps one reconnecting push connection per background task
// and merges the status updates it receives into the task's card payload.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flitsinc/cardstream/internal/cards"
	"github.com/flitsinc/cardstream/internal/logging"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

const (
	DefaultReconnectBase = 2 * time.Second
	DefaultMaxAttempts   = 5

	// FallbackMessage is set on a task whose channel ran out of reconnect
	// attempts, unless the task already carries a message.
	FallbackMessage = "Connection timed out, please refresh and retry."
)

var (
	ErrClosed   = errors.New("liveness channel closed")
	ErrTerminal = errors.New("task already in a terminal status")
)

type Config struct {
	BaseURL       string
	ReconnectBase time.Duration
	MaxAttempts   int
	Dialer        Dialer
	// After schedules reconnects; time.After when nil.
	After  func(time.Duration) <-chan time.Time
	Logger *logrus.Entry
}

type Callbacks struct {
	OnUpdate func(taskID string, payload cards.TaskPayload)
	OnState  func(taskID string, state State, attempts int)
}

// Channel is an owned handle on one task's push connection. Close releases it.
type Channel struct {
	taskID string
	addr   string
	cfg    Config
	cb     Callbacks
	log    *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	payload  cards.TaskPayload
	state    State
	attempts int
	closed   bool
}

// Open starts connecting to the task's channel in the background. The task
// must not already be terminal.
func Open(ctx context.Context, cfg Config, taskID string, initial cards.TaskPayload, cb Callbacks) (*Channel, error) {
	if initial.Status.Terminal() {
		return nil, ErrTerminal
	}
	addr, err := Address(cfg.BaseURL, taskID)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	log := cfg.Logger
	if log == nil {
		log = logging.For("liveness")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		taskID:  taskID,
		addr:    addr,
		cfg:     cfg,
		cb:      cb,
		log:     log.WithField("task_id", taskID),
		cancel:  cancel,
		done:    make(chan struct{}),
		payload: initial,
	}
	go c.run(runCtx)
	return c, nil
}

func (c *Channel) TaskID() string { return c.taskID }

func (c *Channel) Address() string { return c.addr }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Payload returns the latest merged task payload.
func (c *Channel) Payload() cards.TaskPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// Done is closed once the background loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close cancels any pending reconnect and drops the connection. No callbacks
// fire after Close returns. It does not wait for the loop; use Done for that.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	for {
		c.setState(StateConnecting)
		conn, err := c.cfg.Dialer.Dial(ctx, c.addr)
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
			c.setState(StateConnected)
			err = c.read(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			c.log.WithError(err).Warn("task channel error")
			c.setState(StateError)
		}
		c.setState(StateDisconnected)

		delay, ok := c.nextDelay()
		if !ok {
			return
		}
		c.log.WithFields(logrus.Fields{"attempt": c.Attempts(), "delay": delay.String()}).Debug("reconnecting task channel")
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.After(delay):
		}
	}
}

func (c *Channel) read(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handle(data)
	}
}

// handle merges one inbound message. Messages that are not JSON updates, such
// as keepalive replies, and updates for other tasks are ignored.
func (c *Channel) handle(data []byte) {
	var update cards.TaskUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		c.log.WithError(err).Debug("ignoring task channel message")
		return
	}
	if update.TaskID != c.taskID {
		return
	}
	c.mu.Lock()
	merged, err := c.payload.Merge(c.taskID, update)
	c.payload = merged
	c.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Warn("rejected task status")
	}
	c.emitUpdate(merged)
}

// nextDelay decides what follows a close: nothing for a terminal task, a
// linear backoff delay while attempts remain, or the synthesized failure.
func (c *Channel) nextDelay() (time.Duration, bool) {
	c.mu.Lock()
	if c.payload.Status.Terminal() {
		c.mu.Unlock()
		return 0, false
	}
	if c.attempts < c.cfg.MaxAttempts {
		c.attempts++
		delay := c.cfg.ReconnectBase * time.Duration(c.attempts)
		c.mu.Unlock()
		return delay, true
	}
	c.payload.Status = cards.StatusFailed
	if c.payload.Message == "" {
		c.payload.Message = FallbackMessage
	}
	payload := c.payload
	c.mu.Unlock()

	c.log.WithField("attempts", c.cfg.MaxAttempts).Warn("task channel reconnects exhausted")
	c.emitUpdate(payload)
	return 0, false
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	c.state = state
	attempts := c.attempts
	closed := c.closed
	c.mu.Unlock()
	if closed || c.cb.OnState == nil {
		return
	}
	c.cb.OnState(c.taskID, state, attempts)
}

func (c *Channel) emitUpdate(payload cards.TaskPayload) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.cb.OnUpdate == nil {
		return
	}
	c.cb.OnUpdate(c.taskID, payload)
}
