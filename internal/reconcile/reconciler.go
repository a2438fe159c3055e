// Package reconcile owns the per-message state of a conversation and applies
// classified stream events to it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/flitsinc/cardstream/internal/cards"
	"github.com/flitsinc/cardstream/internal/events"
	"github.com/flitsinc/cardstream/internal/idgen"
	"github.com/flitsinc/cardstream/internal/liveness"
	"github.com/flitsinc/cardstream/internal/logging"
)

const (
	// SearchToolPrefix marks tools whose responses carry search records.
	// Observing a call to one also stops card extraction from the message
	// text for the rest of the turn.
	SearchToolPrefix = "search_"

	ToolTranslatePaper = "translate_paper_tool"
	ToolGeneratePPT    = "generate_ppt_tool"

	errorAnnotation = "\n\n*[Error: %s]*"
	failureSuffix   = "\n\n*Sorry, something went wrong.*"
)

var ErrUnknownMessage = errors.New("unknown message")

// TaskChannel is a live connection feeding status updates for one task card.
type TaskChannel interface {
	Close() error
}

// Opener starts a live channel for a non-terminal task card.
type Opener func(ctx context.Context, taskID string, initial cards.TaskPayload, cb liveness.Callbacks) (TaskChannel, error)

// LiveTasks opens task channels with liveness.Open.
func LiveTasks(cfg liveness.Config) Opener {
	return func(ctx context.Context, taskID string, initial cards.TaskPayload, cb liveness.Callbacks) (TaskChannel, error) {
		ch, err := liveness.Open(ctx, cfg, taskID, initial, cb)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// TaskEvent reports a change on a live task channel.
type TaskEvent struct {
	TaskID    string             `json:"task_id"`
	MessageID string             `json:"message_id"`
	State     liveness.State     `json:"state,omitempty"`
	Attempts  int                `json:"attempts,omitempty"`
	Payload   *cards.TaskPayload `json:"payload,omitempty"`
}

type Options struct {
	// OpenTask is nil when task cards should stay static.
	OpenTask Opener
	// OnChange receives a snapshot after every mutation of a message.
	OnChange func(Message)
	OnTask   func(TaskEvent)
	NewID    func() string
	// NewCardID names synthesized search cards.
	NewCardID func() string
	Logger    *logrus.Entry
}

// turn is the scratch state of one assistant message while it streams.
type turn struct {
	buffer  strings.Builder
	latched bool
	calls   []events.FunctionCall
	done    bool
}

type liveTask struct {
	messageID string
	ch        TaskChannel
}

type Reconciler struct {
	opts   Options
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	order      []string
	messages   map[string]*Message
	turns      map[string]*turn
	tasks      map[string]*liveTask
	live       map[string]cards.TaskPayload
	lastSearch []cards.SearchRecord
}

func New(opts Options) *Reconciler {
	if opts.NewID == nil {
		opts.NewID = idgen.New
	}
	if opts.NewCardID == nil {
		opts.NewCardID = func() string { return idgen.CardID("search") }
	}
	log := opts.Logger
	if log == nil {
		log = logging.For("reconcile")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		messages:   map[string]*Message{},
		turns:      map[string]*turn{},
		tasks:      map[string]*liveTask{},
		live:       map[string]cards.TaskPayload{},
		lastSearch: []cards.SearchRecord{},
	}
}

func (r *Reconciler) AddUser(content string) Message {
	r.mu.Lock()
	msg := r.addLocked(&Message{ID: r.opts.NewID(), Role: RoleUser, Content: content})
	r.mu.Unlock()
	r.notify(msg)
	return msg
}

// BeginAssistant creates the empty, loading message that the next stream is
// applied to.
func (r *Reconciler) BeginAssistant() Message {
	r.mu.Lock()
	msg := r.addLocked(&Message{ID: r.opts.NewID(), Role: RoleAssistant, Loading: true})
	r.turns[msg.ID] = &turn{}
	r.mu.Unlock()
	r.notify(msg)
	return msg
}

func (r *Reconciler) addLocked(m *Message) Message {
	m.SearchCards = []cards.Card{}
	m.TaskCards = []cards.Card{}
	r.messages[m.ID] = m
	r.order = append(r.order, m.ID)
	return m.clone()
}

// Apply merges one classified event into the assistant message id.
func (r *Reconciler) Apply(ctx context.Context, id string, event events.Event) error {
	log := logging.FromContext(ctx, r.log).WithField("message_id", id)

	r.mu.Lock()
	msg, ok := r.messages[id]
	t := r.turns[id]
	if !ok || t == nil {
		r.mu.Unlock()
		return fmt.Errorf("apply %s to %s: %w", event.Kind(), id, ErrUnknownMessage)
	}

	switch e := event.(type) {
	case events.TextDelta:
		t.buffer.WriteString(e.Text)
		r.renderLocked(msg, t, log)
	case events.FunctionCall:
		call := e
		msg.FunctionCall = &call
		t.calls = append(t.calls, e)
		if strings.HasPrefix(e.Name, SearchToolPrefix) && !t.latched {
			t.latched = true
			log.WithField("tool", e.Name).Debug("search call observed, card extraction disabled")
		}
	case events.FunctionResponse:
		resp := e
		msg.FunctionResponse = &resp
		r.applyResponseLocked(msg, t, e, log)
	case events.Error:
		fmt.Fprintf(&t.buffer, errorAnnotation, e.Message)
		msg.HasError = true
		r.renderLocked(msg, t, log)
		log.WithField("error", e.Message).Warn("stream reported an error")
	case events.Done:
		t.done = true
	default:
		r.mu.Unlock()
		return fmt.Errorf("apply %T: unsupported event", event)
	}
	r.syncTasksLocked(msg)
	snapshot := msg.clone()
	r.mu.Unlock()

	r.notify(snapshot)
	return nil
}

// renderLocked recomputes the visible content from the whole text buffer.
// Cards found in text replace the previous batch of the same type; an empty
// batch keeps what was there.
func (r *Reconciler) renderLocked(msg *Message, t *turn, log *logrus.Entry) {
	text := t.buffer.String()
	if t.latched {
		msg.Content = text
		msg.PendingCard = false
		return
	}
	res := cards.Extract(text)
	for _, err := range res.Errors {
		log.WithError(err).Debug("card block left as text")
	}
	msg.Content = res.CleanText
	msg.PendingCard = res.HasIncompleteCard

	var search, task, unsupported []cards.Card
	for _, c := range res.Cards {
		switch c.Type {
		case cards.TypeSearchResult:
			search = append(search, c)
		case cards.TypeTask:
			task = append(task, c)
		default:
			unsupported = append(unsupported, c)
		}
	}
	if len(search) > 0 {
		msg.SearchCards = dedupe(search)
	}
	if len(task) > 0 {
		msg.TaskCards = r.overlayLocked(dedupe(task))
	}
	if len(unsupported) > 0 {
		msg.UnsupportedCards = dedupe(unsupported)
	}
}

func (r *Reconciler) applyResponseLocked(msg *Message, t *turn, resp events.FunctionResponse, log *logrus.Entry) {
	switch {
	case strings.HasPrefix(resp.Name, SearchToolPrefix):
		records, ok := resp.Records()
		if !ok {
			return
		}
		query := ""
		for i := len(t.calls) - 1; i >= 0; i-- {
			if t.calls[i].Name == resp.Name {
				query = t.calls[i].Query()
				break
			}
		}
		msg.SearchCards = []cards.Card{cards.NewSearchCard(r.opts.NewCardID(), query, records)}
		r.lastSearch = slices.Clone(records)
	case resp.Name == ToolTranslatePaper || resp.Name == ToolGeneratePPT:
		text, ok := resp.ResultText()
		if !ok {
			return
		}
		res := cards.Extract(text)
		for _, err := range res.Errors {
			log.WithError(err).WithField("tool", resp.Name).Warn("tool result card not parsed")
		}
		for _, c := range res.Cards {
			switch c.Type {
			case cards.TypeTask:
				msg.TaskCards = upsert(msg.TaskCards, r.overlayOne(c))
			case cards.TypeSearchResult:
				msg.SearchCards = upsert(msg.SearchCards, c)
			default:
				msg.UnsupportedCards = upsert(msg.UnsupportedCards, c)
			}
		}
	}
}

// overlayLocked swaps in the payload last received on a task's channel so a
// re-extracted card never rolls back live progress.
func (r *Reconciler) overlayLocked(list []cards.Card) []cards.Card {
	for i := range list {
		list[i] = r.overlayOne(list[i])
	}
	return list
}

func (r *Reconciler) overlayOne(c cards.Card) cards.Card {
	if c.Task == nil {
		return c
	}
	if p, ok := r.live[c.ID]; ok {
		c.Task = &p
	}
	return c
}

// syncTasksLocked opens channels for new non-terminal task cards of msg and
// closes channels whose card is no longer on it.
func (r *Reconciler) syncTasksLocked(msg *Message) {
	present := map[string]struct{}{}
	for _, c := range msg.TaskCards {
		present[c.ID] = struct{}{}
	}
	for taskID, lt := range r.tasks {
		if lt.messageID != msg.ID {
			continue
		}
		if _, ok := present[taskID]; ok {
			continue
		}
		_ = lt.ch.Close()
		delete(r.tasks, taskID)
		delete(r.live, taskID)
		delete(msg.Connections, taskID)
		r.log.WithFields(logrus.Fields{"task_id": taskID, "message_id": msg.ID}).Debug("task card discarded, channel closed")
	}

	if r.opts.OpenTask == nil {
		return
	}
	for _, c := range msg.TaskCards {
		if c.Task == nil || c.Task.Status.Terminal() {
			continue
		}
		if _, ok := r.tasks[c.ID]; ok {
			continue
		}
		ch, err := r.opts.OpenTask(r.ctx, c.ID, *c.Task, r.taskCallbacks(msg.ID))
		if err != nil {
			r.log.WithError(err).WithField("task_id", c.ID).Warn("open task channel")
			continue
		}
		r.tasks[c.ID] = &liveTask{messageID: msg.ID, ch: ch}
	}
}

func (r *Reconciler) taskCallbacks(messageID string) liveness.Callbacks {
	return liveness.Callbacks{
		OnUpdate: func(taskID string, payload cards.TaskPayload) {
			r.applyTaskUpdate(messageID, taskID, payload)
		},
		OnState: func(taskID string, state liveness.State, attempts int) {
			r.applyTaskState(messageID, taskID, state, attempts)
		},
	}
}

// ownedLocked returns the message a live task belongs to, or nil when the
// channel has been released.
func (r *Reconciler) ownedLocked(messageID, taskID string) *Message {
	lt, ok := r.tasks[taskID]
	if !ok || lt.messageID != messageID {
		return nil
	}
	return r.messages[messageID]
}

func (r *Reconciler) applyTaskUpdate(messageID, taskID string, payload cards.TaskPayload) {
	r.mu.Lock()
	msg := r.ownedLocked(messageID, taskID)
	if msg == nil {
		r.mu.Unlock()
		return
	}
	r.live[taskID] = payload
	for i := range msg.TaskCards {
		if msg.TaskCards[i].ID == taskID {
			p := payload
			msg.TaskCards[i].Task = &p
		}
	}
	snapshot := msg.clone()
	r.mu.Unlock()

	r.notifyTask(TaskEvent{TaskID: taskID, MessageID: messageID, Payload: &payload})
	r.notify(snapshot)
}

func (r *Reconciler) applyTaskState(messageID, taskID string, state liveness.State, attempts int) {
	r.mu.Lock()
	msg := r.ownedLocked(messageID, taskID)
	if msg == nil {
		r.mu.Unlock()
		return
	}
	if msg.Connections == nil {
		msg.Connections = map[string]liveness.State{}
	}
	msg.Connections[taskID] = state
	snapshot := msg.clone()
	r.mu.Unlock()

	r.notifyTask(TaskEvent{TaskID: taskID, MessageID: messageID, State: state, Attempts: attempts})
	r.notify(snapshot)
}

// Fail records a transport failure for the turn: a visible suffix, the error
// flag, and loading cleared.
func (r *Reconciler) Fail(id string, cause error) error {
	r.mu.Lock()
	msg, ok := r.messages[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("fail %s: %w", id, ErrUnknownMessage)
	}
	msg.Content += failureSuffix
	msg.HasError = true
	msg.Loading = false
	delete(r.turns, id)
	snapshot := msg.clone()
	r.mu.Unlock()

	r.log.WithError(cause).WithField("message_id", id).Error("turn failed")
	r.notify(snapshot)
	return nil
}

// Finish ends the turn and clears the loading flag. Later events for the
// message are rejected; live task channels keep running.
func (r *Reconciler) Finish(id string) (Message, error) {
	r.mu.Lock()
	msg, ok := r.messages[id]
	if !ok {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("finish %s: %w", id, ErrUnknownMessage)
	}
	if t := r.turns[id]; t != nil && !t.done {
		r.log.WithField("message_id", id).Debug("stream ended without a done frame")
	}
	delete(r.turns, id)
	msg.Loading = false
	snapshot := msg.clone()
	r.mu.Unlock()

	r.notify(snapshot)
	return snapshot, nil
}

func (r *Reconciler) Message(id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return Message{}, false
	}
	return msg.clone(), true
}

func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.messages[id].clone())
	}
	return out
}

// History lists prior messages with non-blank content in order.
func (r *Reconciler) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []HistoryEntry{}
	for _, id := range r.order {
		msg := r.messages[id]
		if !hasContent(msg) {
			continue
		}
		out = append(out, HistoryEntry{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// LastSearchResult returns the records of the most recent search response.
func (r *Reconciler) LastSearchResult() []cards.SearchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lastSearch)
}

// ActiveTasks lists task ids with a channel that has not been released.
func (r *Reconciler) ActiveTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Close releases every task channel.
func (r *Reconciler) Close() {
	r.mu.Lock()
	for id, lt := range r.tasks {
		_ = lt.ch.Close()
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *Reconciler) notify(msg Message) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(msg)
	}
}

func (r *Reconciler) notifyTask(evt TaskEvent) {
	if r.opts.OnTask != nil {
		r.opts.OnTask(evt)
	}
}
