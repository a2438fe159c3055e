package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/cardstream/internal/config"
	"github.com/flitsinc/cardstream/internal/journal"
	"github.com/flitsinc/cardstream/internal/testutil"
)

func newTestSession(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.BackendURL = srv.URL
	s, err := NewSession(cfg, SessionOptions{StaticTasks: true})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSendStreamsTurnAndCarriesContext(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []map[string]any
	)
	onRequest := func(body map[string]any) {
		mu.Lock()
		requests = append(requests, body)
		mu.Unlock()
	}
	handler := testutil.SSEHandler(t, onRequest,
		`{"function_call":{"name":"search_papers","args":{"query_string":"graphene"}}}`,
		`{"function_response":{"name":"search_papers","response":{"records":[{"id":"8760","pmid":"8760","title":"Graphene A","impact_factor":""}]}}}`,
		`not json`,
		`{"text":"Found one paper."}`,
		`{"done":true}`,
		`[DONE]`,
	)
	s := newTestSession(t, handler)
	ctx := context.Background()

	msg, err := s.Client.Send(ctx, "find graphene papers")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "Found one paper." || msg.Loading || msg.HasError {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.SearchCards) != 1 || msg.SearchCards[0].Search.Query != "graphene" {
		t.Fatalf("unexpected search cards %+v", msg.SearchCards)
	}

	if _, err := s.Client.Send(ctx, "summarize the first"); err != nil {
		t.Fatalf("second send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	first, second := requests[0], requests[1]
	if first["message"] != "find graphene papers" {
		t.Fatalf("unexpected first request %v", first)
	}
	if h, _ := first["history"].([]any); len(h) != 0 {
		t.Fatalf("first turn should have empty history, got %v", first["history"])
	}
	if sr, ok := first["search_result"].([]any); !ok || len(sr) != 0 {
		t.Fatalf("first turn should send an empty search result, got %v", first["search_result"])
	}
	history, _ := second["history"].([]any)
	if len(history) != 2 {
		t.Fatalf("second turn should carry both prior messages, got %v", second["history"])
	}
	records, _ := second["search_result"].([]any)
	if len(records) != 1 {
		t.Fatalf("second turn should carry the last search result, got %v", second["search_result"])
	}
	record, _ := records[0].(map[string]any)
	if record["id"] != "8760" || record["pmid"] != "8760" || record["impact_factor"] != "" {
		t.Fatalf("search record not relayed as received: %v", record)
	}

	frames, err := s.Journal.List(ctx, journal.StreamFrames, journal.ListOptions{ScopeID: msg.ID})
	if err != nil {
		t.Fatalf("list frames: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 classified frames, got %d", len(frames))
	}
	if frames[0].Subject != "function_call" || frames[3].Subject != "done" {
		t.Fatalf("unexpected frame subjects %+v", frames)
	}
}

func TestSendRecordsTransportFailure(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	msg, err := s.Client.Send(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.HasSuffix(msg.Content, "*Sorry, something went wrong.*") || !msg.HasError || msg.Loading {
		t.Fatalf("unexpected failed message %+v", msg)
	}
	if s.Client.Busy() {
		t.Fatalf("client should be idle after a failed turn")
	}
}

func TestSendRejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(testutil.SSEBody(`{"text":"partial"}`)))
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.Client.Send(context.Background(), "first")
		done <- err
	}()
	<-started

	if _, err := s.Client.Send(context.Background(), "second"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestSendHonorsCancellation(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(testutil.SSEBody(`{"text":"partial"}`)))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	subCtx, stopSub := context.WithCancel(context.Background())
	defer stopSub()
	frames := s.Journal.Subscribe(subCtx, []string{journal.StreamFrames})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := s.Client.Send(ctx, "hello")
		result <- err
	}()

	select {
	case entry := <-frames:
		if entry.Subject != "text" {
			t.Fatalf("unexpected first frame %+v", entry)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("text delta never applied")
	}
	cancel()

	select {
	case err := <-result:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("send did not return after cancellation")
	}
	messages := s.Reconciler.Messages()
	last := messages[len(messages)-1]
	if !last.HasError || !strings.HasPrefix(last.Content, "partial") || last.Loading {
		t.Fatalf("unexpected message after cancellation %+v", last)
	}
}
