package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flitsinc/cardstream/internal/cards"
	"github.com/flitsinc/cardstream/internal/chat"
	"github.com/flitsinc/cardstream/internal/config"
	"github.com/flitsinc/cardstream/internal/journal"
	"github.com/flitsinc/cardstream/internal/reconcile"
	"github.com/flitsinc/cardstream/internal/testutil"
)

const taskCard = `{"type":"task","version":"1.0","id":"t1","payload":{"tool":"translator","status":"accepted","progress":0,"message":"queued"}}`

func newTestServer(t *testing.T, backend http.Handler) (*Server, *http.Client) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.BackendURL = srv.URL
	cfg.JournalPath = journal.MemoryPath
	session, err := chat.NewSession(cfg, chat.SessionOptions{StaticTasks: true})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	server := &Server{Session: session, StartedAt: time.Now().UTC()}
	return server, testutil.NewInProcessClient(server.Handler())
}

func TestServerChatRoundTrip(t *testing.T) {
	backend := testutil.SSEHandler(t, nil,
		testutil.Frame(t, map[string]string{"text": "Translating now.\nJSONCARD [" + taskCard + "]\n"}),
		`{"done":true}`,
	)
	server, client := newTestServer(t, backend)

	resp := doJSON(t, client, http.MethodPost, "/api/chat", map[string]any{"message": "translate it"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var msg reconcile.Message
	decodeJSONResponse(t, resp, &msg)
	if msg.Content != "Translating now.\n" || len(msg.TaskCards) != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.TaskCards[0].Task.Status != cards.StatusAccepted {
		t.Fatalf("unexpected task card %+v", msg.TaskCards[0])
	}

	resp = doJSON(t, client, http.MethodGet, "/api/messages", nil)
	var all []reconcile.Message
	decodeJSONResponse(t, resp, &all)
	if len(all) != 2 || all[0].Role != reconcile.RoleUser || all[1].ID != msg.ID {
		t.Fatalf("unexpected messages %+v", all)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/messages/"+msg.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("message status: %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, client, http.MethodGet, "/api/messages/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, client, http.MethodGet, "/api/streams/frames?scope="+msg.ID, nil)
	var frames []journal.Summary
	decodeJSONResponse(t, resp, &frames)
	if len(frames) != 2 || frames[0].Subject != "text" || frames[1].Subject != "done" {
		t.Fatalf("unexpected frames %+v", frames)
	}

	resp = doJSON(t, client, http.MethodPost, "/api/streams/frames/read", map[string]any{"ids": []string{frames[0].ID}})
	var entries []journal.Entry
	decodeJSONResponse(t, resp, &entries)
	if len(entries) != 1 || !strings.Contains(string(entries[0].Body), "Translating now.") {
		t.Fatalf("unexpected entries %+v", entries)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/diagnostics", nil)
	var diag DiagnosticsResponse
	decodeJSONResponse(t, resp, &diag)
	if diag.Session["busy"] != false || diag.Session["messages"] != float64(2) {
		t.Fatalf("unexpected diagnostics %+v", diag.Session)
	}
	if server.Session.Client.Busy() {
		t.Fatalf("client still busy after turn")
	}
}

func TestServerHealthPingsBackend(t *testing.T) {
	var down atomic.Bool
	backend := http.NewServeMux()
	backend.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("pong"))
	})
	srv := httptest.NewServer(backend)
	defer srv.Close()

	server, client := newTestServer(t, testutil.SSEHandler(t, nil))
	server.PingURL = srv.URL + "/ping"

	var body map[string]any
	decodeJSONResponse(t, doJSON(t, client, http.MethodGet, "/api/health", nil), &body)
	if body["status"] != "ok" || body["backend"] != "ok" {
		t.Fatalf("unexpected health %v", body)
	}

	down.Store(true)
	body = nil
	decodeJSONResponse(t, doJSON(t, client, http.MethodGet, "/api/health", nil), &body)
	if body["backend"] != "unreachable" || !strings.Contains(fmt.Sprint(body["backend_error"]), "503") {
		t.Fatalf("unexpected health %v", body)
	}

	server.PingURL = ""
	body = nil
	decodeJSONResponse(t, doJSON(t, client, http.MethodGet, "/api/health", nil), &body)
	if _, ok := body["backend"]; ok {
		t.Fatalf("backend should not be reported without a ping url: %v", body)
	}
}

func TestServerChatValidation(t *testing.T) {
	_, client := newTestServer(t, testutil.SSEHandler(t, nil))

	resp := doJSON(t, client, http.MethodPost, "/api/chat", map[string]any{"message": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, client, http.MethodPost, "/api/chat", map[string]any{"text": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = doJSON(t, client, http.MethodGet, "/api/chat", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)
}

func TestServerChatBackendFailure(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	_, client := newTestServer(t, backend)

	resp := doJSON(t, client, http.MethodPost, "/api/chat", map[string]any{"message": "hello"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var body struct {
		Error   string            `json:"error"`
		Message reconcile.Message `json:"message"`
	}
	decodeJSONResponse(t, resp, &body)
	if !strings.Contains(body.Error, "503") || !body.Message.HasError {
		t.Fatalf("unexpected failure body %+v", body)
	}
}

func TestServerChatRejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(testutil.SSEBody(`{"text":"thinking"}`)))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	server, client := newTestServer(t, backend)

	done := make(chan int, 1)
	go func() {
		resp := doJSON(t, client, http.MethodPost, "/api/chat", map[string]any{"message": "first"})
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	deadline := time.After(2 * time.Second)
	for !server.Session.Client.Busy() {
		select {
		case <-deadline:
			t.Fatalf("first turn never started")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	resp := doJSON(t, client, http.MethodPost, "/api/chat", map[string]any{"message": "second"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	close(release)
	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Fatalf("first turn status %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first turn did not finish")
	}
}

func TestServerSearchResultNeverNull(t *testing.T) {
	_, client := newTestServer(t, testutil.SSEHandler(t, nil))

	resp := doJSON(t, client, http.MethodGet, "/api/search-result", nil)
	if got := strings.TrimSpace(readBody(t, resp)); got != "[]" {
		t.Fatalf("expected empty array, got %s", got)
	}
}

func TestServerStreamSubscribe(t *testing.T) {
	server, _ := newTestServer(t, testutil.SSEHandler(t, nil))
	mux := server.Handler()

	req := testutil.NewRequest(http.MethodGet, "/api/streams/subscribe?streams=tasks", nil)
	rec := testutil.NewStreamRecorder()
	resp := &http.Response{StatusCode: rec.Code, Body: rec.Body}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	go func() {
		mux.ServeHTTP(rec, req)
		_ = rec.Close()
	}()
	defer resp.Body.Close()

	got := make(chan journal.Entry, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			if payload, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				var entry journal.Entry
				if json.Unmarshal(payload, &entry) == nil {
					got <- entry
				}
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, _ = server.Session.Journal.Push(context.Background(), journal.Input{Stream: journal.StreamFrames, Body: "skipped"})
	_, _ = server.Session.Journal.Push(context.Background(), journal.Input{Stream: journal.StreamTasks, ScopeID: "t1", Body: "hello"})

	select {
	case entry := <-got:
		if entry.Stream != journal.StreamTasks || entry.ScopeID != "t1" {
			t.Fatalf("unexpected entry %+v", entry)
		}
		cancel()
	case <-ctx.Done():
		t.Fatalf("timeout waiting for sse")
	}
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
