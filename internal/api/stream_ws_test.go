package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/cardstream/internal/journal"
	"github.com/flitsinc/cardstream/internal/testutil"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) first() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, false
	}
	return f.messages[0], true
}

func TestStreamEntriesWriter(t *testing.T) {
	j := testutil.OpenTestJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	go func() {
		_ = streamEntries(ctx, j, []string{journal.StreamMessages}, writer)
	}()

	deadline := time.After(2 * time.Second)
	for j.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if _, err := j.Push(context.Background(), journal.Input{Stream: journal.StreamMessages, ScopeID: "m1", Body: "boom"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	for {
		if data, ok := writer.first(); ok {
			var entry journal.Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				t.Fatalf("decode ws payload: %v", err)
			}
			if string(entry.Body) != `"boom"` || entry.ScopeID != "m1" {
				t.Fatalf("unexpected entry %+v", entry)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for ws message")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
