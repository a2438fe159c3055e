package testutil

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

// SSEBody renders payloads as "data: <payload>\n\n" frames.
func SSEBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Frame encodes v as a frame payload.
func Frame(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return string(data)
}

// SSEHandler replies to every request with the given frames, flushing after
// each one. onRequest, when set, sees the decoded request body first.
func SSEHandler(t *testing.T, onRequest func(body map[string]any), payloads ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode request body: %v", err)
			}
			onRequest(body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, p := range payloads {
			_, _ = w.Write([]byte(SSEBody(p)))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
