package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr    string `json:"http_addr"`
	BackendURL  string `json:"backend_url"`
	TaskURL     string `json:"task_url"`
	JournalPath string `json:"journal_path"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	Journal       map[string]any  `json:"journal"`
	Session       map[string]any  `json:"session"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Journal: map[string]any{
			"subscribers": s.Session.Journal.SubscriberCount(),
		},
		Session: map[string]any{
			"busy":         s.Session.Client.Busy(),
			"messages":     len(s.Session.Reconciler.Messages()),
			"active_tasks": s.Session.Reconciler.ActiveTasks(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}
