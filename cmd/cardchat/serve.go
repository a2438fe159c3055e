package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/cardstream/internal/api"
	"github.com/flitsinc/cardstream/internal/chat"
	"github.com/flitsinc/cardstream/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API over a chat session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	log := logging.For("serve")

	session, err := chat.NewSession(cfg, chat.SessionOptions{})
	if err != nil {
		return err
	}
	defer session.Close()

	apiServer := &api.Server{
		Session:   session,
		StartedAt: time.Now().UTC(),
		PingURL:   cfg.PingURL(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:    cfg.HTTPAddr,
			BackendURL:  cfg.StreamURL(),
			TaskURL:     cfg.TaskURL,
			JournalPath: cfg.JournalPath,
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("cardchat listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	log := logging.For("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("elapsed", time.Since(start).String()).
			Debug("request")
	})
}
