// Package logging configures the process-wide logrus logger and hands out
// component and turn scoped entries.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const ctxKeyTurn ctxKey = "turn_id"

// Init sets the global level and formatter. format is "json" or "text".
func Init(level, format string) error {
	return Configure(os.Stderr, level, format)
}

func Configure(out io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	logrus.SetOutput(out)
	logrus.SetLevel(lvl)
	return nil
}

// For returns an entry tagged with the emitting component.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

func WithTurn(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, ctxKeyTurn, turnID)
}

// FromContext returns base with the turn id attached when ctx carries one.
func FromContext(ctx context.Context, base *logrus.Entry) *logrus.Entry {
	if base == nil {
		base = logrus.NewEntry(logrus.StandardLogger())
	}
	if ctx == nil {
		return base
	}
	turnID, _ := ctx.Value(ctxKeyTurn).(string)
	if turnID == "" {
		return base
	}
	return base.WithField("turn_id", turnID)
}
