package liveness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/flitsinc/cardstream/internal/idgen"
)

// Conn is one open push connection. Read returns io.EOF once the peer closed
// the connection cleanly; any other error is a transport failure.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

const maxMessageBytes = 4 << 20

// WebsocketDialer connects with github.com/coder/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
}

func (d WebsocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetReadLimit(maxMessageBytes)
	return wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Address derives the push endpoint for a task from the task service base
// URL: http becomes ws, https becomes wss, and /ws/<task id> is appended.
func Address(base, taskID string) (string, error) {
	if err := idgen.ValidateTaskID(taskID); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse task url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported task url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("task url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + taskID
	u.RawPath = ""
	return u.String(), nil
}
