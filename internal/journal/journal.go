// Package journal keeps a queryable, subscribable log of everything a session
// observed: stream frames, message snapshots and task channel activity.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
)

type Journal struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	// streams is empty when the subscriber wants every stream.
	streams []glob.Glob
	ch      chan Entry
}

func (s *subscriber) wants(stream string) bool {
	if len(s.streams) == 0 {
		return true
	}
	for _, g := range s.streams {
		if g.Match(stream) {
			return true
		}
	}
	return false
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, subs: map[string]*subscriber{}}
}

// Open opens the database at path (":memory:" for a session-only journal).
func Open(path string) (*Journal, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Push(ctx context.Context, input Input) (Entry, error) {
	if strings.TrimSpace(input.Stream) == "" {
		return Entry{}, fmt.Errorf("stream is required")
	}
	body, err := json.Marshal(input.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("encode body: %w", err)
	}
	scopeID := input.ScopeID
	if scopeID == "" {
		scopeID = "*"
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO entries (id, stream, scope_id, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, input.Stream, scopeID, nullString(input.Subject), string(body), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	entry := Entry{
		ID:        id,
		Stream:    input.Stream,
		ScopeID:   scopeID,
		Subject:   input.Subject,
		Body:      body,
		CreatedAt: createdAt,
	}
	j.broadcast(entry)
	return entry, nil
}

func (j *Journal) List(ctx context.Context, stream string, opts ListOptions) ([]Summary, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("stream is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	order := strings.ToLower(opts.Order)
	if order == "" {
		order = DefaultOrder(stream)
	}
	orderBy := "id DESC"
	if order == "fifo" {
		orderBy = "id ASC"
	}

	where := "WHERE stream = ?"
	args := []any{stream}
	if opts.ScopeID != "" {
		where += " AND scope_id = ?"
		args = append(args, opts.ScopeID)
	}
	query := fmt.Sprintf(`SELECT id, stream, scope_id, subject, created_at FROM entries %s ORDER BY %s LIMIT ?`, where, orderBy)
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var s Summary
		var subject sql.NullString
		var createdAtStr string
		if err := rows.Scan(&s.ID, &s.Stream, &s.ScopeID, &subject, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		s.Subject = subject.String
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (j *Journal) Read(ctx context.Context, stream string, ids []string) ([]Entry, error) {
	ids = filterEmpty(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("stream is required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{stream}
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(`SELECT id, stream, scope_id, subject, body, created_at FROM entries WHERE stream = ? AND id IN (%s) ORDER BY id ASC`, placeholders)
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var subject sql.NullString
		var body, createdAtStr string
		if err := rows.Scan(&e.ID, &e.Stream, &e.ScopeID, &subject, &body, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Subject = subject.String
		e.Body = json.RawMessage(body)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// Subscribe delivers entries pushed to any of streams (all streams when
// empty) until ctx is done. A stream name may be a glob such as "task*"; an
// invalid pattern only matches itself. Entries are dropped for a subscriber
// that falls behind.
func (j *Journal) Subscribe(ctx context.Context, streams []string) <-chan Entry {
	ch := make(chan Entry, 64)
	var patterns []glob.Glob
	for _, s := range streams {
		if s == "" {
			continue
		}
		g, err := glob.Compile(s)
		if err != nil {
			g = glob.MustCompile(glob.QuoteMeta(s))
		}
		patterns = append(patterns, g)
	}
	id := ulid.Make().String()

	sub := &subscriber{streams: patterns, ch: ch}
	j.mu.Lock()
	j.subs[id] = sub
	j.mu.Unlock()

	go func() {
		<-ctx.Done()
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (j *Journal) SubscriberCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.subs)
}

func (j *Journal) broadcast(entry Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, sub := range j.subs {
		if !sub.wants(entry.Stream) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func filterEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
