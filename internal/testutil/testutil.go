package testutil

import (
	"path/filepath"
	"testing"

	"github.com/flitsinc/cardstream/internal/journal"
)

// OpenTestJournal opens a file-backed journal under t.TempDir.
func OpenTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}
