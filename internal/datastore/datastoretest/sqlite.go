// Package datastoretest builds throwaway executors for tests.
package datastoretest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"qotdbot/internal/datastore"
)

// NewSQLite returns a connected executor over a fresh file-backed sqlite
// database in t.TempDir. Waits are shortened so failures surface quickly.
func NewSQLite(t testing.TB) *datastore.Executor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qotd.db")
	m := datastore.NewManager(datastore.NewDirectTunnel(""), datastore.SQLiteOpener{Path: path}, datastore.ManagerOptions{PoolSize: 4})
	t.Cleanup(func() { _ = m.Teardown() })
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("datastoretest: connect: %v", err)
	}
	return datastore.NewExecutor(m, datastore.ExecutorOptions{
		RecoverInterval: 10 * time.Millisecond,
		ProbeFailDelay:  10 * time.Millisecond,
		RetryDelay:      10 * time.Millisecond,
	})
}
