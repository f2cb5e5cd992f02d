package server

import (
	"path/filepath"
	"testing"

	"github.com/guidedflow/guidedflow/bus"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "guidedflow.sqlite")
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestAuthStore(t *testing.T) *AuthSQLiteStore {
	t.Helper()

	store := newTestSQLiteStore(t)
	auth, err := NewAuthSQLiteStore(store.DB())
	if err != nil {
		t.Fatalf("NewAuthSQLiteStore: %v", err)
	}
	return auth
}

func newTestEventStore(t *testing.T) bus.EventStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.sqlite")
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
