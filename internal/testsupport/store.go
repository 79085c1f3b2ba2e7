package testsupport

import (
	"context"
	"testing"

	"conductor/internal/config"
	"conductor/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup. Calling
// it twice with the same config yields two handles on one database, which
// stand in for two independent worker processes.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustInsert enqueues an item directly through the store.
func MustInsert(t testing.TB, store *queue.Store, opType string, class queue.Classification) *queue.Item {
	t.Helper()

	item, err := store.Insert(context.Background(), queue.NewItem{OperationType: opType, Classification: class})
	if err != nil {
		t.Fatalf("store.Insert: %v", err)
	}
	return item
}
