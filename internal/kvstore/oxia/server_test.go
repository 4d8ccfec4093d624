package oxia

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// startServer returns the address of an Oxia server for tests. It uses
// OXIA_SERVICE_ADDRESS when set and otherwise starts an embedded standalone
// server that is shut down via t.Cleanup.
func startServer(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv("OXIA_SERVICE_ADDRESS"); addr != "" {
		t.Logf("Using external Oxia server at %s", addr)
		return addr
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start Oxia standalone server: %v", err)
	}
	t.Cleanup(func() {
		_ = standalone.Close()
	})

	t.Logf("Started embedded Oxia server at %s", standalone.ServiceAddr())
	return standalone.ServiceAddr()
}

// newTestStore creates a store connected to its own Oxia server.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(context.Background(), Config{
		ServiceAddress: startServer(t),
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
