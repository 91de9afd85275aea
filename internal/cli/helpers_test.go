package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tunjid/heron-sub003/internal/config"
	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/remote"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if _, err := database.MigrateUp(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return database
}

// setupCLI points the command globals at a scratch data directory and
// restores them when the test ends.
func setupCLI(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Global.DataDir = dir
	cfg.Global.ConfigDir = dir
	cfg.Global.Viewer = "did:example:alice"
	cfg.Database.Path = filepath.Join(dir, "feedsync.db")
	cfg.WriteQueue.BaseBackoff = 10 * time.Millisecond
	cfg.WriteQueue.MaxBackoff = 20 * time.Millisecond
	cfg.WriteQueue.SubmitRate = 0

	prevConfig := appConfig
	prevStore := contextStore
	prevDial := dialRemote
	prevJSON, prevJSONL, prevQuiet := jsonOutput, jsonlOutput, quiet

	appConfig = cfg
	contextStore = config.NewContextStore(filepath.Join(dir, "context.yaml"))
	dialRemote = func(context.Context) (remoteConn, error) {
		return nil, errOffline
	}
	jsonOutput, jsonlOutput, quiet = false, false, false

	t.Cleanup(func() {
		appConfig = prevConfig
		contextStore = prevStore
		dialRemote = prevDial
		jsonOutput, jsonlOutput, quiet = prevJSON, prevJSONL, prevQuiet
	})
	return cfg
}

type memoryConn struct {
	*remote.MemoryBackend
}

func (memoryConn) Close() error { return nil }

// useBackend makes online commands talk to backend.
func useBackend(t *testing.T, backend *remote.MemoryBackend) {
	t.Helper()
	dialRemote = func(context.Context) (remoteConn, error) {
		return memoryConn{backend}, nil
	}
}

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	orig := os.Stdout
	os.Stdout = w
	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	runErr := fn()

	_ = w.Close()
	os.Stdout = orig
	out := <-done
	_ = r.Close()

	return string(bytes.TrimSpace(out)), runErr
}
