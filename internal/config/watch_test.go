package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchDeliversValidReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: ws://one:8765\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, zerolog.Nop(), func(cfg Config) {
		reloads <- cfg
	}))

	require.NoError(t, os.WriteFile(path, []byte("server_url: ws://two:8765\n"), 0o644))

	select {
	case cfg := <-reloads:
		assert.Equal(t, "ws://two:8765", cfg.ServerURL)
	case <-time.After(5 * time.Second):
		t.Fatal("reload never delivered")
	}
}

func TestWatchSkipsInvalidIntermediateStates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: ws://one:8765\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, zerolog.Nop(), func(cfg Config) {
		reloads <- cfg
	}))

	// A broken save must not dethrone the running config.
	require.NoError(t, os.WriteFile(path, []byte("server_url: [unclosed"), 0o644))
	select {
	case cfg := <-reloads:
		t.Fatalf("invalid config delivered: %+v", cfg)
	case <-time.After(time.Second):
	}

	require.NoError(t, os.WriteFile(path, []byte("server_url: ws://three:8765\n"), 0o644))
	select {
	case cfg := <-reloads:
		assert.Equal(t, "ws://three:8765", cfg.ServerURL)
	case <-time.After(5 * time.Second):
		t.Fatal("recovery reload never delivered")
	}
}

func TestWatchNoopWithoutPathOrCallback(t *testing.T) {
	assert.NoError(t, Watch(context.Background(), "", zerolog.Nop(), func(Config) {}))
	assert.NoError(t, Watch(context.Background(), "some.yaml", zerolog.Nop(), nil))
}
