package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before touching the file.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(minimalConfig, "test-key", "rotated-key", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "rotated-key", cfg.API.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver the reloaded config")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestWatchKeepsPreviousOnBrokenConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(*Config) { calls++ })
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml"), 0o600))

	<-done
	assert.Zero(t, calls, "broken config never reaches the callback")
}
