package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeLogHandlerWritesHistory(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	h := NewVolumeLogHandler(slog.NewTextHandler(&out, nil), func(id string) string {
		return filepath.Join(dir, id+".log")
	})
	log := slog.New(h)

	log.Info("created", "volume_id", "42", "pool_id", "p1")
	log.With("volume_id", "42").Info("attached", "instance_id", "vm-1")
	log.Info("unrelated")

	data, err := os.ReadFile(filepath.Join(dir, "42.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO created pool_id=p1")
	assert.Contains(t, string(data), "INFO attached instance_id=vm-1")
	assert.NotContains(t, string(data), "unrelated")
	assert.Contains(t, out.String(), "unrelated")
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Equal(t, l, FromContext(AddToContext(context.Background(), l)))
}

func TestConfigSubsystemLevels(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_LEVEL_GATEWAY", "debug")

	cfg := NewConfig()
	assert.Equal(t, slog.LevelWarn, cfg.LevelFor(SubsystemOrchestrator))
	assert.Equal(t, slog.LevelDebug, cfg.LevelFor(SubsystemGateway))
}
