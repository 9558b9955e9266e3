package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"reportd/internal/config"
)

const sampleConfig = `
app:
  name: reportd
  url: https://reports.example.org
  email: reports@example.org
logging:
  level: error
store:
  path: ":memory:"
scheduler:
  safety_refresh: 1h
source:
  base_address: http://127.0.0.1:1
  username: reporter
  password: hunter2
notify:
  transport: smtp
  smtp:
    host: 127.0.0.1
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reportd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	return path
}

func TestAppStartStop(t *testing.T) {
	path := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := New(path, cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))
}

func TestAppRejectsUnknownTransport(t *testing.T) {
	_, err := buildTransport(config.NotifyConfig{Transport: "pigeon"})
	require.Error(t, err)
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := retryPolicy(config.RetryConfig{})
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, p.MinDelay)
	require.Equal(t, 5*time.Second, p.MaxDelay)
}
