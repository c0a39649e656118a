package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		WorkerCommand: []string{"sh", "-c", "exit 0"},
		WorkDir:       ".",
		ListenAddr:    "127.0.0.1:0",
		CallbackURL:   "http://127.0.0.1:0",
		GraceWindow:   time.Minute,
		MaxConcurrent: 2,
		Log:           zerolog.Nop(),
	}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", func(error) {})
	require.Error(t, err)
}

func TestNewWiresComponents(t *testing.T) {
	d, err := New(context.Background(), testConfig(), "test", func(error) {})
	require.NoError(t, err)
	require.NotNil(t, d.registry)
	require.NotNil(t, d.hub)
	require.NotNil(t, d.supervisor)
	require.NotNil(t, d.server)
	assert.Nil(t, d.scheduler, "no scheduler without run interval")
	assert.True(t, d.Stopped(), "not running before Start")
}

func TestNewWithIntervalCreatesScheduler(t *testing.T) {
	cfg := testConfig()
	cfg.RunInterval = time.Hour
	d, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)
	require.NotNil(t, d.scheduler)
}

func TestRunOnceSucceedsOnCleanWorker(t *testing.T) {
	cfg := testConfig()
	cfg.RunOnce = true
	done := make(chan error, 1)
	d, err := New(context.Background(), cfg, "test", func(cause error) {
		done <- cause
	})
	require.NoError(t, err)

	require.NoError(t, d.runOnce(context.Background()))

	select {
	case cause := <-done:
		assert.NoError(t, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestRunOnceReportsWorkerFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RunOnce = true
	cfg.WorkerCommand = []string{"sh", "-c", "exit 1"}
	d, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	err = d.runOnce(context.Background())
	require.Error(t, err)
	var failure *RunFailureError
	assert.True(t, errors.As(err, &failure), "failed worker must map to a run failure")
}

func TestTypedErrors(t *testing.T) {
	rt := NewRuntimeError(errors.New("boom"))
	assert.True(t, IsRuntimeError(rt))
	assert.False(t, IsRunFailureError(rt))

	rf := NewRunFailureError("3 tests failed")
	assert.True(t, IsRunFailureError(rf))
	assert.False(t, IsRuntimeError(rf))

	wrapped := NewRuntimeError(rt)
	assert.True(t, IsRuntimeError(wrapped))
	assert.ErrorContains(t, rf, "3 tests failed")
}
