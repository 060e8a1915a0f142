package observability

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManagerRunsRegisteredFuncs(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	var ran int32
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	errChan := make(chan error, 1)
	go func() { errChan <- sm.WaitForShutdown() }()

	// Give WaitForShutdown time to install its signal handler.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))
}

func TestShutdownManagerReportsFailedSteps(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return errors.New("flush failed")
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return nil
	})

	errChan := make(chan error, 1)
	go func() { errChan <- sm.WaitForShutdown() }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errChan:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 errors")
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestShutdownManagerTimeout(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 200*time.Millisecond)

	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return ctx.Err()
	})

	errChan := make(chan error, 1)
	go func() { errChan <- sm.WaitForShutdown() }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errChan:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestShutdownManagerDefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, io.Discard), nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
}
