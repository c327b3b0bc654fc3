/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-tasklimit/log/logtest"
)

func TestService_StopBySignal(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	var running atomic.Int32
	unit := newMockUnit("limiter", &running)
	svc := NewWithOpts(logRecorder, unit, Opts{})

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start() }()
	require.Eventually(t, func() bool { return running.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), unit.mustRegisterMetricsCalled.Load())

	svc.Signals <- os.Interrupt

	require.NoError(t, <-startErr)
	require.Eventually(t, func() bool { return running.Load() == 0 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), unit.stopGracefullyCalled.Load())
	require.Equal(t, int32(1), unit.unregisterMetricsCalled.Load())
	_, found := logRecorder.FindEntry("service got signal")
	require.True(t, found)
}

func TestService_StopByContext(t *testing.T) {
	var running atomic.Int32
	unit := newMockUnit("limiter", &running)
	svc := New(logtest.NewRecorder(), unit)

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() { startErr <- svc.StartContext(ctx) }()
	require.Eventually(t, func() bool { return running.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, <-startErr)
	require.Equal(t, int32(1), unit.stopGracefullyCalled.Load())
}

func TestService_FatalError(t *testing.T) {
	var running atomic.Int32
	unit := newMockUnit("limiter", &running)
	unit.startErr = errors.New("cannot start")
	logRecorder := logtest.NewRecorder()
	svc := NewWithOpts(logRecorder, unit, Opts{})

	err := svc.Start()
	require.ErrorIs(t, err, unit.startErr)
	_, found := logRecorder.FindEntry("service fatal error")
	require.True(t, found)
}

func TestService_StopError(t *testing.T) {
	var running atomic.Int32
	unit := newMockUnit("limiter", &running)
	unit.stopErr = errors.New("stop timeout")
	svc := NewWithOpts(logtest.NewRecorder(), unit, Opts{})

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() { startErr <- svc.StartContext(ctx) }()
	require.Eventually(t, func() bool { return running.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-startErr, unit.stopErr)
}
