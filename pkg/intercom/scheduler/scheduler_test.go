// Copyright 2024-2026 Aiku AI

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observed struct {
	lock sync.Mutex
	runs map[string][]error
}

func (o *observed) observe(name string, err error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.runs == nil {
		o.runs = make(map[string][]error)
	}
	o.runs[name] = append(o.runs[name], err)
}

func (o *observed) count(name string) int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.runs[name])
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 5m0s", Every(5*time.Minute))
}

func TestExecutor_Add(t *testing.T) {
	e := NewExecutor(zerolog.Nop(), nil)
	noop := func(context.Context) error { return nil }
	require.NoError(t, e.Add(NewJob("job", time.Hour, noop)))
	assert.Error(t, e.Add(NewJob("job", time.Hour, noop)), "duplicate names are rejected")
	assert.Error(t, e.Add(&funcJob{name: "bad", schedule: "not a schedule", fn: noop}))
}

func TestExecutor_RunNowBeforeStart(t *testing.T) {
	e := NewExecutor(zerolog.Nop(), nil)
	require.NoError(t, e.Add(NewJob("job", time.Hour, func(context.Context) error { return nil })))
	assert.False(t, e.RunNow("job"))
	assert.False(t, e.RunNow("missing"))
}

func TestExecutor_RunNow(t *testing.T) {
	obs := &observed{}
	e := NewExecutor(zerolog.Nop(), obs.observe)
	errFailed := errors.New("failed")
	require.NoError(t, e.Add(NewJob("ok", time.Hour, func(context.Context) error { return nil })))
	require.NoError(t, e.Add(NewJob("fail", time.Hour, func(context.Context) error { return errFailed })))
	e.Start(context.Background())
	defer e.Stop()

	assert.True(t, e.RunNow("ok"))
	assert.True(t, e.RunNow("fail"))
	waitUntil(t, func() bool { return obs.count("ok") == 1 && obs.count("fail") == 1 })

	obs.lock.Lock()
	defer obs.lock.Unlock()
	assert.NoError(t, obs.runs["ok"][0])
	assert.ErrorIs(t, obs.runs["fail"][0], errFailed)
}

func TestExecutor_SkipsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	e := NewExecutor(zerolog.Nop(), nil)
	require.NoError(t, e.Add(NewJob("slow", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})))
	e.Start(context.Background())
	defer e.Stop()

	require.True(t, e.RunNow("slow"))
	waitUntil(t, func() bool { return runs.Load() == 1 })
	assert.True(t, e.Running("slow"))
	assert.False(t, e.RunNow("slow"))

	close(release)
	waitUntil(t, func() bool { return !e.Running("slow") })
	assert.True(t, e.RunNow("slow"))
	waitUntil(t, func() bool { return runs.Load() == 2 })
}

func TestExecutor_StopWaits(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	e := NewExecutor(zerolog.Nop(), nil)
	require.NoError(t, e.Add(NewJob("job", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})))
	e.Start(context.Background())
	require.True(t, e.RunNow("job"))
	<-started

	e.Stop()
	assert.True(t, finished.Load(), "Stop returns after running jobs")
	assert.False(t, e.RunNow("job"), "no runs after Stop")
}
