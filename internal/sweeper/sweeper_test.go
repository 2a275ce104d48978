package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/logging"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls int
	ages  []time.Duration
	err   error
}

func (f *fakeExpirer) ExpireStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ages = append(f.ages, olderThan)
	return 2, f.err
}

func (f *fakeExpirer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePurger struct {
	mu  sync.Mutex
	at  []time.Time
	err error
}

func (f *fakePurger) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = append(f.at, now)
	return 1, f.err
}

func TestRunOnce(t *testing.T) {
	exp := &fakeExpirer{}
	pur := &fakePurger{}
	s := New(exp, pur, "@every 1m", 5*time.Minute, logging.Discard())
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.RunOnce(context.Background())
	assert.Equal(t, 1, exp.Calls())
	assert.Equal(t, []time.Duration{5 * time.Minute}, exp.ages)
	assert.Equal(t, []time.Time{fixed}, pur.at)
}

func TestRunOnceKeepsGoingOnError(t *testing.T) {
	exp := &fakeExpirer{err: errors.New("db down")}
	pur := &fakePurger{}
	s := New(exp, pur, "@every 1m", time.Minute, logging.Discard())
	s.RunOnce(context.Background())
	assert.Len(t, pur.at, 1)

	s = New(exp, nil, "@every 1m", time.Minute, logging.Discard())
	s.RunOnce(context.Background())
	assert.Equal(t, 2, exp.Calls())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&fakeExpirer{}, nil, "every so often", time.Minute, logging.Discard())
	assert.Error(t, s.Start())
}

func TestStartRunsOnSchedule(t *testing.T) {
	exp := &fakeExpirer{}
	s := New(exp, nil, "@every 1s", time.Minute, logging.Discard())
	require.NoError(t, s.Start())
	defer s.Stop()
	require.Eventually(t, func() bool { return exp.Calls() > 0 }, 3*time.Second, 20*time.Millisecond)
}
