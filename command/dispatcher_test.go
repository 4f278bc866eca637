package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

type fakeSink struct {
	mu       sync.Mutex
	writes   []string
	started  chan struct{}
	release  chan struct{}
	failNext bool
	closed   bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{started: make(chan struct{}, 16)}
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Write(_ context.Context, payload []byte) error {
	s.started <- struct{}{}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("boom")
	}
	s.writes = append(s.writes, string(payload))
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	sent    int
	dropped map[string]int
}

func (r *fakeRecorder) CommandSent(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
}

func (r *fakeRecorder) CommandDropped(_, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == nil {
		r.dropped = map[string]int{}
	}
	r.dropped[reason]++
}

func (r *fakeRecorder) count(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

func (r *fakeRecorder) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func testCommand(t *testing.T, v float64) Command {
	t.Helper()
	s, err := NewSchema([]string{"A"})
	require.NoError(t, err)
	cmd := s.NewCommand()
	require.NoError(t, cmd.Set("A", v))
	return cmd
}

func TestDispatcherSends(t *testing.T) {
	sink := newFakeSink()
	rec := &fakeRecorder{}
	d := NewDispatcher(sink, 0, rec, logging.NewTestLogger(t))

	d.Send(testCommand(t, 1))
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"{\"A\":1}\n"}, sink.snapshot())
	assert.Eventually(t, func() bool { return rec.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
	assert.True(t, sink.closed)

	d.Send(testCommand(t, 2))
	assert.Equal(t, 1, rec.count(DropClosed))
	assert.NoError(t, d.Close())
}

func TestDispatcherKeepsLatest(t *testing.T) {
	sink := newFakeSink()
	sink.release = make(chan struct{})
	rec := &fakeRecorder{}
	d := NewDispatcher(sink, 0, rec, logging.NewTestLogger(t))

	d.Send(testCommand(t, 1))
	<-sink.started

	// The writer is busy; these queue behind it and only the last survives.
	d.Send(testCommand(t, 2))
	d.Send(testCommand(t, 3))
	assert.Equal(t, 1, rec.count(DropSuperseded))

	sink.release <- struct{}{}
	<-sink.started
	sink.release <- struct{}{}

	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"{\"A\":1}\n", "{\"A\":3}\n"}, sink.snapshot())
	require.NoError(t, d.Close())
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestDispatcherRateLimit(t *testing.T) {
	sink := newFakeSink()
	rec := &fakeRecorder{}
	d := NewDispatcher(sink, 20*time.Millisecond, rec, logging.NewTestLogger(t))
	defer d.Close()

	clock := &testClock{t: time.Unix(1000, 0)}
	d.mu.Lock()
	d.now = clock.now
	d.mu.Unlock()

	d.Send(testCommand(t, 1))
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	// Inside the interval: the commands wait and only the newest is kept.
	clock.advance(5 * time.Millisecond)
	d.Send(testCommand(t, 2))
	d.Send(testCommand(t, 3))
	assert.Equal(t, 1, rec.count(DropRateLimited))
	assert.Never(t, func() bool { return len(sink.snapshot()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	clock.advance(20 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "{\"A\":3}\n", sink.snapshot()[1])
	assert.Zero(t, rec.count(DropSuperseded))
}

func TestDispatcherRateLimitSendsLatestInRealTime(t *testing.T) {
	sink := newFakeSink()
	d := NewDispatcher(sink, 30*time.Millisecond, nil, logging.NewTestLogger(t))
	defer d.Close()

	d.Send(testCommand(t, 1))
	d.Send(testCommand(t, 2))
	assert.Eventually(t, func() bool { return len(sink.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	d.Send(testCommand(t, 3))

	assert.Eventually(t, func() bool {
		got := sink.snapshot()
		return len(got) > 0 && got[len(got)-1] == "{\"A\":3}\n"
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherCloseWhileRateLimited(t *testing.T) {
	sink := newFakeSink()
	d := NewDispatcher(sink, time.Hour, nil, logging.NewTestLogger(t))

	d.Send(testCommand(t, 1))
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	d.Send(testCommand(t, 2))

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the rate limit")
	}
	assert.Len(t, sink.snapshot(), 1)
}

func TestDispatcherWriteFailure(t *testing.T) {
	sink := newFakeSink()
	sink.failNext = true
	rec := &fakeRecorder{}
	d := NewDispatcher(sink, 0, rec, logging.NewTestLogger(t))
	defer d.Close()

	d.Send(testCommand(t, 1))
	assert.Eventually(t, func() bool { return rec.count(DropWrite) == 1 }, time.Second, 5*time.Millisecond)

	d.Send(testCommand(t, 2))
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherEncodeFailure(t *testing.T) {
	sink := newFakeSink()
	rec := &fakeRecorder{}
	d := NewDispatcher(sink, 0, rec, logging.NewTestLogger(t))
	defer d.Close()

	d.Send(testCommand(t, nanValue()))
	assert.Equal(t, 1, rec.count(DropEncode))
	assert.Empty(t, sink.snapshot())
}
