package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLoop stands in for the coordinator goroutine: timer expiries are queued on ch
// and executed by the test goroutine, so callbacks never race the assertions.
type testLoop struct {
	ch chan func()
}

func newTestLoop() *testLoop {
	return &testLoop{ch: make(chan func(), 16)}
}

func (l *testLoop) post(fn func()) { l.ch <- fn }

func (l *testLoop) runNext(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l.ch:
		fn()
	case <-time.After(time.Second):
		t.Fatal("expected a posted timer callback")
	}
}

func (l *testLoop) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case <-l.ch:
		t.Fatal("unexpected timer callback")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestScheduleFiresAfterDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := newTestLoop()
	svc := NewService(clock, loop.post)

	fired := 0
	svc.Schedule(GraceKey("u1"), 3*time.Second, func() { fired++ })
	require.True(t, svc.Pending(GraceKey("u1")))

	clock.Advance(2 * time.Second)
	loop.assertIdle(t)
	assert.Equal(t, 0, fired)

	clock.Advance(time.Second)
	loop.runNext(t)
	assert.Equal(t, 1, fired)
	assert.False(t, svc.Pending(GraceKey("u1")))
}

func TestCancelBeforeExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := newTestLoop()
	svc := NewService(clock, loop.post)

	fired := false
	svc.Schedule(RoundKey("ABC"), time.Second, func() { fired = true })
	assert.True(t, svc.Cancel(RoundKey("ABC")))
	assert.False(t, svc.Cancel(RoundKey("ABC")), "second cancel is a no-op")

	clock.Advance(5 * time.Second)
	loop.assertIdle(t)
	assert.False(t, fired)
}

func TestCancelAfterFireBeforeDelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := newTestLoop()
	svc := NewService(clock, loop.post)

	fired := false
	svc.Schedule(GraceKey("u1"), time.Second, func() { fired = true })
	clock.Advance(time.Second)

	// The expiry is queued but has not run on the loop yet.
	require.Eventually(t, func() bool { return len(loop.ch) == 1 }, time.Second, 5*time.Millisecond)
	svc.Cancel(GraceKey("u1"))

	loop.runNext(t)
	assert.False(t, fired, "a canceled timer must not run even if it already fired")
}

func TestScheduleReplacesExisting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := newTestLoop()
	svc := NewService(clock, loop.post)

	var got []string
	svc.Schedule(RoundKey("ABC"), time.Second, func() { got = append(got, "first") })
	svc.Schedule(RoundKey("ABC"), 2*time.Second, func() { got = append(got, "second") })
	assert.Equal(t, 1, svc.Len())

	clock.Advance(2 * time.Second)
	loop.runNext(t)
	loop.assertIdle(t)
	assert.Equal(t, []string{"second"}, got)
}

func TestStopAll(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := newTestLoop()
	svc := NewService(clock, loop.post)

	svc.Schedule(GraceKey("a"), time.Second, func() { t.Fatal("should not fire") })
	svc.Schedule(GraceKey("b"), time.Second, func() { t.Fatal("should not fire") })
	svc.StopAll()
	assert.Equal(t, 0, svc.Len())

	clock.Advance(time.Second)
	loop.assertIdle(t)
}
