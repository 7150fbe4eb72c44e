package lifecycle

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.FatalLevel)
	m.Run()
}

// loop runs script once, one entry per step, then idles until stopped.
type loop struct {
	script []func() error
	steps  atomic.Int32
	closed atomic.Int32
}

func (l *loop) Step(stopCh <-chan struct{}) error {
	i := int(l.steps.Add(1)) - 1
	if i < len(l.script) {
		return l.script[i]()
	}
	select {
	case <-stopCh:
		return &BreakError{}
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (l *loop) Close_() { //nolint: revive
	l.closed.Add(1)
}

func (l *loop) String() string {
	return "LOOP"
}

func TestFailuresDoNotStopLoop(t *testing.T) {
	t.Parallel()

	fail := func() error { return errors.New("device busy") }
	l := &loop{script: []func() error{
		fail, fail, fail,
		func() error { panic("boom") },
		func() error { return nil },
		func() error { return errors.New("other") },
	}}
	m := NewFailSafeAsyncManager(l)
	require.NoError(t, m.Start(func(*loop) error { return nil }))

	require.Eventually(t, func() bool { return l.steps.Load() > 10 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(5), m.Failures())

	m.Close()
	<-m.Done()
	require.Equal(t, int32(1), l.closed.Load())
}

func TestBreakEndsLoop(t *testing.T) {
	t.Parallel()

	l := &loop{script: []func() error{
		func() error { return nil },
		func() error { return &BreakError{} },
	}}
	m := NewFailSafeAsyncManager(l)
	require.NoError(t, m.Start(func(*loop) error { return nil }))

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	require.Equal(t, int32(2), l.steps.Load())
	require.Zero(t, m.Failures())
	require.Zero(t, l.closed.Load())

	m.Close()
	m.Close()
	require.Equal(t, int32(1), l.closed.Load())
}

func TestStartFailureStillRuns(t *testing.T) {
	t.Parallel()

	l := &loop{}
	m := NewFailSafeAsyncManager(l)
	var starts int
	start := func(*loop) error {
		starts++
		return errors.New("no device")
	}
	require.NoError(t, m.Start(start))
	require.NoError(t, m.Start(start))
	require.Equal(t, 1, starts)

	require.Eventually(t, func() bool { return l.steps.Load() > 0 }, time.Second, time.Millisecond)
	m.Close()
	require.Equal(t, int32(1), l.closed.Load())
}

func TestStartPanicIsRecovered(t *testing.T) {
	t.Parallel()

	l := &loop{}
	m := NewFailSafeAsyncManager(l)
	require.NoError(t, m.Start(func(*loop) error { panic("bad start") }))
	require.Eventually(t, func() bool { return l.steps.Load() > 0 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(1), m.Failures())
	m.Close()
}

func TestCloseBeforeStart(t *testing.T) {
	t.Parallel()

	l := &loop{}
	m := NewFailSafeAsyncManager(l)
	m.Close()

	select {
	case <-m.Done():
	default:
		t.Fatal("done not closed")
	}
	require.NoError(t, m.Start(func(*loop) error { return nil }))
	require.Zero(t, l.steps.Load())
	require.Equal(t, int32(1), l.closed.Load())
}
