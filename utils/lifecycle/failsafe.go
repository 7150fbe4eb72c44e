package lifecycle

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ugparu/fmp4streamer/utils/logger"
)

// repeatLogInterval is how many identical consecutive failures are folded
// into one log line.
const repeatLogInterval = 100

type failsafeManager[T AsyncInstance] struct {
	instance            T
	stopChan, doneChan  chan struct{}
	startOnce, stopOnce sync.Once
	failures            atomic.Uint64

	// Only touched by the loop goroutine.
	lastErr string
	repeats uint64
}

// NewFailSafeAsyncManager returns a manager whose loop survives step errors
// and panics. Only a BreakError, or Close, ends it. A failing start function
// is logged and the loop runs anyway, so the instance can retry from Step.
func NewFailSafeAsyncManager[T AsyncInstance](instance T) AsyncManager[T] {
	return &failsafeManager[T]{
		instance: instance,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (m *failsafeManager[T]) Start(startFunc func(T) error) error {
	m.startOnce.Do(func() {
		select {
		case <-m.stopChan:
			close(m.doneChan)
			return
		default:
		}
		logger.Debugf(m.instance, "Starting failsafe loop")
		m.safely(func() {
			if err := startFunc(m.instance); err != nil {
				logger.Warningf(m.instance, "Start failed, retrying from the loop: %v", err)
			}
		})
		go m.loop()
	})
	return nil
}

func (m *failsafeManager[T]) loop() {
	defer close(m.doneChan)
	logger.Debug(m.instance, "Entering main loop")

	running := true
	for running {
		m.safely(func() {
			err := m.instance.Step(m.stopChan)
			var brk *BreakError
			switch {
			case err == nil:
				m.recovered()
			case errors.As(err, &brk):
				running = false
			default:
				m.failed(err.Error())
			}
		})
	}
	logger.Debug(m.instance, "Left main loop")
}

// safely runs fn and turns a panic into a failure.
func (m *failsafeManager[T]) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.failures.Add(1)
			logger.Errorf(m.instance, "Panic detected! Recovering from: %v", r)
			logger.Errorf(m.instance, "%s", debug.Stack())
		}
	}()
	fn()
}

func (m *failsafeManager[T]) failed(msg string) {
	m.failures.Add(1)
	if msg == m.lastErr {
		m.repeats++
		if m.repeats%repeatLogInterval == 0 {
			logger.Warningf(m.instance, "Detected error (%d times): %s", m.repeats+1, msg)
		}
		return
	}
	m.lastErr, m.repeats = msg, 0
	logger.Warningf(m.instance, "Detected error: %s", msg)
}

func (m *failsafeManager[T]) recovered() {
	if m.lastErr != "" && m.repeats > 0 {
		logger.Infof(m.instance, "Recovered after %d failures", m.repeats+1)
	}
	m.lastErr, m.repeats = "", 0
}

func (m *failsafeManager[T]) Close() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.startOnce.Do(func() { close(m.doneChan) })
		<-m.doneChan
		m.instance.Close_()
	})
}

func (m *failsafeManager[T]) Done() <-chan struct{} {
	return m.doneChan
}

func (m *failsafeManager[T]) Failures() uint64 {
	return m.failures.Load()
}
