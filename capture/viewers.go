package capture

import "sync"

// Viewers counts the connected stream clients. The capture loop sleeps while
// the count is zero when auto sleep is enabled.
type Viewers struct {
	mu     sync.Mutex
	cond   *sync.Cond
	count  int
	wakes  uint64
	sleeps uint64
}

func NewViewers() *Viewers {
	v := &Viewers{}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// Add registers a viewer and wakes a sleeping capture loop.
func (v *Viewers) Add() {
	v.mu.Lock()
	v.count++
	v.cond.Broadcast()
	v.mu.Unlock()
}

// Done unregisters a viewer.
func (v *Viewers) Done() {
	v.mu.Lock()
	if v.count > 0 {
		v.count--
	}
	v.cond.Broadcast()
	v.mu.Unlock()
}

// Count returns the number of connected viewers.
func (v *Viewers) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count
}

// WaitForViewers blocks while nobody watches. It reports false when stopCh
// was closed first.
func (v *Viewers) WaitForViewers(stopCh <-chan struct{}) bool {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-stopCh:
			v.mu.Lock()
			v.cond.Broadcast()
			v.mu.Unlock()
		case <-done:
		}
	}()

	v.mu.Lock()
	defer v.mu.Unlock()
	for v.count == 0 {
		select {
		case <-stopCh:
			return false
		default:
		}
		v.cond.Wait()
	}
	return true
}

// Wakes returns how many times the capture resumed for a new viewer.
func (v *Viewers) Wakes() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wakes
}

// Sleeps returns how many times the capture stopped for lack of viewers.
func (v *Viewers) Sleeps() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sleeps
}

func (v *Viewers) countWake() {
	v.mu.Lock()
	v.wakes++
	v.mu.Unlock()
}

func (v *Viewers) countSleep() {
	v.mu.Lock()
	v.sleeps++
	v.mu.Unlock()
}
