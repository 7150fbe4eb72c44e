// Package lifecycle runs long lived loops, such as the capture loop, on their
// own goroutine with cooperative stop.
package lifecycle

// Instance is anything owning resources released once by the manager.
type Instance interface {
	Close_() //nolint: revive
	String() string
}

// AsyncInstance does its work one Step at a time. Step must return promptly
// once stopCh is closed, usually with a BreakError.
type AsyncInstance interface {
	Instance
	Step(stopCh <-chan struct{}) error
}

// AsyncManager starts the loop of an AsyncInstance and stops it.
type AsyncManager[T AsyncInstance] interface {
	// Start runs startFunc and then the loop. Only the first call has any effect.
	Start(startFunc func(T) error) error
	// Close stops the loop, waits for it and then calls Close_ on the instance.
	Close()
	// Done is closed when the loop has exited.
	Done() <-chan struct{}
	// Failures counts the steps that returned an error or panicked.
	Failures() uint64
}

// BreakError ends the loop without being reported as a failure.
type BreakError struct{}

func (*BreakError) Error() string {
	return "break"
}
