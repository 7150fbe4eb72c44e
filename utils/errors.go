package utils

import "fmt"

// TryAgainError represents an error indicating that the operation should be retried.
type TryAgainError struct {
}

// Error returns the error message for TryAgainError.
func (TryAgainError) Error() string {
	return "Try again"
}

// NoCodecDataError represents an error indicating that SPS or PPS have not been captured yet.
type NoCodecDataError struct {
}

// Error returns the error message for NoCodecDataError.
func (NoCodecDataError) Error() string {
	return "No codec data"
}

// ClosedError is returned by blocking calls on a component that has been closed.
type ClosedError struct {
}

// Error returns the error message for ClosedError.
func (ClosedError) Error() string {
	return "closed"
}

// EmptyFrameError is returned when a frame without NAL units reaches the muxer.
type EmptyFrameError struct {
}

// Error method implementation for EmptyFrameError.
func (EmptyFrameError) Error() string {
	return "empty frame"
}

// UnsupportedFormatError reports a capture format a component cannot handle.
type UnsupportedFormatError struct {
	Format fmt.Stringer
}

// Error method implementation for UnsupportedFormatError.
func (e UnsupportedFormatError) Error() string {
	if e.Format == nil {
		return "unsupported format"
	}
	return "unsupported format " + e.Format.String()
}
