// Package fmp4streamer holds the contracts shared by the capture, muxing and
// distribution packages of the streamer.
package fmp4streamer

import (
	"fmt"
	"time"
)

const usecPerSec = 1_000_000

// Timestamp is a capture time as reported by the device clock.
type Timestamp struct {
	Sec  int64 // Whole seconds.
	Usec int64 // Microseconds within the second.
}

// TimestampFromTime converts a wall clock time into a capture Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	us := t.UnixMicro()
	return Timestamp{Sec: us / usecPerSec, Usec: us % usecPerSec}
}

// Micros returns the timestamp as a single microsecond count.
func (ts Timestamp) Micros() int64 {
	return ts.Sec*usecPerSec + ts.Usec
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%06d", ts.Sec, ts.Usec)
}

// Buffer is a single dequeued device buffer. Data is only valid until the
// buffer is handed back with Device.Requeue.
type Buffer struct {
	Data      []byte    // Bytes used by the driver for this capture.
	Index     int       // Driver buffer index, needed for requeueing.
	Sequence  uint32    // Driver frame sequence counter.
	Timestamp Timestamp // Capture time.
}

// Device is the capture layer consumed by the camera loop.
type Device interface {
	Start() error                   // Starts streaming (STREAMON).
	Stop() error                    // Stops streaming and keeps the device open.
	Dequeue() (Buffer, error)       // Blocks until the next filled buffer is available.
	Requeue(Buffer) error           // Returns a buffer to the driver pool.
	RequestKeyFrame() error         // Best-effort request for an IDR picture.
	SetControl(string, int32) error // Sets a named device control.
	Format() CaptureFormat          // Reports the bitstream container of the buffers.
	Close() error                   // Releases buffers and closes the device.
	String() string                 // Human readable device name used in logs.
}

// KeyFrameRequester is implemented by everything able to ask the encoder for
// a fresh IDR picture.
type KeyFrameRequester interface {
	RequestKeyFrame() error
}

// Frame is one access unit published by the assembler. NALUs hold raw NAL
// units without start codes; they are shared between consumers and must be
// treated as read only.
type Frame struct {
	Sequence  uint64    // 1-based publish counter.
	IDR       bool      // True when the frame carries an IDR slice.
	Timestamp Timestamp // Capture time of the source buffer.
	NALUs     [][]byte  // Ordered NAL units.
}

// Size returns the number of bytes the frame occupies in AVC sample format,
// that is every unit prefixed by a 4-byte length.
func (f Frame) Size() (n int) {
	for _, nalu := range f.NALUs {
		n += 4 + len(nalu)
	}
	return
}

// LeadingType returns the type of the first NAL unit or 0 for empty frames.
func (f Frame) LeadingType() byte {
	if len(f.NALUs) == 0 || len(f.NALUs[0]) == 0 {
		return 0
	}
	return f.NALUs[0][0] & 0x1f //nolint:mnd
}

// Track describes the single video track of the produced stream.
type Track struct {
	Width     uint16   // Picture width in pixels.
	Height    uint16   // Picture height in pixels.
	Rotation  Rotation // Display rotation.
	Timescale uint32   // Ticks per second.
}

// Rotation is a clockwise display rotation in degrees.
type Rotation int

// Supported rotations.
const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Valid reports whether the rotation is one of the four canonical values.
func (r Rotation) Valid() bool {
	switch r {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return true
	}
	return false
}
