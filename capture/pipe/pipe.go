// Package pipe captures a raw Annex-B stream from any reader, such as the
// standard output of raspivid or a recorded .h264 file.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/utils"
	"github.com/ugparu/fmp4streamer/utils/buffer"
	"github.com/ugparu/fmp4streamer/utils/logger"
)

const (
	DefaultChunkSize   = 64 * 1024
	DefaultPollTimeout = time.Second
)

type chunk struct {
	buf buffer.PooledBuffer
	ts  fmp4streamer.Timestamp
	err error
}

// Device reads chunks from r on a background goroutine. Reading pauses while
// the device is stopped.
type Device struct {
	r           io.Reader
	name        string
	chunkSize   int
	pollTimeout time.Duration
	now         func() time.Time

	chunks chan chunk
	done   chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	running   bool
	closed    bool
	started   bool
	readErr   error
	seq       uint32
	inflight  map[int]buffer.PooledBuffer
	closeOnce sync.Once
}

// New creates a pipe device. Zero chunkSize and pollTimeout select the defaults.
func New(r io.Reader, name string, chunkSize int, pollTimeout time.Duration) *Device {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	d := &Device{
		r:           r,
		name:        "PIPE " + name,
		chunkSize:   chunkSize,
		pollTimeout: pollTimeout,
		now:         time.Now,
		chunks:      make(chan chunk, 1),
		done:        make(chan struct{}),
		inflight:    make(map[int]buffer.PooledBuffer),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start resumes reading. The reader goroutine is spawned on the first call.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return utils.ClosedError{}
	}
	d.running = true
	d.cond.Broadcast()
	if !d.started {
		d.started = true
		go d.readLoop()
	}
	return nil
}

// Stop pauses reading after the chunk in progress.
func (d *Device) Stop() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *Device) waitRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.running && !d.closed {
		d.cond.Wait()
	}
	return !d.closed
}

func (d *Device) readLoop() {
	for d.waitRunning() {
		buf := buffer.Get(d.chunkSize)
		n, err := d.r.Read(buf.Data())
		if n > 0 {
			buf.Resize(n)
			if !d.send(chunk{buf: buf, ts: fmp4streamer.TimestampFromTime(d.now())}) {
				return
			}
		} else {
			buf.Release()
		}
		if err != nil {
			d.send(chunk{err: err})
			return
		}
	}
}

func (d *Device) send(c chunk) bool {
	select {
	case d.chunks <- c:
		return true
	case <-d.done:
		if c.buf != nil {
			c.buf.Release()
		}
		return false
	}
}

// Dequeue returns the next chunk read from the pipe. Once the reader is
// exhausted every call fails with an error matching io.EOF.
func (d *Device) Dequeue() (fmp4streamer.Buffer, error) {
	d.mu.Lock()
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		return fmp4streamer.Buffer{}, err
	}

	timer := time.NewTimer(d.pollTimeout)
	defer timer.Stop()

	select {
	case c := <-d.chunks:
		if c.err != nil {
			return fmp4streamer.Buffer{}, d.fail(c.err)
		}
		return d.track(c), nil
	case <-timer.C:
		return fmp4streamer.Buffer{}, utils.TryAgainError{}
	case <-d.done:
		return fmp4streamer.Buffer{}, io.EOF
	}
}

func (d *Device) fail(err error) error {
	if !errors.Is(err, io.EOF) {
		logger.Errorf(d, "Read failed: %v", err)
		err = errors.Join(fmt.Errorf("pipe read: %w", err), io.EOF)
	}
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
	return err
}

func (d *Device) track(c chunk) fmp4streamer.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	idx := int(d.seq)
	d.inflight[idx] = c.buf
	return fmp4streamer.Buffer{
		Data:      c.buf.Data(),
		Index:     idx,
		Sequence:  d.seq,
		Timestamp: c.ts,
	}
}

// Requeue releases the chunk memory.
func (d *Device) Requeue(buf fmp4streamer.Buffer) error {
	d.mu.Lock()
	b, ok := d.inflight[buf.Index]
	delete(d.inflight, buf.Index)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("pipe: unknown buffer %d", buf.Index)
	}
	b.Release()
	return nil
}

// RequestKeyFrame is a no-op: the producer on the other end of the pipe
// cannot be reached.
func (d *Device) RequestKeyFrame() error {
	return nil
}

// SetControl always fails, pipes have no controls.
func (d *Device) SetControl(name string, _ int32) error {
	return fmt.Errorf("pipe: no control %s", name)
}

// Format reports AnnexB.
func (d *Device) Format() fmp4streamer.CaptureFormat {
	return fmp4streamer.AnnexB
}

// Close stops the reader goroutine and closes r when it is an io.Closer.
func (d *Device) Close() (err error) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.running = false
		d.cond.Broadcast()
		for idx, b := range d.inflight {
			b.Release()
			delete(d.inflight, idx)
		}
		d.mu.Unlock()
		close(d.done)
		if c, ok := d.r.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (d *Device) String() string {
	return d.name
}
