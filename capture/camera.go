package capture

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/utils"
	"github.com/ugparu/fmp4streamer/utils/lifecycle"
	"github.com/ugparu/fmp4streamer/utils/logger"
)

const (
	minRestartInterval = time.Second
	maxRestartInterval = time.Second * 8
)

// Camera drains a capture device into an Assembler on its own goroutine.
// With auto sleep the device stops streaming while nobody watches.
type Camera struct {
	lifecycle.AsyncManager[*Camera]
	device    fmp4streamer.Device
	assembler *Assembler
	viewers   *Viewers
	autoSleep bool

	keyMu     sync.Mutex
	streaming bool
	sleeping  bool
	first     bool
	ended     bool
	restart   time.Duration
	name      string
}

// NewCamera creates a camera loop. Call Run to start it.
func NewCamera(device fmp4streamer.Device, assembler *Assembler, viewers *Viewers, autoSleep bool) *Camera {
	c := &Camera{
		device:    device,
		assembler: assembler,
		viewers:   viewers,
		autoSleep: autoSleep,
		restart:   minRestartInterval,
		name:      "CAMERA " + device.String(),
	}
	c.AsyncManager = lifecycle.NewFailSafeAsyncManager(c)
	return c
}

// Run starts streaming and the capture loop. The first buffers are always
// captured so the parameter sets are known before the first viewer arrives.
func (c *Camera) Run() {
	_ = c.Start(func(c *Camera) error {
		return c.startStreaming()
	})
}

func (c *Camera) startStreaming() error {
	if err := c.device.Start(); err != nil {
		return err
	}
	c.streaming = true
	c.first = true
	return nil
}

func (c *Camera) stopStreaming() {
	if err := c.device.Stop(); err != nil {
		logger.Warningf(c, "Failed to stop streaming: %v", err)
	}
	c.streaming = false
}

// Step captures one buffer, sleeping first when there are no viewers.
func (c *Camera) Step(stopCh <-chan struct{}) error {
	select {
	case <-stopCh:
		return &lifecycle.BreakError{}
	default:
	}

	if c.assembler.Backlog() > 0 {
		return c.publishBacklog(stopCh)
	}
	if c.ended {
		return &lifecycle.BreakError{}
	}

	if c.autoSleep && c.viewers.Count() == 0 && c.assembler.hasParameters() {
		if c.streaming {
			c.stopStreaming()
			c.sleeping = true
			c.viewers.countSleep()
			logger.Infof(c, "No viewers, capture is sleeping")
		}
		if !c.viewers.WaitForViewers(stopCh) {
			return &lifecycle.BreakError{}
		}
	}

	if !c.streaming {
		if err := c.startStreaming(); err != nil {
			return c.waitRestart(stopCh, err)
		}
		c.restart = minRestartInterval
		c.assembler.Restart()
		if c.sleeping {
			c.sleeping = false
			c.viewers.countWake()
			logger.Infof(c, "Viewer connected, capture woke up")
		}
	}

	buf, err := c.device.Dequeue()
	if err != nil {
		if errors.As(err, &utils.TryAgainError{}) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			logger.Infof(c, "Input ended")
			c.ended = true
			c.assembler.Flush()
			return nil
		}
		c.streaming = false
		return err
	}

	first := c.first
	c.first = false
	if err = c.assembler.Publish(buf, first); err != nil {
		logger.Warningf(c, "Dropped buffer %d: %v", buf.Sequence, err)
	}
	return c.device.Requeue(buf)
}

// publishBacklog publishes one queued stream mode picture a frame interval
// after the previous one. A backlog longer than a second is drained without
// waiting.
func (c *Camera) publishBacklog(stopCh <-chan struct{}) error {
	if c.assembler.Backlog() <= int(c.assembler.fps) {
		select {
		case <-time.After(c.assembler.FrameInterval()):
		case <-stopCh:
			return &lifecycle.BreakError{}
		}
	}
	c.assembler.PublishNext()
	return nil
}

// waitRestart delays the next start attempt, doubling the delay up to the
// maximum after every failure.
func (c *Camera) waitRestart(stopCh <-chan struct{}, cause error) error {
	if c.restart < maxRestartInterval {
		logger.Warningf(c, "Failed to start streaming: %v", cause)
		logger.Infof(c, "Restarting device in %.fs", c.restart.Seconds())
	}
	select {
	case <-time.After(c.restart):
	case <-stopCh:
		return &lifecycle.BreakError{}
	}

	const scaleFactor = 2
	if c.restart < maxRestartInterval {
		c.restart *= scaleFactor
		if c.restart >= maxRestartInterval {
			c.restart = maxRestartInterval
			logger.Infof(c, "Max restart interval reached. Further attempts will be silent")
		}
	}
	return nil
}

// RequestKeyFrame asks the encoder for an IDR picture.
func (c *Camera) RequestKeyFrame() error {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.device.RequestKeyFrame()
}

// Close_ stops the device and releases everything waiting on the assembler.
func (c *Camera) Close_() { //nolint: revive
	logger.Infof(c, "Closing camera")
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.streaming {
		c.stopStreaming()
	}
	if err := c.device.Close(); err != nil {
		logger.Warningf(c, "Failed to close device: %v", err)
	}
	c.assembler.Close()
}

func (c *Camera) String() string {
	return c.name
}
