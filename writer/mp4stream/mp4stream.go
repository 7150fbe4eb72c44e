// Package mp4stream serves the live frames to one HTTP client as a single
// progressive fragmented MP4 response.
package mp4stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/capture"
	"github.com/ugparu/fmp4streamer/codec/h264"
	"github.com/ugparu/fmp4streamer/format/fmp4"
	"github.com/ugparu/fmp4streamer/utils/logger"
)

// FrameSource is the latest-frame slot the distributor reads from.
type FrameSource interface {
	Await(ctx context.Context, lastVersion uint64) (fmp4streamer.Frame, uint64, error)
	Latest() uint64 // Version of the frame currently in the slot.
	Parameters() (*h264.CodecParameters, error)
}

// State is the position of a client stream in its lifecycle.
type State int32

// Client stream states.
const (
	AwaitingKeyframe State = iota
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingKeyframe:
		return "AWAITING_KEYFRAME"
	case Streaming:
		return "STREAMING"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Stats are the per-client counters.
type Stats struct {
	Fragments uint64 `json:"fragments"`
	Skipped   uint64 `json:"skipped"`
	Bytes     uint64 `json:"bytes"`
}

// Distributor writes the init segment and then one fragment per published
// frame to a single client. Every client owns its own timing state.
type Distributor struct {
	src     FrameSource
	track   fmp4streamer.Track
	viewers *capture.Viewers
	keys    fmp4streamer.KeyFrameRequester
	name    string

	state     atomic.Int32
	fragments atomic.Uint64
	skipped   atomic.Uint64
	bytes     atomic.Uint64
}

// New creates a distributor for one client. keys may be nil.
func New(src FrameSource, track fmp4streamer.Track, viewers *capture.Viewers,
	keys fmp4streamer.KeyFrameRequester, client string) *Distributor {
	return &Distributor{
		src:     src,
		track:   track,
		viewers: viewers,
		keys:    keys,
		name:    "MP4STREAM " + client,
	}
}

// Serve streams until ctx is done or a write fails. Only frames published
// after the call are streamed, and those preceding the first keyframe
// produce no output at all. The returned error is nil when the client went
// away through ctx.
func (d *Distributor) Serve(ctx context.Context, w io.Writer) error {
	last := d.src.Latest()
	d.viewers.Add()
	defer d.viewers.Done()

	logger.Infof(d, "Client connected")
	if d.keys != nil {
		if err := d.keys.RequestKeyFrame(); err != nil {
			logger.Debugf(d, "Key frame request failed: %v", err)
		}
	}

	out := &countingWriter{w: w, n: &d.bytes}
	flusher, _ := w.(http.Flusher)

	var mux *fmp4.Muxer
	for {
		frame, version, err := d.src.Await(ctx, last)
		if err != nil {
			return d.close(ctx, err)
		}
		last = version

		if mux == nil {
			if !frame.IDR && frame.LeadingType() != h264.NaluSPS {
				d.skipped.Add(1)
				continue
			}
			par, err := d.src.Parameters()
			if err != nil {
				return d.close(ctx, err)
			}
			if err = fmp4.WriteHeader(out, d.track, par); err != nil {
				return d.close(ctx, err)
			}
			mux = fmp4.NewMuxer(out, d.track.Timescale)
			d.state.Store(int32(Streaming))
			logger.Debugf(d, "Streaming from frame %d after %d skipped", frame.Sequence, d.skipped.Load())
		}

		if err = mux.WriteFrame(frame); err != nil {
			return d.close(ctx, err)
		}
		d.fragments.Add(1)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (d *Distributor) close(ctx context.Context, err error) error {
	d.state.Store(int32(Closed))
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		logger.Infof(d, "Client disconnected after %d fragments", d.fragments.Load())
		return nil
	}
	logger.Warningf(d, "Stream closed after %d fragments: %v", d.fragments.Load(), err)
	return err
}

// State returns the current state.
func (d *Distributor) State() State {
	return State(d.state.Load())
}

// Stats returns a snapshot of the counters.
func (d *Distributor) Stats() Stats {
	return Stats{
		Fragments: d.fragments.Load(),
		Skipped:   d.skipped.Load(),
		Bytes:     d.bytes.Load(),
	}
}

func (d *Distributor) String() string {
	return d.name
}

type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n.Add(uint64(n)) //nolint:gosec
	return n, err
}
