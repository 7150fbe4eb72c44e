// Package capture turns device buffers into published frames and drives the
// capture device on behalf of the connected viewers.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/codec/h264"
	"github.com/ugparu/fmp4streamer/utils"
	"github.com/ugparu/fmp4streamer/utils/logger"
	"github.com/ugparu/fmp4streamer/utils/nal"
)

// Assembler holds the latest complete frame and the codec parameters of the
// captured stream. One producer publishes, any number of consumers await.
type Assembler struct {
	format fmp4streamer.CaptureFormat
	fps    uint32

	mu      sync.Mutex
	cond    *sync.Cond
	frame   fmp4streamer.Frame
	version uint64
	closed  bool
	params  *h264.CodecParameters

	// Producer side, serialized by pubMu.
	pubMu      sync.Mutex
	scanner    nal.Scanner
	sps, pps   []byte
	needParams bool
	au         accessUnit
	queue      []accessUnit // Completed stream mode pictures.
	base       fmp4streamer.Timestamp
	emitted    int64 // Stream mode pictures published since Restart.
	chunkTS    fmp4streamer.Timestamp
}

// accessUnit accumulates stream mode units until the next picture starts.
type accessUnit struct {
	units    [][]byte
	ts       fmp4streamer.Timestamp
	hasSlice bool
}

func (au *accessUnit) idr() bool {
	for _, u := range au.units {
		if nal.Type(u) == h264.NaluCodedIDR {
			return true
		}
	}
	return false
}

// DefaultFPS paces stream mode input when the frame rate is not configured.
const DefaultFPS = 30

// NewAssembler creates an assembler for buffers of the given capture format.
// fps is the nominal frame rate; stream mode derives frame timestamps from it.
func NewAssembler(format fmp4streamer.CaptureFormat, fps uint32) *Assembler {
	if fps == 0 {
		fps = DefaultFPS
	}
	a := &Assembler{
		format:     format,
		fps:        fps,
		needParams: true,
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Publish splits one device buffer and replaces the current frame with it.
// isFirst marks the first buffer after the device started streaming; the
// parameter sets are taken from it. The buffer bytes are copied, so the
// caller may requeue the buffer as soon as Publish returns. Publish never
// waits for consumers.
//
// A stream mode chunk may complete several pictures. Publish replaces the
// frame with the oldest of them and queues the rest for PublishNext.
func (a *Assembler) Publish(buf fmp4streamer.Buffer, isFirst bool) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	if a.isClosed() {
		return utils.ClosedError{}
	}

	var units [][]byte
	switch a.format {
	case fmp4streamer.H264:
		units = a.scanner.Scan(buf.Data)
	case fmp4streamer.MJPGH264:
		var err error
		if units, err = a.scanner.ScanMJPEG(buf.Data); err != nil {
			return fmt.Errorf("capture: buffer %d: %w", buf.Sequence, err)
		}
	case fmp4streamer.AnnexB:
		// A stream chunk may end anywhere, so a missing SPS is not worth
		// reporting here.
		units = a.scanner.Write(buf.Data)
		a.chunkTS = buf.Timestamp
		a.captureParameters(units, false)
		a.delimit(units, buf.Timestamp)
		a.publishQueued()
		return nil
	default:
		return utils.UnsupportedFormatError{Format: a.format}
	}

	a.captureParameters(units, isFirst)

	idr := false
	slices := 0
	for _, u := range units {
		switch nal.Type(u) {
		case h264.NaluCodedIDR:
			idr = true
			slices++
		case h264.NaluNonIDR:
			slices++
		}
	}
	if slices == 0 {
		return nil
	}
	a.publish(units, idr, buf.Timestamp)
	return nil
}

// captureParameters caches the first SPS and PPS seen while they are needed.
func (a *Assembler) captureParameters(units [][]byte, isFirst bool) {
	if isFirst {
		a.needParams = true
	}
	if !a.needParams {
		return
	}

	sps, pps := nal.ParameterSets(units)
	if sps != nil && a.sps == nil {
		a.sps = append([]byte(nil), sps...)
	}
	if pps != nil && a.pps == nil {
		a.pps = append([]byte(nil), pps...)
	}

	if a.sps == nil || a.pps == nil {
		if isFirst {
			logger.Errorf(a, "First buffer carries no SPS/PPS (sps=%t pps=%t)", a.sps != nil, a.pps != nil)
		}
		return
	}

	par, err := h264.NewCodecDataFromSPSAndPPS(a.sps, a.pps)
	if err != nil {
		logger.Errorf(a, "Invalid parameter sets: %v", err)
		a.sps, a.pps = nil, nil
		return
	}
	a.needParams = false

	a.mu.Lock()
	a.params = &par
	a.cond.Broadcast()
	a.mu.Unlock()
	logger.Infof(a, "Captured %s", par.String())
}

// delimit groups stream mode units into access units. A picture ends when
// the first slice of the next one or a parameter set after a slice arrives.
func (a *Assembler) delimit(units [][]byte, ts fmp4streamer.Timestamp) {
	for _, u := range units {
		typ := nal.Type(u)
		switch {
		case h264.IsFirstSlice(u), typ == h264.NaluSPS, typ == h264.NaluPPS, typ == h264.NaluAUD:
			if a.au.hasSlice {
				a.completeAccessUnit()
			}
		}
		if len(a.au.units) == 0 {
			a.au.ts = ts
		}
		switch typ {
		case h264.NaluNonIDR, h264.NaluCodedIDR:
			a.au.hasSlice = true
			fallthrough
		case h264.NaluSPS, h264.NaluPPS:
			// Stream mode units live in the scanner buffer, keep a copy.
			a.au.units = append(a.au.units, append([]byte(nil), u...))
		}
	}
}

func (a *Assembler) completeAccessUnit() {
	a.queue = append(a.queue, a.au)
	a.au = accessUnit{}
}

// publishQueued publishes the oldest completed stream mode picture. Chunk
// arrival times say little about capture times, so the picture timestamps
// advance by one frame interval from the first picture after Restart.
func (a *Assembler) publishQueued() bool {
	if len(a.queue) == 0 {
		return false
	}
	au := a.queue[0]
	a.queue[0] = accessUnit{}
	a.queue = a.queue[1:]

	if a.emitted == 0 {
		a.base = au.ts
	}
	us := a.base.Micros() + a.emitted*int64(time.Second/time.Microsecond)/int64(a.fps)
	a.emitted++
	a.publish(au.units, au.idr(), fmp4streamer.TimestampFromTime(time.UnixMicro(us)))
	return true
}

// Backlog returns the number of completed stream mode pictures waiting for
// PublishNext.
func (a *Assembler) Backlog() int {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	return len(a.queue)
}

// PublishNext replaces the frame with the next queued stream mode picture.
// It reports whether there was one.
func (a *Assembler) PublishNext() bool {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	if a.isClosed() {
		return false
	}
	return a.publishQueued()
}

// Flush completes the pending stream mode picture at the end of the input.
// The picture is queued, PublishNext publishes it.
func (a *Assembler) Flush() {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	if a.format != fmp4streamer.AnnexB {
		return
	}
	units := a.scanner.Flush()
	a.captureParameters(units, false)
	a.delimit(units, a.chunkTS)
	if a.au.hasSlice {
		a.completeAccessUnit()
	}
}

// FrameInterval is the nominal time between two frames.
func (a *Assembler) FrameInterval() time.Duration {
	return time.Second / time.Duration(a.fps)
}

// publish copies the slices of units into a fresh frame. IDR frames always
// lead with the cached parameter sets.
func (a *Assembler) publish(units [][]byte, idr bool, ts fmp4streamer.Timestamp) {
	var sps, pps []byte
	if idr {
		sps, pps = a.sps, a.pps
		if sps == nil || pps == nil {
			sps, pps = nal.ParameterSets(units)
		}
	}

	size := len(sps) + len(pps)
	count := 0
	for _, u := range units {
		if h264.IsSlice(u) {
			size += len(u)
			count++
		}
	}

	data := make([]byte, 0, size)
	nalus := make([][]byte, 0, count+2) //nolint:mnd
	add := func(u []byte) {
		start := len(data)
		data = append(data, u...)
		nalus = append(nalus, data[start:len(data):len(data)])
	}
	if sps != nil && pps != nil {
		add(sps)
		add(pps)
	}
	for _, u := range units {
		if h264.IsSlice(u) {
			add(u)
		}
	}

	a.mu.Lock()
	a.version++
	a.frame = fmp4streamer.Frame{
		Sequence:  a.version,
		IDR:       idr,
		Timestamp: ts,
		NALUs:     nalus,
	}
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Await blocks until a frame newer than lastVersion is published and returns
// it with its version. It fails when ctx is done or the assembler is closed.
func (a *Assembler) Await(ctx context.Context, lastVersion uint64) (fmp4streamer.Frame, uint64, error) {
	stop := context.AfterFunc(ctx, a.wake)
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for !a.fresh(lastVersion) && !a.closed && ctx.Err() == nil {
		a.cond.Wait()
	}
	if a.closed {
		return fmp4streamer.Frame{}, a.version, utils.ClosedError{}
	}
	if a.fresh(lastVersion) {
		return a.frame, a.version, nil
	}
	return fmp4streamer.Frame{}, a.version, ctx.Err()
}

// fresh reports whether the slot holds a frame newer than lastVersion. The
// slot is empty after Restart until the restarted device delivers.
func (a *Assembler) fresh(lastVersion uint64) bool {
	return a.version > lastVersion && len(a.frame.NALUs) > 0
}

// Latest returns the version of the frame in the slot. A consumer that
// starts awaiting from it only receives frames published later.
func (a *Assembler) Latest() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func (a *Assembler) wake() {
	a.mu.Lock()
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Parameters returns the captured codec parameters.
func (a *Assembler) Parameters() (*h264.CodecParameters, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.params == nil {
		return nil, utils.NoCodecDataError{}
	}
	return a.params, nil
}

func (a *Assembler) hasParameters() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params != nil
}

// WaitParameters blocks until the parameter sets have been captured.
func (a *Assembler) WaitParameters(ctx context.Context) (*h264.CodecParameters, error) {
	stop := context.AfterFunc(ctx, a.wake)
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for a.params == nil && !a.closed && ctx.Err() == nil {
		a.cond.Wait()
	}
	switch {
	case a.params != nil:
		return a.params, nil
	case a.closed:
		return nil, utils.ClosedError{}
	default:
		return nil, errors.Join(utils.NoCodecDataError{}, ctx.Err())
	}
}

// Published returns the number of frames published so far.
func (a *Assembler) Published() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// Restart drops partial stream state after the device was restarted and
// empties the frame slot, so no consumer receives a picture captured before
// the restart. The parameter sets are captured again from the next buffers;
// the previous ones stay available until then.
func (a *Assembler) Restart() {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	a.scanner.Reset()
	a.au = accessUnit{}
	a.queue = nil
	a.emitted = 0
	a.sps, a.pps = nil, nil
	a.needParams = true

	a.mu.Lock()
	a.frame = fmp4streamer.Frame{}
	a.mu.Unlock()
}

// Close releases every waiter. Later calls to Await return ClosedError.
func (a *Assembler) Close() {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
}

func (a *Assembler) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Assembler) String() string {
	return "ASSEMBLER " + a.format.String()
}
