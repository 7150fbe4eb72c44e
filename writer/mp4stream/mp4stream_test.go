package mp4stream

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/capture"
	"github.com/ugparu/fmp4streamer/codec/h264"
	"github.com/ugparu/fmp4streamer/utils"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x02, 0x80, 0xf6, 0x40}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testP   = []byte{0x41, 0x9a, 0x02, 0x04, 0x10}
)

const (
	testTimescale = 30 * 500
	frameUsec     = 33333
	gop           = 30
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.FatalLevel)
	m.Run()
}

// scriptedSource hands out every scripted frame once, in order, then blocks
// until ctx is done or reports ClosedError.
type scriptedSource struct {
	frames     []fmp4streamer.Frame
	par        *h264.CodecParameters
	closeAtEnd bool
}

func (s *scriptedSource) Await(ctx context.Context, last uint64) (fmp4streamer.Frame, uint64, error) {
	if int(last) < len(s.frames) {
		return s.frames[last], last + 1, nil
	}
	if s.closeAtEnd {
		return fmp4streamer.Frame{}, last, utils.ClosedError{}
	}
	<-ctx.Done()
	return fmp4streamer.Frame{}, last, ctx.Err()
}

// Latest is zero, every scripted frame counts as published later.
func (*scriptedSource) Latest() uint64 { return 0 }

func (s *scriptedSource) Parameters() (*h264.CodecParameters, error) {
	if s.par == nil {
		return nil, utils.NoCodecDataError{}
	}
	return s.par, nil
}

type keyCounter struct {
	n atomic.Int32
}

func (k *keyCounter) RequestKeyFrame() error {
	k.n.Add(1)
	return errors.New("not supported")
}

type errWriter struct {
	err error
}

func (w errWriter) Write([]byte) (int, error) {
	return 0, w.err
}

func parameters(t *testing.T) *h264.CodecParameters {
	t.Helper()
	par, err := h264.NewCodecDataFromSPSAndPPS(testSPS, testPPS)
	require.NoError(t, err)
	return &par
}

func track() fmp4streamer.Track {
	return fmp4streamer.Track{Width: 640, Height: 480, Timescale: testTimescale}
}

// frames builds n frames of a 30 fps stream starting at frame index first.
func frames(first, n int) []fmp4streamer.Frame {
	out := make([]fmp4streamer.Frame, 0, n)
	for i := first; i < first+n; i++ {
		us := int64(i) * frameUsec
		f := fmp4streamer.Frame{
			Sequence:  uint64(i + 1),
			Timestamp: fmp4streamer.Timestamp{Sec: 50 + us/1e6, Usec: us % 1e6},
		}
		if i%gop == 0 {
			f.IDR = true
			f.NALUs = [][]byte{testSPS, testPPS, testIDR}
		} else {
			f.NALUs = [][]byte{testP}
		}
		out = append(out, f)
	}
	return out
}

func TestFirstFrameGating(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{frames: frames(1, 5), par: parameters(t)}
	viewers := capture.NewViewers()
	keys := &keyCounter{}
	d := New(src, track(), viewers, keys, "192.0.2.1:5000")
	require.Equal(t, AwaitingKeyframe, d.State())

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, &out) }()

	require.Eventually(t, func() bool {
		return viewers.Count() == 1 && d.Stats().Skipped == 5
	}, time.Second, time.Millisecond)
	require.Equal(t, AwaitingKeyframe, d.State())
	cancel()

	require.NoError(t, <-done)
	require.Zero(t, out.Len())
	require.Equal(t, Stats{Skipped: 5}, d.Stats())
	require.Equal(t, Closed, d.State())
	require.Zero(t, viewers.Count())
	require.Equal(t, int32(1), keys.n.Load())
}

func TestStreamStartsAtKeyframe(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{frames: frames(25, 10), par: parameters(t), closeAtEnd: true}
	rec := httptest.NewRecorder()
	d := New(src, track(), capture.NewViewers(), nil, "client")

	err := d.Serve(context.Background(), rec)
	require.ErrorAs(t, err, &utils.ClosedError{})
	require.True(t, rec.Flushed)

	stats := d.Stats()
	require.Equal(t, uint64(5), stats.Skipped)
	require.Equal(t, uint64(5), stats.Fragments)
	require.Equal(t, uint64(rec.Body.Len()), stats.Bytes)

	file, err := mp4.DecodeFile(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	require.NotNil(t, file.Init)
	var n int
	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			if n == 0 {
				samples, err := frag.GetFullSamples(file.Init.Moov.Mvex.Trex)
				require.NoError(t, err)
				require.True(t, samples[0].IsSync())
			}
			n++
		}
	}
	require.Equal(t, 5, n)
}

func TestMissingParameters(t *testing.T) {
	t.Parallel()

	viewers := capture.NewViewers()
	src := &scriptedSource{frames: frames(0, 3)}
	var out bytes.Buffer
	d := New(src, track(), viewers, nil, "client")

	require.ErrorAs(t, d.Serve(context.Background(), &out), &utils.NoCodecDataError{})
	require.Zero(t, out.Len())
	require.Equal(t, Closed, d.State())
	require.Zero(t, viewers.Count())
}

func TestWriteErrorCloses(t *testing.T) {
	t.Parallel()

	viewers := capture.NewViewers()
	sinkErr := errors.New("connection reset by peer")
	src := &scriptedSource{frames: frames(0, 3), par: parameters(t)}
	d := New(src, track(), viewers, nil, "client")

	require.ErrorIs(t, d.Serve(context.Background(), errWriter{err: sinkErr}), sinkErr)
	require.Equal(t, Closed, d.State())
	require.Zero(t, viewers.Count())
	require.Zero(t, d.Stats().Fragments)
}

func annexB(units ...[]byte) []byte {
	var b []byte
	for _, u := range units {
		b = append(b, 0, 0, 0, 1)
		b = append(b, u...)
	}
	return b
}

func capturedAt(i int, base int64) fmp4streamer.Timestamp {
	us := int64(i) * frameUsec
	return fmp4streamer.Timestamp{Sec: base + us/1e6, Usec: us % 1e6}
}

// decodeSamples returns the single sample of every fragment in a stream.
func decodeSamples(t *testing.T, b []byte) (*mp4.File, []mp4.FullSample) {
	t.Helper()
	file, err := mp4.DecodeFile(bytes.NewReader(b))
	require.NoError(t, err)
	require.NotNil(t, file.Init)

	var samples []mp4.FullSample
	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			s, err := frag.GetFullSamples(file.Init.Moov.Mvex.Trex)
			require.NoError(t, err)
			require.Len(t, s, 1)
			samples = append(samples, s[0])
		}
	}
	return file, samples
}

func TestFreshClientSkipsStaleFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		restart bool
	}{
		{"capture woke up", true},
		{"capture kept streaming", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := capture.NewAssembler(fmp4streamer.H264, 30)
			stale := fmp4streamer.Buffer{Data: annexB(testSPS, testPPS, testIDR), Timestamp: fmp4streamer.Timestamp{Sec: 100}}
			require.NoError(t, a.Publish(stale, true))

			viewers := capture.NewViewers()
			d := New(a, track(), viewers, nil, "client")
			ctx, cancel := context.WithCancel(context.Background())
			var out bytes.Buffer
			done := make(chan error, 1)
			go func() { done <- d.Serve(ctx, &out) }()
			require.Eventually(t, func() bool { return viewers.Count() == 1 }, time.Second, time.Millisecond)

			if tt.restart {
				a.Restart()
			}
			fresh := [][]byte{annexB(testSPS, testPPS, testIDR), annexB(testP), annexB(testP)}
			for i, data := range fresh {
				buf := fmp4streamer.Buffer{Data: data, Timestamp: capturedAt(i, 700)}
				require.NoError(t, a.Publish(buf, i == 0 && tt.restart))
				require.Eventually(t, func() bool { return d.Stats().Fragments == uint64(i+1) }, time.Second, time.Millisecond)
			}
			cancel()
			require.NoError(t, <-done)

			_, samples := decodeSamples(t, out.Bytes())
			require.Len(t, samples, 3)
			require.True(t, samples[0].IsSync())
			require.Equal(t, uint64(0), samples[0].DecodeTime)
			require.Equal(t, uint32(1), samples[0].Dur)
			for _, s := range samples[1:] {
				require.False(t, s.IsSync())
				require.InDelta(t, 500, s.Dur, 1)
			}
			require.Equal(t, testIDR, samples[0].Data[len(samples[0].Data)-len(testIDR):])
		})
	}
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	const total = 90
	a := capture.NewAssembler(fmp4streamer.H264, 30)
	viewers := capture.NewViewers()
	d := New(a, track(), viewers, nil, "client")
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), &out) }()
	require.Eventually(t, func() bool { return viewers.Count() == 1 }, time.Second, time.Millisecond)

	var wantBytes uint64
	for i := range total {
		data := annexB(testP)
		wantBytes += 8 + 4 + uint64(len(testP))
		if i == 0 {
			data = annexB(testSPS, testPPS, testIDR)
			wantBytes = 8 + 12 + uint64(len(testSPS)+len(testPPS)+len(testIDR))
		}
		buf := fmp4streamer.Buffer{Data: data, Sequence: uint32(i), Timestamp: capturedAt(i, 50)}
		require.NoError(t, a.Publish(buf, i == 0))
		// Lockstep with the client, so no frame is replaced before it is written.
		require.Eventually(t, func() bool { return d.Stats().Fragments == uint64(i+1) }, time.Second, time.Millisecond)
	}
	a.Close()
	require.ErrorAs(t, <-done, &utils.ClosedError{})

	file, samples := decodeSamples(t, out.Bytes())
	require.NotNil(t, file.Init.Ftyp)
	require.NotNil(t, file.Init.Moov)
	require.Len(t, samples, total)

	var (
		frags     []*mp4.Fragment
		mdatBytes uint64
	)
	for _, seg := range file.Segments {
		frags = append(frags, seg.Fragments...)
	}
	var prev uint64
	for i, frag := range frags {
		require.Equal(t, uint32(i), frag.Moof.Mfhd.SequenceNumber)
		require.Equal(t, i == 0, samples[i].IsSync(), "sample %d", i)
		require.GreaterOrEqual(t, samples[i].DecodeTime, prev)
		prev = samples[i].DecodeTime
		mdatBytes += frag.Mdat.Size()
	}
	require.Equal(t, wantBytes, mdatBytes)
	// Decode times follow the capture clock: frame 89 starts one tick past 88 frames.
	require.InDelta(t, 88*500, samples[total-1].DecodeTime, 1)
	require.Equal(t, Stats{Fragments: total, Bytes: uint64(out.Len())}, d.Stats())
}
