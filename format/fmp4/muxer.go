package fmp4

import (
	"fmt"
	"io"
	"math"

	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/format/mp4/mp4io"
	"github.com/ugparu/fmp4streamer/utils"
	"github.com/ugparu/fmp4streamer/utils/buffer"
	"github.com/ugparu/fmp4streamer/utils/nal"
)

// DataOffset is the position of the first sample byte relative to the moof.
const DataOffset = mp4io.MovieFragSize + mp4io.HeaderSize

// Muxer turns frames into moof+mdat fragments for one client. It owns the
// timing state of that client and is not safe for concurrent use.
type Muxer struct {
	w          io.Writer
	timescale  uint32
	seq        uint32
	decodeTime uint64
	start      fmp4streamer.Timestamp
	moof       mp4io.MovieFrag
}

// NewMuxer creates a muxer writing fragments to w.
func NewMuxer(w io.Writer, timescale uint32) *Muxer {
	return &Muxer{
		w:         w,
		timescale: timescale,
		moof: mp4io.MovieFrag{
			TFHD: mp4io.TrackFragHeader{TrackID: TrackID, DefaultFlags: mp4io.SampleNonKeyframe},
			TRUN: mp4io.TrackFragRun{DataOffset: DataOffset},
		},
	}
}

// Sequence returns the mfhd sequence number of the next fragment.
func (m *Muxer) Sequence() uint32 {
	return m.seq
}

// DecodeTime returns the decode time of the next fragment in timescale ticks.
func (m *Muxer) DecodeTime() uint64 {
	return m.decodeTime
}

// duration returns the sample duration of a frame captured at ts. The first
// sample lasts one tick; later ones are derived from the distance to the
// first capture time so rounding errors never accumulate.
func (m *Muxer) duration(ts fmp4streamer.Timestamp) uint32 {
	if m.seq == 0 {
		return 1
	}
	scale := float64(m.timescale)
	elapsed := float64(ts.Sec-m.start.Sec)*scale + float64(ts.Usec-m.start.Usec)*scale/1e6
	d := math.Round(elapsed - float64(m.decodeTime))
	if d <= 0 {
		return 0
	}
	if d > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(d)
}

// WriteFrame writes one fragment holding f as a single sample. Errors of the
// underlying writer are returned unchanged and leave the timing untouched.
func (m *Muxer) WriteFrame(f fmp4streamer.Frame) error {
	if len(f.NALUs) == 0 {
		return utils.EmptyFrameError{}
	}
	size := f.Size()
	if uint64(size) > math.MaxUint32-mp4io.HeaderSize {
		return fmt.Errorf("fmp4: frame of %d bytes does not fit an mdat", size)
	}

	dur := m.duration(f.Timestamp)

	m.moof.Header.Seqnum = m.seq
	m.moof.TFDT.Time = m.decodeTime
	m.moof.TRUN.Duration = dur
	m.moof.TRUN.Size = uint32(size) //nolint:gosec // bounded above
	m.moof.TRUN.FirstSampleFlags = mp4io.SampleNonKeyframe
	if f.IDR {
		m.moof.TRUN.FirstSampleFlags = mp4io.SampleKeyframe
	}

	buf := buffer.Get(DataOffset + size)
	defer buf.Release()
	// Every byte up to n is written below, the pooled bytes are never read.
	b := buf.Data()
	n := m.moof.Marshal(b)
	n += mp4io.PutMdatHeader(b[n:], size)
	for _, nalu := range f.NALUs {
		pio.PutU32BE(b[n:], uint32(len(nalu))) //nolint:gosec // bounded by size
		n += nal.LengthSize
		n += copy(b[n:], nalu)
	}

	if _, err := m.w.Write(b[:n]); err != nil {
		return err
	}

	if m.seq == 0 {
		m.start = f.Timestamp
	}
	m.seq++
	m.decodeTime += uint64(dur)
	return nil
}
