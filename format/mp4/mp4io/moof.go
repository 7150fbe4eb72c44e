package mp4io

import "github.com/nareix/joy4/utils/bits/pio"

var (
	MFHD = StringToTag("mfhd")
	TFHD = StringToTag("tfhd")
	TFDT = StringToTag("tfdt")
	TRUN = StringToTag("trun")
	MDAT = StringToTag("mdat")
)

// tfhd flags (ISO/IEC 14496-12 8.8.7).
const (
	TFHDDefaultFlags      = uint32(0x000020)
	TFHDDefaultBaseIsMOOF = uint32(0x020000)
)

// trun flags (ISO/IEC 14496-12 8.8.8).
const (
	TRUNDataOffset       = uint32(0x000001)
	TRUNFirstSampleFlags = uint32(0x000004)
	TRUNSampleDuration   = uint32(0x000100)
	TRUNSampleSize       = uint32(0x000200)
)

const (
	mfhdSize = 16
	tfhdSize = 20
	tfdtSize = 20
	trunSize = 32
)

// MovieFragHeader is the mfhd box.
type MovieFragHeader struct {
	Seqnum uint32
}

func (*MovieFragHeader) Tag() Tag {
	return MFHD
}

func (*MovieFragHeader) Len() int {
	return mfhdSize
}

func (mfhd *MovieFragHeader) Marshal(b []byte) int {
	return MarshalFullBox(b, MFHD, 0, 0, func(b []byte) int {
		pio.PutU32BE(b, mfhd.Seqnum)
		return 4 //nolint:mnd
	})
}

func (*MovieFragHeader) Children() []Atom {
	return nil
}

// TrackFragHeader is a tfhd carrying only the track id and default sample flags.
type TrackFragHeader struct {
	TrackID      uint32
	DefaultFlags uint32
}

func (*TrackFragHeader) Tag() Tag {
	return TFHD
}

func (*TrackFragHeader) Len() int {
	return tfhdSize
}

func (tfhd *TrackFragHeader) Marshal(b []byte) int {
	return MarshalFullBox(b, TFHD, 0, TFHDDefaultBaseIsMOOF|TFHDDefaultFlags, func(b []byte) int {
		pio.PutU32BE(b[0:], tfhd.TrackID)
		pio.PutU32BE(b[4:], tfhd.DefaultFlags)
		return 8 //nolint:mnd
	})
}

func (*TrackFragHeader) Children() []Atom {
	return nil
}

// TrackFragDecodeTime is a version 1 tfdt with a 64-bit decode time.
type TrackFragDecodeTime struct {
	Time uint64
}

func (*TrackFragDecodeTime) Tag() Tag {
	return TFDT
}

func (*TrackFragDecodeTime) Len() int {
	return tfdtSize
}

func (tfdt *TrackFragDecodeTime) Marshal(b []byte) int {
	return MarshalFullBox(b, TFDT, 1, 0, func(b []byte) int {
		pio.PutU64BE(b, tfdt.Time)
		return 8 //nolint:mnd
	})
}

func (*TrackFragDecodeTime) Children() []Atom {
	return nil
}

// TrackFragRun is a single-sample trun with data offset, first sample flags,
// duration and size.
type TrackFragRun struct {
	DataOffset       uint32
	FirstSampleFlags uint32
	Duration         uint32
	Size             uint32
}

// TrackFragRunFlags is the flag set written by TrackFragRun.
const TrackFragRunFlags = TRUNDataOffset | TRUNFirstSampleFlags | TRUNSampleDuration | TRUNSampleSize

func (*TrackFragRun) Tag() Tag {
	return TRUN
}

func (*TrackFragRun) Len() int {
	return trunSize
}

func (trun *TrackFragRun) Marshal(b []byte) int {
	return MarshalFullBox(b, TRUN, 0, TrackFragRunFlags, func(b []byte) (n int) {
		for _, v := range [...]uint32{1, trun.DataOffset, trun.FirstSampleFlags, trun.Duration, trun.Size} {
			pio.PutU32BE(b[n:], v)
			n += 4
		}
		return
	})
}

func (*TrackFragRun) Children() []Atom {
	return nil
}

// MovieFrag is a moof holding one traf with one single-sample trun. Its size
// does not depend on the sample, so DataOffset can be precomputed.
type MovieFrag struct {
	Header MovieFragHeader
	TFHD   TrackFragHeader
	TFDT   TrackFragDecodeTime
	TRUN   TrackFragRun
}

// MovieFragSize is the encoded size of MovieFrag.
const MovieFragSize = HeaderSize + mfhdSize + HeaderSize + tfhdSize + tfdtSize + trunSize

func (*MovieFrag) Tag() Tag {
	return MOOF
}

func (*MovieFrag) Len() int {
	return MovieFragSize
}

func (moof *MovieFrag) Marshal(b []byte) int {
	return MarshalBox(b, MOOF, func(b []byte) (n int) {
		n += moof.Header.Marshal(b[n:])
		n += MarshalBox(b[n:], TRAF, func(b []byte) (n int) {
			n += moof.TFHD.Marshal(b[n:])
			n += moof.TFDT.Marshal(b[n:])
			n += moof.TRUN.Marshal(b[n:])
			return
		})
		return
	})
}

func (moof *MovieFrag) Children() []Atom {
	return []Atom{&moof.Header, NewContainer(TRAF, &moof.TFHD, &moof.TFDT, &moof.TRUN)}
}

// PutMdatHeader writes the 8-byte header of an mdat with payloadSize bytes.
func PutMdatHeader(b []byte, payloadSize int) int {
	pio.PutU32BE(b[0:], uint32(payloadSize+HeaderSize)) //nolint:gosec
	pio.PutU32BE(b[4:], uint32(MDAT))
	return HeaderSize
}
