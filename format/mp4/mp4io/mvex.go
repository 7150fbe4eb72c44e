package mp4io

import "github.com/nareix/joy4/utils/bits/pio"

var (
	MEHD = StringToTag("mehd")
	TREX = StringToTag("trex")
)

const (
	mehdSize = 16
	trexSize = 32
)

// MovieExtendsHeader is the mehd box; a zero duration marks a live stream.
type MovieExtendsHeader struct {
	FragmentDuration uint32
}

func (*MovieExtendsHeader) Tag() Tag {
	return MEHD
}

func (*MovieExtendsHeader) Len() int {
	return mehdSize
}

func (mehd *MovieExtendsHeader) Marshal(b []byte) int {
	return MarshalFullBox(b, MEHD, 0, 0, func(b []byte) int {
		pio.PutU32BE(b, mehd.FragmentDuration)
		return 4 //nolint:mnd
	})
}

func (*MovieExtendsHeader) Children() []Atom {
	return nil
}

// TrackExtend is the trex box holding per-track fragment defaults.
type TrackExtend struct {
	TrackID               uint32
	DefaultSampleDescIdx  uint32
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
	DefaultSampleFlags    uint32
}

func (*TrackExtend) Tag() Tag {
	return TREX
}

func (*TrackExtend) Len() int {
	return trexSize
}

func (trex *TrackExtend) Marshal(b []byte) int {
	return MarshalFullBox(b, TREX, 0, 0, func(b []byte) (n int) {
		for _, v := range [...]uint32{
			trex.TrackID,
			trex.DefaultSampleDescIdx,
			trex.DefaultSampleDuration,
			trex.DefaultSampleSize,
			trex.DefaultSampleFlags,
		} {
			pio.PutU32BE(b[n:], v)
			n += 4
		}
		return
	})
}

func (*TrackExtend) Children() []Atom {
	return nil
}
