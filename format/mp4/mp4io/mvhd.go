package mp4io

import "github.com/nareix/joy4/utils/bits/pio"

var MVHD = StringToTag("mvhd")

const (
	mvhdSize       = 108
	fixed16One     = 0x0100
	fixed32One     = 0x00010000
	matrixW        = 0x40000000
	matrixElements = 9
)

// IdentityMatrix is the unity transformation of mvhd and tkhd.
var IdentityMatrix = [matrixElements]int32{
	fixed32One, 0, 0,
	0, fixed32One, 0,
	0, 0, matrixW,
}

// MovieHeader is a version 0 mvhd with zero creation times and unknown duration.
type MovieHeader struct {
	TimeScale   uint32
	Duration    uint32
	Matrix      [matrixElements]int32
	NextTrackID uint32
}

func NewMovieHeader(timescale uint32) *MovieHeader {
	return &MovieHeader{
		TimeScale: timescale,
		Matrix:    IdentityMatrix,
	}
}

func (*MovieHeader) Tag() Tag {
	return MVHD
}

func (*MovieHeader) Len() int {
	return mvhdSize
}

func (mvhd *MovieHeader) Marshal(b []byte) int {
	return MarshalFullBox(b, MVHD, 0, 0, func(b []byte) (n int) {
		n += 8 // creation and modification time
		pio.PutU32BE(b[n:], mvhd.TimeScale)
		n += 4
		pio.PutU32BE(b[n:], mvhd.Duration)
		n += 4
		pio.PutU32BE(b[n:], fixed32One) // rate 1.0
		n += 4
		pio.PutU16BE(b[n:], fixed16One) // volume 1.0
		n += 2
		n += 10 // reserved
		n += putMatrix(b[n:], mvhd.Matrix)
		n += 24 // pre_defined
		pio.PutU32BE(b[n:], mvhd.NextTrackID)
		n += 4
		return
	})
}

func (*MovieHeader) Children() []Atom {
	return nil
}

func putMatrix(b []byte, m [matrixElements]int32) (n int) {
	for _, v := range m {
		pio.PutI32BE(b[n:], v)
		n += 4
	}
	return
}
