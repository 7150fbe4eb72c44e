package mp4io

import "github.com/nareix/joy4/utils/bits/pio"

var TKHD = StringToTag("tkhd")

const (
	tkhdSize = 92

	TKHDEnabled   = 0x01
	TKHDInMovie   = 0x02
	TKHDInPreview = 0x04
)

// TrackHeader is a version 0 tkhd of a video track.
type TrackHeader struct {
	Flags    uint32
	TrackID  uint32
	Duration uint32
	Matrix   [matrixElements]int32
	Width    uint16 // Integer part of the 16.16 width.
	Height   uint16 // Integer part of the 16.16 height.
}

func NewTrackHeader(trackID uint32, width, height uint16, rotation int) *TrackHeader {
	return &TrackHeader{
		Flags:   TKHDEnabled | TKHDInMovie | TKHDInPreview,
		TrackID: trackID,
		Matrix:  RotationMatrix(rotation, width, height),
		Width:   width,
		Height:  height,
	}
}

// RotationMatrix returns the display matrix for a clockwise rotation by a
// multiple of 90 degrees. The translation keeps the rotated picture inside
// the positive quadrant. Any other angle yields the identity matrix.
func RotationMatrix(rotation int, width, height uint16) [matrixElements]int32 {
	w := int32(width) << 16  //nolint:mnd
	h := int32(height) << 16 //nolint:mnd
	switch rotation {
	case 90: //nolint:mnd
		return [matrixElements]int32{0, fixed32One, 0, -fixed32One, 0, 0, h, 0, matrixW}
	case 180: //nolint:mnd
		return [matrixElements]int32{-fixed32One, 0, 0, 0, -fixed32One, 0, w, h, matrixW}
	case 270: //nolint:mnd
		return [matrixElements]int32{0, -fixed32One, 0, fixed32One, 0, 0, 0, w, matrixW}
	}
	return IdentityMatrix
}

func (*TrackHeader) Tag() Tag {
	return TKHD
}

func (*TrackHeader) Len() int {
	return tkhdSize
}

func (tkhd *TrackHeader) Marshal(b []byte) int {
	return MarshalFullBox(b, TKHD, 0, tkhd.Flags, func(b []byte) (n int) {
		n += 8 // creation and modification time
		pio.PutU32BE(b[n:], tkhd.TrackID)
		n += 4
		n += 4 // reserved
		pio.PutU32BE(b[n:], tkhd.Duration)
		n += 4
		n += 8 // reserved
		n += 8 // layer, alternate group, volume, reserved
		n += putMatrix(b[n:], tkhd.Matrix)
		pio.PutU32BE(b[n:], uint32(tkhd.Width)<<16) //nolint:mnd
		n += 4
		pio.PutU32BE(b[n:], uint32(tkhd.Height)<<16) //nolint:mnd
		n += 4
		return
	})
}

func (*TrackHeader) Children() []Atom {
	return nil
}
