package h264

// minAVCRecordSize is the minimum size of an AVC decoder configuration record.
const minAVCRecordSize = 7

// NAL unit types handled by the streamer.
const (
	NaluNonIDR   = 1 // Coded slice of a non-IDR picture.
	NaluCodedIDR = 5 // Coded slice of an IDR picture.
	NaluSEI      = 6 // Supplemental enhancement information.
	NaluSPS      = 7 // Sequence parameter set.
	NaluPPS      = 8 // Picture parameter set.
	NaluAUD      = 9 // Access unit delimiter.
)

// naluTypeMask extracts nal_unit_type from the first byte of a unit.
const naluTypeMask = 0x1f

// Common magic numbers used in the package
const (
	// Bit masks
	maskLengthSizeMinusOne    = 0x03
	maskSPSCount              = 0x1f
	maskLengthSizeMinusOneInv = 0xfc
	maskSPSCountInv           = 0xe0

	// Size of the length prefix of each parameter set in the record.
	lengthFieldSize = 2

	// Offsets of profile_idc, constraint flags and level_idc inside an SPS unit.
	spsProfileOffset    = 1
	spsConstraintOffset = 2
	spsLevelOffset      = 3
	minSPSSize          = 4
)

// NaluType returns the nal_unit_type of a unit, or 0 for an empty slice.
func NaluType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & naluTypeMask
}

// IsSlice reports whether the unit carries picture data.
func IsSlice(nalu []byte) bool {
	typ := NaluType(nalu)
	return typ == NaluNonIDR || typ == NaluCodedIDR
}

// IsFirstSlice reports whether a slice starts a new picture: first_mb_in_slice
// is the leading ue(v) of the slice header and equals 0 exactly when its first
// bit is set.
func IsFirstSlice(nalu []byte) bool {
	const firstBit = 0x80
	return IsSlice(nalu) && len(nalu) > 1 && nalu[1]&firstBit != 0
}

// SPSInfo represents information extracted from Sequence Parameter Sets (SPS) in a video stream.
type SPSInfo struct {
	ID                uint // Identifier for the SPS.
	ProfileIDC        uint // Profile identifier for the SPS.
	LevelIDC          uint // Level identifier for the SPS.
	ConstraintSetFlag uint // Constraint set flag for the SPS.

	Width  uint // Width of the video frame after cropping.
	Height uint // Height of the video frame after cropping.
	FPS    uint // Frames per second from the VUI timing info, 0 when absent.
}
