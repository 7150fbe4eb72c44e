package fmp4streamer

import "strings"

// CaptureFormat represents the container of the bitstream delivered by a device.
type CaptureFormat uint32

// Capture formats.
const (
	// H264 buffers carry one Annex-B access unit each.
	H264 CaptureFormat = iota + 1
	// MJPGH264 buffers are JPEG images with the H.264 access unit embedded in APP4 segments.
	MJPGH264
	// AnnexB is a raw Annex-B byte stream with arbitrary chunk boundaries (pipes, files).
	AnnexB
)

// ParseCaptureFormat maps a configuration string to a CaptureFormat.
func ParseCaptureFormat(s string) (CaptureFormat, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "H264", "":
		return H264, true
	case "MJPGH264", "MJPG_H264":
		return MJPGH264, true
	case "PIPE", "ANNEXB":
		return AnnexB, true
	}
	return 0, false
}

// String returns the human-readable string representation of a CaptureFormat.
func (cf CaptureFormat) String() string {
	switch cf {
	case H264:
		return "H264"
	case MJPGH264:
		return "MJPGH264"
	case AnnexB:
		return "ANNEXB"
	}
	return "UNKNOWN"
}

// IsFramed returns true when each buffer is a complete access unit.
func (cf CaptureFormat) IsFramed() bool {
	return cf == H264 || cf == MJPGH264
}
