package nal

import (
	"encoding/binary"
	"fmt"

	"github.com/nareix/joy4/utils/bits/pio"
)

// JPEG markers walked while looking for the embedded stream.
const (
	markerPrefix = 0xff
	markerSOI    = 0xd8
	markerEOI    = 0xd9
	markerSOS    = 0xda
	markerAPP4   = 0xe4
	markerTEM    = 0x01
	markerRST0   = 0xd0
	markerRST7   = 0xd7

	markerSize   = 2 // 0xFF + marker code.
	lengthSize   = 2 // Segment length, counts itself.
	segmentStart = markerSize + lengthSize

	// UVC H.264 payload header: wVersion, wHeaderLength, ... followed by the
	// 32-bit payload size once wHeaderLength bytes have been skipped.
	auxHeaderLenOffset = 2
	auxMinHeaderLen    = 4
	auxPayloadSizeLen  = 4
)

// MalformedError reports a buffer that does not carry what its format promises.
type MalformedError struct {
	Reason string
	Offset int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed buffer at %d: %s", e.Offset, e.Reason)
}

func malformed(reason string, offset int) error {
	return &MalformedError{Reason: reason, Offset: offset}
}

// ExtractMJPEG returns the Annex-B payload embedded in a UVC MJPEG frame.
func ExtractMJPEG(frame []byte) ([]byte, error) {
	return AppendMJPEGPayload(nil, frame)
}

// AppendMJPEGPayload appends the H.264 payload of an MJPEG frame to dst.
// The payload starts in the first APP4 segment behind the UVC auxiliary
// stream header and continues through following APP4 segments, each at most
// 65535 bytes long, until the advertised payload size is reached.
func AppendMJPEGPayload(dst, frame []byte) ([]byte, error) {
	if len(frame) < markerSize || frame[0] != markerPrefix || frame[1] != markerSOI {
		return dst, malformed("no SOI marker", 0)
	}

	remaining := -1 // Unknown until the first APP4 header is parsed.
	pos := markerSize
	for pos+markerSize <= len(frame) {
		if frame[pos] != markerPrefix {
			return dst, malformed("marker expected", pos)
		}
		marker := frame[pos+1]
		switch {
		case marker == markerPrefix:
			pos++ // Fill byte.
			continue
		case marker == markerTEM || marker == markerSOI || (marker >= markerRST0 && marker <= markerRST7):
			pos += markerSize
			continue
		case marker == markerEOI || marker == markerSOS:
			return finishPayload(dst, remaining, pos)
		}

		if pos+segmentStart > len(frame) {
			return dst, malformed("truncated segment header", pos)
		}
		segLen := int(pio.U16BE(frame[pos+markerSize:]))
		if segLen < lengthSize || pos+markerSize+segLen > len(frame) {
			return dst, malformed("truncated segment", pos)
		}
		content := frame[pos+segmentStart : pos+markerSize+segLen]

		if marker == markerAPP4 {
			var err error
			if remaining < 0 {
				if content, remaining, err = auxPayload(content, pos); err != nil {
					return dst, err
				}
			}
			n := min(len(content), remaining)
			dst = append(dst, content[:n]...)
			remaining -= n
			if remaining == 0 {
				return dst, nil
			}
		}
		pos += markerSize + segLen
	}
	return finishPayload(dst, remaining, pos)
}

// auxPayload strips the auxiliary stream header from the first APP4 segment.
func auxPayload(content []byte, pos int) ([]byte, int, error) {
	if len(content) < auxMinHeaderLen {
		return nil, 0, malformed("short APP4 header", pos)
	}
	headerLen := int(binary.LittleEndian.Uint16(content[auxHeaderLenOffset:]))
	if headerLen < auxMinHeaderLen || headerLen+auxPayloadSizeLen > len(content) {
		return nil, 0, malformed("bad APP4 header length", pos)
	}
	size := int(binary.LittleEndian.Uint32(content[headerLen:]))
	return content[headerLen+auxPayloadSizeLen:], size, nil
}

func finishPayload(dst []byte, remaining, pos int) ([]byte, error) {
	switch {
	case remaining < 0:
		return dst, malformed("no APP4 segment", pos)
	case remaining > 0:
		return dst, malformed(fmt.Sprintf("payload truncated, %d bytes missing", remaining), pos)
	}
	return dst, nil
}
