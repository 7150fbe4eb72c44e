// Package nal splits H.264 Annex-B byte streams into NAL units, either from
// complete device buffers, from arbitrarily chunked streams or from MJPEG
// frames carrying the stream in APP4 segments.
package nal

import (
	"bytes"
)

// LengthSize is the size of the length prefix written in front of every unit
// in AVC sample format.
const LengthSize = 4

// Unit type values the scanner classifies.
const (
	typeSPS  = 7
	typePPS  = 8
	typeMask = 0x1f
)

// StartCode is the 4-byte Annex-B delimiter.
var StartCode = []byte{0, 0, 0, 1}

// Type returns nal_unit_type of a unit, 0 for an empty slice.
func Type(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & typeMask
}

// SplitAnnexB splits b on 4-byte start codes. The returned units are sub-slices
// of b; empty units and bytes before the first start code are dropped.
func SplitAnnexB(b []byte) [][]byte {
	return appendAnnexB(nil, b)
}

func appendAnnexB(dst [][]byte, b []byte) [][]byte {
	i := bytes.Index(b, StartCode)
	if i < 0 {
		return dst
	}
	b = b[i+len(StartCode):]
	for {
		j := bytes.Index(b, StartCode)
		if j < 0 {
			if len(b) > 0 {
				dst = append(dst, b)
			}
			return dst
		}
		if j > 0 {
			dst = append(dst, b[:j])
		}
		b = b[j+len(StartCode):]
	}
}

// ParameterSets returns the first SPS and the first PPS found in units.
func ParameterSets(units [][]byte) (sps, pps []byte) {
	for _, u := range units {
		switch Type(u) {
		case typeSPS:
			if sps == nil {
				sps = u
			}
		case typePPS:
			if pps == nil {
				pps = u
			}
		}
	}
	return
}
