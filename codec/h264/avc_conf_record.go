package h264

import "github.com/nareix/joy4/utils/bits/pio"

// AVCDecoderConfRecord is the avcC payload (ISO/IEC 14496-15 5.2.4.1). The
// streamer always writes exactly one SPS and one PPS and no profile specific
// trailer, which every browser accepts.
type AVCDecoderConfRecord struct {
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	LengthSizeMinusOne   uint8
	SPS                  [][]byte
	PPS                  [][]byte
}

// Len is the encoded size.
func (rec *AVCDecoderConfRecord) Len() int {
	n := minAVCRecordSize
	for _, set := range [][][]byte{rec.SPS, rec.PPS} {
		for _, unit := range set {
			n += lengthFieldSize + len(unit)
		}
	}
	return n
}

// Append encodes the record at the end of dst.
func (rec *AVCDecoderConfRecord) Append(dst []byte) []byte {
	dst = append(dst,
		1, // configurationVersion
		rec.AVCProfileIndication,
		rec.ProfileCompatibility,
		rec.AVCLevelIndication,
		rec.LengthSizeMinusOne|maskLengthSizeMinusOneInv,
		uint8(len(rec.SPS))|maskSPSCountInv, //nolint:gosec
	)
	dst = appendUnits(dst, rec.SPS)
	dst = append(dst, uint8(len(rec.PPS))) //nolint:gosec
	return appendUnits(dst, rec.PPS)
}

func appendUnits(dst []byte, units [][]byte) []byte {
	var size [lengthFieldSize]byte
	for _, u := range units {
		pio.PutU16BE(size[:], uint16(len(u))) //nolint:gosec
		dst = append(append(dst, size[:]...), u...)
	}
	return dst
}

// Unmarshal decodes b into rec. The parameter sets alias b. It returns the
// number of bytes consumed.
func (rec *AVCDecoderConfRecord) Unmarshal(b []byte) (int, error) {
	if len(b) < minAVCRecordSize {
		return 0, ErrDecconfInvalid
	}
	rec.AVCProfileIndication = b[1]
	rec.ProfileCompatibility = b[2]
	rec.AVCLevelIndication = b[3]
	rec.LengthSizeMinusOne = b[4] & maskLengthSizeMinusOne

	var (
		n   = 6
		err error
	)
	if rec.SPS, n, err = readUnits(b, n, int(b[5]&maskSPSCount)); err != nil {
		return n, err
	}
	if n >= len(b) {
		return n, ErrDecconfInvalid
	}
	count := int(b[n])
	rec.PPS, n, err = readUnits(b, n+1, count)
	return n, err
}

func readUnits(b []byte, n, count int) ([][]byte, int, error) {
	units := make([][]byte, 0, count)
	for range count {
		if len(b) < n+lengthFieldSize {
			return nil, n, ErrDecconfInvalid
		}
		size := int(pio.U16BE(b[n:]))
		n += lengthFieldSize
		if len(b) < n+size {
			return nil, n, ErrDecconfInvalid
		}
		units = append(units, b[n:n+size])
		n += size
	}
	return units, n, nil
}
