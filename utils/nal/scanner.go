package nal

import "bytes"

// Scanner turns device output into NAL units. A Scanner is not safe for
// concurrent use; the units it returns stay valid until the next call.
type Scanner struct {
	units   [][]byte
	pending []byte // Carried bytes, always starting with a start code once synced.
	spare   []byte // Previous pending buffer, still referenced by units.
	mjpeg   []byte
	synced  bool
}

// Scan splits one complete buffer. The result replaces the previous list.
func (s *Scanner) Scan(b []byte) [][]byte {
	s.units = appendAnnexB(s.units[:0], b)
	return s.units
}

// ScanMJPEG extracts the H.264 payload embedded in a JPEG frame and scans it.
func (s *Scanner) ScanMJPEG(b []byte) ([][]byte, error) {
	payload, err := AppendMJPEGPayload(s.mjpeg[:0], b)
	if err != nil {
		s.units = s.units[:0]
		return nil, err
	}
	s.mjpeg = payload
	return s.Scan(payload), nil
}

// Write consumes the next chunk of a byte stream with arbitrary boundaries and
// returns the units completed by it. The unit after the last start code is
// carried over and prepended to the next chunk.
func (s *Scanner) Write(b []byte) [][]byte {
	s.units = s.units[:0]
	s.pending = append(s.pending, b...)

	if !s.synced {
		i := bytes.Index(s.pending, StartCode)
		if i < 0 {
			// Keep a possible partial start code at the end.
			if keep := len(StartCode) - 1; len(s.pending) > keep {
				s.pending = append(s.pending[:0], s.pending[len(s.pending)-keep:]...)
			}
			return nil
		}
		s.pending = append(s.pending[:0], s.pending[i:]...)
		s.synced = true
	}

	last := bytes.LastIndex(s.pending, StartCode)
	if last <= 0 {
		return nil
	}

	s.units = appendAnnexB(s.units, s.pending[:last])

	// The emitted units point into the current buffer, so the carried tail
	// moves to the spare one.
	tail := append(s.spare[:0], s.pending[last:]...)
	s.spare, s.pending = s.pending, tail
	return s.units
}

// Flush returns the carried unit, if any, and clears the carry.
func (s *Scanner) Flush() [][]byte {
	s.units = s.units[:0]
	if s.synced {
		s.units = appendAnnexB(s.units, s.pending)
	}
	s.spare, s.pending = s.pending, s.spare[:0]
	s.synced = false
	return s.units
}

// Pending returns the number of carried bytes.
func (s *Scanner) Pending() int {
	return len(s.pending)
}

// Reset drops the carry and the last result.
func (s *Scanner) Reset() {
	s.units = s.units[:0]
	s.pending = s.pending[:0]
	s.synced = false
}
