package mp4io

import (
	"fmt"

	"github.com/nareix/joy4/utils/bits/pio"
)

// ParseError reports malformed box framing.
type ParseError struct {
	Debug  string
	Offset int
}

func (p *ParseError) Error() string {
	return fmt.Sprintf("mp4io: parse error: %s:%d", p.Debug, p.Offset)
}

// Box is one framed box read back from a byte slice.
type Box struct {
	Type    Tag
	Size    int    // Declared size, header included.
	Offset  int    // Position of the header in the parsed slice.
	Payload []byte // Size-8 bytes following the header.
}

// ReadBox parses the box starting at b[0]. offset is only used for reporting.
func ReadBox(b []byte, offset int) (box Box, err error) {
	if len(b) < HeaderSize {
		return box, &ParseError{Debug: "header", Offset: offset}
	}
	size := int(pio.U32BE(b))
	if size < HeaderSize {
		return box, &ParseError{Debug: "size", Offset: offset}
	}
	if size > len(b) {
		return box, &ParseError{Debug: "truncated " + Tag(pio.U32BE(b[4:])).String(), Offset: offset}
	}
	box = Box{
		Type:    Tag(pio.U32BE(b[4:])),
		Size:    size,
		Offset:  offset,
		Payload: b[HeaderSize:size],
	}
	return box, nil
}

// ReadBoxes splits b into consecutive sibling boxes.
func ReadBoxes(b []byte) (boxes []Box, err error) {
	offset := 0
	for offset < len(b) {
		var box Box
		if box, err = ReadBox(b[offset:], offset); err != nil {
			return boxes, err
		}
		boxes = append(boxes, box)
		offset += box.Size
	}
	return boxes, nil
}

// Children parses the payload of a container box.
func (box Box) Children() ([]Box, error) {
	children, err := ReadBoxes(box.Payload)
	for i := range children {
		children[i].Offset += box.Offset + HeaderSize
	}
	return children, err
}

// FullBoxFlags returns the version and flags of a full box payload.
func (box Box) FullBoxFlags() (version uint8, flags uint32, err error) {
	if len(box.Payload) < 4 { //nolint:mnd
		return 0, 0, &ParseError{Debug: "fullbox " + box.Type.String(), Offset: box.Offset}
	}
	return box.Payload[0], pio.U24BE(box.Payload[1:]), nil
}
