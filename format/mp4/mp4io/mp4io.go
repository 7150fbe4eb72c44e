// Package mp4io writes and frames ISO BMFF boxes. Every atom reports its full
// encoded size through Len before Marshal writes it into a buffer of exactly
// that size, so box sizes are always known before any byte is emitted.
package mp4io

import (
	"io"

	"github.com/nareix/joy4/utils/bits/pio"
)

// Sample flag values used by trex, tfhd and trun.
const (
	SampleIsNonSync       uint32 = 0x00010000
	SampleHasDependencies uint32 = 0x01000000
	SampleNoDependencies  uint32 = 0x02000000

	SampleNonKeyframe = SampleHasDependencies | SampleIsNonSync
	SampleKeyframe    = SampleNoDependencies

	// HeaderSize is the size of the size+type prefix of a box.
	HeaderSize = 8
	// FullHeaderSize adds the version and flags of a full box.
	FullHeaderSize = HeaderSize + 4
)

// Tag is a four character box type.
type Tag uint32

func (t Tag) String() string {
	var b [4]byte
	pio.PutU32BE(b[:], uint32(t))
	for i := range b {
		if b[i] == 0 {
			b[i] = ' '
		}
	}
	return string(b[:])
}

// StringToTag packs the first four bytes of tag into a Tag.
func StringToTag(tag string) Tag {
	var b [4]byte
	copy(b[:], tag)
	return Tag(pio.U32BE(b[:]))
}

// Atom is a box that can be serialized in two passes.
type Atom interface {
	Tag() Tag
	Len() int           // Full encoded size including the 8-byte header.
	Marshal([]byte) int // Writes exactly Len() bytes and returns that count.
	Children() []Atom
}

// MarshalBox writes the payload produced by body behind an 8-byte header and
// back-patches the size once the payload length is known.
func MarshalBox(b []byte, tag Tag, body func([]byte) int) (n int) {
	pio.PutU32BE(b[4:], uint32(tag))
	n = body(b[HeaderSize:]) + HeaderSize
	pio.PutU32BE(b[0:], uint32(n)) //nolint:gosec // header boxes stay far below 4 GiB
	return
}

// MarshalFullBox is MarshalBox for boxes carrying a version and 24-bit flags.
func MarshalFullBox(b []byte, tag Tag, version uint8, flags uint32, body func([]byte) int) int {
	return MarshalBox(b, tag, func(b []byte) int {
		pio.PutU8(b[0:], version)
		pio.PutU24BE(b[1:], flags)
		if body == nil {
			return 4 //nolint:mnd
		}
		return body(b[4:]) + 4 //nolint:mnd
	})
}

// Marshal materializes atoms into one freshly allocated buffer.
func Marshal(atoms ...Atom) []byte {
	n := 0
	for _, a := range atoms {
		n += a.Len()
	}
	b := make([]byte, n)
	off := 0
	for _, a := range atoms {
		off += a.Marshal(b[off:])
	}
	return b
}

// WriteAtoms serializes atoms and writes them to w with a single Write call.
// Errors from w are returned unchanged.
func WriteAtoms(w io.Writer, atoms ...Atom) error {
	_, err := w.Write(Marshal(atoms...))
	return err
}

// Raw is a box with an opaque payload.
type Raw struct {
	Type Tag
	Data []byte
}

func (r *Raw) Tag() Tag {
	return r.Type
}

func (r *Raw) Len() int {
	return HeaderSize + len(r.Data)
}

func (r *Raw) Marshal(b []byte) int {
	return MarshalBox(b, r.Type, func(b []byte) int {
		return copy(b, r.Data)
	})
}

func (*Raw) Children() []Atom {
	return nil
}

// Container is a box whose payload is nothing but child boxes.
type Container struct {
	Type  Tag
	Atoms []Atom
}

// NewContainer creates a container box, skipping nil children.
func NewContainer(tag Tag, atoms ...Atom) *Container {
	c := &Container{Type: tag}
	for _, a := range atoms {
		if a != nil {
			c.Atoms = append(c.Atoms, a)
		}
	}
	return c
}

func (c *Container) Tag() Tag {
	return c.Type
}

func (c *Container) Len() (n int) {
	n = HeaderSize
	for _, a := range c.Atoms {
		n += a.Len()
	}
	return
}

func (c *Container) Marshal(b []byte) int {
	return MarshalBox(b, c.Type, func(b []byte) (n int) {
		for _, a := range c.Atoms {
			n += a.Marshal(b[n:])
		}
		return
	})
}

func (c *Container) Children() []Atom {
	return c.Atoms
}

// Container box types.
var (
	MOOV = StringToTag("moov")
	TRAK = StringToTag("trak")
	MDIA = StringToTag("mdia")
	MINF = StringToTag("minf")
	DINF = StringToTag("dinf")
	STBL = StringToTag("stbl")
	MVEX = StringToTag("mvex")
	MOOF = StringToTag("moof")
	TRAF = StringToTag("traf")
)

// Find returns the first atom with the given tag in a depth-first walk.
func Find(root Atom, tag Tag) Atom {
	if root == nil {
		return nil
	}
	if root.Tag() == tag {
		return root
	}
	for _, child := range root.Children() {
		if found := Find(child, tag); found != nil {
			return found
		}
	}
	return nil
}
