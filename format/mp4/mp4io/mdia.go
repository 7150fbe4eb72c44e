package mp4io

import "github.com/nareix/joy4/utils/bits/pio"

var (
	MDHD = StringToTag("mdhd")
	HDLR = StringToTag("hdlr")
	VMHD = StringToTag("vmhd")
	DREF = StringToTag("dref")
	URL  = StringToTag("url ")
)

const (
	mdhdSize = 32
	vmhdSize = 20

	// LanguageUndetermined is "und" packed as three 5-bit characters.
	LanguageUndetermined = 0x55c4

	URLSelfContained = 0x01
)

// MediaHeader is a version 0 mdhd.
type MediaHeader struct {
	TimeScale uint32
	Duration  uint32
	Language  uint16
}

func (*MediaHeader) Tag() Tag {
	return MDHD
}

func (*MediaHeader) Len() int {
	return mdhdSize
}

func (mdhd *MediaHeader) Marshal(b []byte) int {
	return MarshalFullBox(b, MDHD, 0, 0, func(b []byte) (n int) {
		n += 8 // creation and modification time
		pio.PutU32BE(b[n:], mdhd.TimeScale)
		n += 4
		pio.PutU32BE(b[n:], mdhd.Duration)
		n += 4
		pio.PutU16BE(b[n:], mdhd.Language)
		n += 2
		n += 2 // pre_defined
		return
	})
}

func (*MediaHeader) Children() []Atom {
	return nil
}

// HandlerRefer is the hdlr box naming the track's media handler.
type HandlerRefer struct {
	Type Tag
	Name string
}

func (*HandlerRefer) Tag() Tag {
	return HDLR
}

func (hdlr *HandlerRefer) Len() int {
	return FullHeaderSize + 4 + 4 + 12 + len(hdlr.Name) + 1 //nolint:mnd
}

func (hdlr *HandlerRefer) Marshal(b []byte) int {
	return MarshalFullBox(b, HDLR, 0, 0, func(b []byte) (n int) {
		n += 4 // pre_defined
		pio.PutU32BE(b[n:], uint32(hdlr.Type))
		n += 4
		n += 12 // reserved
		n += copy(b[n:], hdlr.Name)
		b[n] = 0
		n++
		return
	})
}

func (*HandlerRefer) Children() []Atom {
	return nil
}

// VideoMediaInfo is the vmhd box; flags are always 1.
type VideoMediaInfo struct {
	GraphicsMode uint16
	Opcolor      [3]uint16
}

func (*VideoMediaInfo) Tag() Tag {
	return VMHD
}

func (*VideoMediaInfo) Len() int {
	return vmhdSize
}

func (vmhd *VideoMediaInfo) Marshal(b []byte) int {
	return MarshalFullBox(b, VMHD, 0, 1, func(b []byte) (n int) {
		pio.PutU16BE(b[n:], vmhd.GraphicsMode)
		n += 2
		for _, c := range vmhd.Opcolor {
			pio.PutU16BE(b[n:], c)
			n += 2
		}
		return
	})
}

func (*VideoMediaInfo) Children() []Atom {
	return nil
}

// DataRefer is a dref holding a single self-contained url entry.
type DataRefer struct{}

func (*DataRefer) Tag() Tag {
	return DREF
}

func (*DataRefer) Len() int {
	return FullHeaderSize + 4 + FullHeaderSize //nolint:mnd
}

func (*DataRefer) Marshal(b []byte) int {
	return MarshalFullBox(b, DREF, 0, 0, func(b []byte) (n int) {
		pio.PutU32BE(b[n:], 1)
		n += 4
		n += MarshalFullBox(b[n:], URL, 0, URLSelfContained, nil)
		return
	})
}

func (*DataRefer) Children() []Atom {
	return nil
}
