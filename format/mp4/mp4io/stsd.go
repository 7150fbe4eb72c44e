package mp4io

import "github.com/nareix/joy4/utils/bits/pio"

var (
	STSD = StringToTag("stsd")
	AVC1 = StringToTag("avc1")
	AVCC = StringToTag("avcC")
	STSZ = StringToTag("stsz")
	STSC = StringToTag("stsc")
	STTS = StringToTag("stts")
	STCO = StringToTag("stco")
)

const (
	avc1FixedSize    = 86
	resolution72DPI  = 0x00480000
	depthColor       = 0x0018
	compressorLength = 32
)

// SampleDesc is an stsd with exactly one avc1 entry.
type SampleDesc struct {
	AVC1 *AVC1Desc
}

func (*SampleDesc) Tag() Tag {
	return STSD
}

func (stsd *SampleDesc) Len() int {
	return FullHeaderSize + 4 + stsd.AVC1.Len() //nolint:mnd
}

func (stsd *SampleDesc) Marshal(b []byte) int {
	return MarshalFullBox(b, STSD, 0, 0, func(b []byte) (n int) {
		pio.PutU32BE(b[n:], 1)
		n += 4
		n += stsd.AVC1.Marshal(b[n:])
		return
	})
}

func (stsd *SampleDesc) Children() []Atom {
	return []Atom{stsd.AVC1}
}

// AVC1Desc is the avc1 visual sample entry.
type AVC1Desc struct {
	DataRefIdx     uint16
	Width          uint16
	Height         uint16
	FrameCount     uint16
	CompressorName string
	Conf           *AVCConf
}

func NewAVC1Desc(width, height uint16, record []byte) *AVC1Desc {
	return &AVC1Desc{
		DataRefIdx: 1,
		Width:      width,
		Height:     height,
		FrameCount: 1,
		Conf:       &AVCConf{Data: record},
	}
}

func (*AVC1Desc) Tag() Tag {
	return AVC1
}

func (avc1 *AVC1Desc) Len() int {
	return avc1FixedSize + avc1.Conf.Len()
}

func (avc1 *AVC1Desc) Marshal(b []byte) int {
	return MarshalBox(b, AVC1, func(b []byte) (n int) {
		n += 6 // reserved
		pio.PutU16BE(b[n:], avc1.DataRefIdx)
		n += 2
		n += 16 // pre_defined and reserved
		pio.PutU16BE(b[n:], avc1.Width)
		n += 2
		pio.PutU16BE(b[n:], avc1.Height)
		n += 2
		pio.PutU32BE(b[n:], resolution72DPI)
		n += 4
		pio.PutU32BE(b[n:], resolution72DPI)
		n += 4
		n += 4 // reserved
		pio.PutU16BE(b[n:], avc1.FrameCount)
		n += 2
		name := avc1.CompressorName
		if len(name) > compressorLength-1 {
			name = name[:compressorLength-1]
		}
		b[n] = byte(len(name))
		copy(b[n+1:], name)
		n += compressorLength
		pio.PutU16BE(b[n:], depthColor)
		n += 2
		pio.PutU16BE(b[n:], 0xffff) // pre_defined -1
		n += 2
		n += avc1.Conf.Marshal(b[n:])
		return
	})
}

func (avc1 *AVC1Desc) Children() []Atom {
	return []Atom{avc1.Conf}
}

// AVCConf is the avcC box; Data is a complete AVCDecoderConfigurationRecord.
type AVCConf struct {
	Data []byte
}

func (*AVCConf) Tag() Tag {
	return AVCC
}

func (avcc *AVCConf) Len() int {
	return HeaderSize + len(avcc.Data)
}

func (avcc *AVCConf) Marshal(b []byte) int {
	return MarshalBox(b, AVCC, func(b []byte) int {
		return copy(b, avcc.Data)
	})
}

func (*AVCConf) Children() []Atom {
	return nil
}

// EmptySampleTables returns the stsz, stsc, stts and stco boxes of a
// fragmented file: all entry counts are zero, samples live in moof/mdat.
func EmptySampleTables() []Atom {
	const entryCount = 4
	const sampleSize = 4
	return []Atom{
		&Raw{Type: STSZ, Data: make([]byte, 4+sampleSize+entryCount)},
		&Raw{Type: STSC, Data: make([]byte, 4+entryCount)},
		&Raw{Type: STTS, Data: make([]byte, 4+entryCount)},
		&Raw{Type: STCO, Data: make([]byte, 4+entryCount)},
	}
}
