package mp4io

import "github.com/nareix/joy4/utils/bits/pio"

var FTYP = StringToTag("ftyp")

const (
	baseFtypSize        = 16
	bytesPerBrand       = 4
	defaultMinorVersion = 0x200
)

// NewFileType returns the ftyp advertised by the live stream.
func NewFileType() *FileType {
	return &FileType{
		MajorBrand:   StringToTag("isom"),
		MinorVersion: defaultMinorVersion,
		CompatibleBrands: []Tag{
			StringToTag("isom"),
			StringToTag("iso2"),
			StringToTag("iso5"),
			StringToTag("avc1"),
			StringToTag("mp41"),
		},
	}
}

type FileType struct {
	MajorBrand       Tag
	MinorVersion     uint32
	CompatibleBrands []Tag
}

func (*FileType) Tag() Tag {
	return FTYP
}

func (f *FileType) Len() int {
	return baseFtypSize + bytesPerBrand*len(f.CompatibleBrands)
}

func (f *FileType) Marshal(b []byte) int {
	return MarshalBox(b, FTYP, func(b []byte) (n int) {
		pio.PutU32BE(b[n:], uint32(f.MajorBrand))
		n += 4
		pio.PutU32BE(b[n:], f.MinorVersion)
		n += 4
		for _, brand := range f.CompatibleBrands {
			pio.PutU32BE(b[n:], uint32(brand))
			n += bytesPerBrand
		}
		return
	})
}

func (*FileType) Children() []Atom {
	return nil
}
