// Package h264 holds the H.264 codec parameters, NAL unit types and the
// AVC decoder configuration record used by the MP4 header.
package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ugparu/fmp4streamer/utils/nal"
)

var (
	ErrDecconfInvalid = errors.New("h264parser: AVCDecoderConfRecord invalid")
	ErrSPSTooShort    = errors.New("h264parser: SPS too short")
	ErrNoSPS          = errors.New("h264parser: no SPS found")
	ErrNoPPS          = errors.New("h264parser: no PPS found")
)

// CodecParameters is the immutable codec configuration of the captured stream.
type CodecParameters struct {
	Record     []byte
	RecordInfo AVCDecoderConfRecord
	SPSInfo    SPSInfo
}

// NewCodecDataFromSPSAndPPS builds the parameters from raw SPS and PPS units.
// Both units are copied so the caller may recycle the memory they live in.
func NewCodecDataFromSPSAndPPS(sps, pps []byte) (codecPar CodecParameters, err error) {
	if len(sps) == 0 {
		return codecPar, ErrNoSPS
	}
	if len(pps) == 0 {
		return codecPar, ErrNoPPS
	}
	if len(sps) < minSPSSize {
		return codecPar, ErrSPSTooShort
	}

	recordinfo := AVCDecoderConfRecord{
		AVCProfileIndication: sps[spsProfileOffset],
		ProfileCompatibility: 0,
		AVCLevelIndication:   sps[spsLevelOffset],
		LengthSizeMinusOne:   nal.LengthSize - 1,
		SPS:                  [][]byte{bytes.Clone(sps)},
		PPS:                  [][]byte{bytes.Clone(pps)},
	}

	codecPar.RecordInfo = recordinfo
	codecPar.Record = recordinfo.Append(make([]byte, 0, recordinfo.Len()))

	if codecPar.SPSInfo, err = parseSPS(sps); err != nil {
		return
	}
	return
}

// newCodecDataFromRecord parses an avcC payload.
func newCodecDataFromRecord(record []byte) (codecPar CodecParameters, err error) {
	codecPar.Record = bytes.Clone(record)
	if _, err = (&codecPar.RecordInfo).Unmarshal(codecPar.Record); err != nil {
		return
	}
	if len(codecPar.RecordInfo.SPS) == 0 {
		err = ErrNoSPS
		return
	}
	if len(codecPar.RecordInfo.PPS) == 0 {
		err = ErrNoPPS
		return
	}
	if codecPar.SPSInfo, err = parseSPS(codecPar.RecordInfo.SPS[0]); err != nil {
		return
	}
	return
}

func (par *CodecParameters) AVCDecoderConfRecordBytes() []byte {
	return par.Record
}

func (par *CodecParameters) SPS() []byte {
	return par.RecordInfo.SPS[0]
}

func (par *CodecParameters) PPS() []byte {
	return par.RecordInfo.PPS[0]
}

func (par *CodecParameters) Width() uint {
	return par.SPSInfo.Width
}

func (par *CodecParameters) Height() uint {
	return par.SPSInfo.Height
}

func (par *CodecParameters) FPS() uint {
	return par.SPSInfo.FPS
}

// Tag returns the RFC 6381 codec string advertised to browsers.
func (par *CodecParameters) Tag() string {
	return fmt.Sprintf("avc1.%02X%02X%02X",
		par.RecordInfo.AVCProfileIndication, par.RecordInfo.ProfileCompatibility, par.RecordInfo.AVCLevelIndication)
}

func (par *CodecParameters) String() string {
	if par == nil {
		return "EMPTY_CODEC_PARAMETERS"
	}
	return fmt.Sprintf("CODEC_PARAMETERS codec=%s size=%dx%d", par.Tag(), par.Width(), par.Height())
}
