package v4l2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ugparu/fmp4streamer/utils/logger"
)

// UVC H.264 payload 1.0 extension unit selectors.
const (
	uvcxVideoConfigRequest = 0x01
	uvcxVideoConfigCommit  = 0x02
	uvcxPictureTypeControl = 0x09

	pictureTypeIDR = 0x0001
)

// bmHints bits telling the camera which configuration fields to honor.
const (
	hintNone          = 0x0000
	hintResolution    = 0x0001
	hintProfile       = 0x0002
	hintRateControl   = 0x0004
	hintUsage         = 0x0008
	hintSliceMode     = 0x0010
	hintSliceUnits    = 0x0020
	hintFrameInterval = 0x0800
	hintLeakyBucket   = 0x1000
	hintBitrate       = 0x2000
	hintEntropy       = 0x4000
	hintIFramePeriod  = 0x8000
)

const (
	streamMuxDisabled    = 0x00
	streamMuxH264        = 0x02
	streamMuxH264Enabled = 0x03 // Mux enabled with an H.264 auxiliary stream.
)

const h264Prefix = "uvcx_h264_"

// h264Config is the UVC H.264 video configuration, packed little endian.
type h264Config struct {
	FrameInterval           uint32 // 100 ns units.
	BitRate                 uint32
	Hints                   uint16
	ConfigurationIndex      uint16
	Width                   uint16
	Height                  uint16
	SliceUnits              uint16
	SliceMode               uint16
	Profile                 uint16
	IFramePeriod            uint16 // Milliseconds.
	EstimatedVideoDelay     uint16
	EstimatedMaxConfigDelay uint16
	UsageType               uint8
	RateControlMode         uint8
	TemporalScaleMode       uint8
	SpatialScaleMode        uint8
	SNRScaleMode            uint8
	StreamMuxOption         uint8
	StreamFormat            uint8
	EntropyCABAC            uint8
	Timestamp               uint8
	NumOfReorderFrames      uint8
	PreviewFlipped          uint8
	View                    uint8
	Reserved1               uint8
	Reserved2               uint8
	StreamID                uint8
	SpatialLayerRatio       uint8
	LeakyBucketSize         uint16
}

const h264ConfigSize = 46

func (c *h264Config) marshal() []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, c)
	return b.Bytes()
}

func (c *h264Config) unmarshal(b []byte) error {
	if len(b) < h264ConfigSize {
		return fmt.Errorf("h264 config of %d bytes", len(b))
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, c)
}

type h264State struct {
	min, max, def, cur h264Config
}

// h264Control maps a configuration key to one field of the config.
type h264Control struct {
	name  string
	hint  uint16
	field func(*h264Config) any // *uint8, *uint16 or *uint32.
	menu  []MenuItem
}

func (ctl h264Control) get(c *h264Config) int64 {
	switch v := ctl.field(c).(type) {
	case *uint8:
		return int64(*v)
	case *uint16:
		return int64(*v)
	case *uint32:
		return int64(*v)
	}
	return 0
}

func (ctl h264Control) set(c *h264Config, value int64) {
	switch v := ctl.field(c).(type) {
	case *uint8:
		*v = uint8(value) //nolint:gosec
	case *uint16:
		*v = uint16(value) //nolint:gosec
	case *uint32:
		*v = uint32(value) //nolint:gosec
	}
}

var h264Controls = []h264Control{
	{"uvcx_h264_stream_mux", hintNone, func(c *h264Config) any { return &c.StreamMuxOption },
		[]MenuItem{{Index: streamMuxDisabled, Name: "None"}, {Index: streamMuxH264Enabled, Name: "H264"}}},
	{"uvcx_h264_width", hintResolution, func(c *h264Config) any { return &c.Width }, nil},
	{"uvcx_h264_height", hintResolution, func(c *h264Config) any { return &c.Height }, nil},
	{"uvcx_h264_frame_interval", hintFrameInterval, func(c *h264Config) any { return &c.FrameInterval }, nil},
	{"uvcx_h264_bitrate", hintBitrate, func(c *h264Config) any { return &c.BitRate }, nil},
	{"uvcx_h264_rate_control_mode", hintRateControl, func(c *h264Config) any { return &c.RateControlMode },
		[]MenuItem{{Index: 1, Name: "CBR"}, {Index: 2, Name: "VBR"}, {Index: 3, Name: "Const QP"}}},
	{"uvcx_h264_profile", hintProfile, func(c *h264Config) any { return &c.Profile },
		[]MenuItem{
			{Index: 0x4240, Name: "Constrained"},
			{Index: 0x4200, Name: "Baseline"},
			{Index: 0x4D00, Name: "Main"},
			{Index: 0x6400, Name: "High"},
		}},
	{"uvcx_h264_i_frame_period", hintIFramePeriod, func(c *h264Config) any { return &c.IFramePeriod }, nil},
	{"uvcx_h264_slice_mode", hintSliceMode, func(c *h264Config) any { return &c.SliceMode },
		[]MenuItem{
			{Index: 0, Name: "Off"},
			{Index: 1, Name: "BitsPerSlice"},
			{Index: 2, Name: "MBsPerSlice"},
			{Index: 3, Name: "SlicesPerFrame"},
		}},
	{"uvcx_h264_slice_units", hintSliceUnits, func(c *h264Config) any { return &c.SliceUnits }, nil},
	{"uvcx_h264_entropy", hintEntropy, func(c *h264Config) any { return &c.EntropyCABAC },
		[]MenuItem{{Index: 0, Name: "CAVLC"}, {Index: 1, Name: "CABAC"}}},
	{"uvcx_h264_usage", hintUsage, func(c *h264Config) any { return &c.UsageType },
		[]MenuItem{{Index: 1, Name: "Realtime"}, {Index: 2, Name: "Broadcast"}, {Index: 3, Name: "Storage"}}},
	{"uvcx_h264_leaky_bucket_size", hintLeakyBucket, func(c *h264Config) any { return &c.LeakyBucketSize }, nil},
}

func findH264Control(name string) (h264Control, bool) {
	for _, ctl := range h264Controls {
		if ctl.name == name {
			return ctl, true
		}
	}
	return h264Control{}, false
}

func (x *extensionUnits) readH264(req uint8, c *h264Config) error {
	b := make([]byte, h264ConfigSize)
	if err := x.query(x.ids.H264, uvcxVideoConfigRequest, req, b); err != nil {
		return err
	}
	return c.unmarshal(b)
}

func (x *extensionUnits) loadH264() error {
	for _, q := range []struct {
		req uint8
		c   *h264Config
	}{
		{uvcGetDef, &x.h264.def},
		{uvcGetMin, &x.h264.min},
		{uvcGetMax, &x.h264.max},
		{uvcGetCur, &x.h264.cur},
	} {
		if err := x.readH264(q.req, q.c); err != nil {
			return err
		}
	}
	return nil
}

func (x *extensionUnits) commitH264(c h264Config) error {
	return x.query(x.ids.H264, uvcxVideoConfigCommit, uvcSetCur, c.marshal())
}

func (x *extensionUnits) h264Descriptors() []ControlDescriptor {
	out := []ControlDescriptor{{ID: xuIDH264, Name: "uvc_h264_extension_unit", Type: ControlClass}}
	for i, ctl := range h264Controls {
		d := ControlDescriptor{
			ID:      xuIDH264 + uint32(i) + 1, //nolint:gosec
			Name:    ctl.name,
			Type:    ControlInteger,
			Min:     int32(ctl.get(&x.h264.min)), //nolint:gosec
			Max:     int32(ctl.get(&x.h264.max)), //nolint:gosec
			Step:    1,
			Default: int32(ctl.get(&x.h264.def)), //nolint:gosec
			Value:   int32(ctl.get(&x.h264.cur)), //nolint:gosec
			Menu:    ctl.menu,
		}
		if ctl.menu != nil {
			d.Type = ControlMenu
		}
		out = append(out, d)
	}
	return out
}

// applyH264 sets the configured uvcx_h264_ controls with one commit and reads
// the configuration back. Controls the camera adjusted are reported.
func (x *extensionUnits) applyH264(values map[string]string) error {
	if x.ids.H264 == 0 {
		return fmt.Errorf("uvcx_h264 controls: %w", ErrNoExtensionUnit)
	}

	var (
		errs []error
		set  []h264Control
	)
	want := x.h264.cur
	for name, raw := range values {
		ctl, ok := findH264Control(name)
		if !ok {
			errs = append(errs, &UnknownControlError{Control: name})
			continue
		}
		v, err := resolveMenu(name, ctl.menu, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ctl.set(&want, v)
		want.Hints |= ctl.hint
		set = append(set, ctl)
	}
	if len(set) == 0 {
		return errors.Join(errs...)
	}

	if err := x.commitH264(want); err != nil {
		return errors.Join(append(errs, fmt.Errorf("commit h264 config: %w", err))...)
	}
	var got h264Config
	if err := x.readH264(uvcGetCur, &got); err != nil {
		return errors.Join(append(errs, fmt.Errorf("read back h264 config: %w", err))...)
	}
	x.h264.cur = got

	for _, ctl := range set {
		w, g := ctl.get(&want), ctl.get(&got)
		if w != g {
			errs = append(errs, fmt.Errorf("failed to set %s to %s, current value %s",
				ctl.name, menuName(ctl.menu, w), menuName(ctl.menu, g)))
			continue
		}
		logger.Infof(x, "Set %s = %s", ctl.name, menuName(ctl.menu, g))
	}
	return errors.Join(errs...)
}

// EnableH264Mux asks the camera to embed H.264 in its MJPEG frames.
func (x *extensionUnits) EnableH264Mux() error {
	if x.ids.H264 == 0 {
		return fmt.Errorf("h264 muxing: %w", ErrNoExtensionUnit)
	}
	if x.h264.max.StreamMuxOption&streamMuxH264 == 0 {
		return errors.New("camera can't mux H.264 into MJPEG")
	}
	if x.h264.cur.StreamMuxOption == streamMuxH264Enabled {
		return nil
	}
	return x.applyH264(map[string]string{"uvcx_h264_stream_mux": "H264"})
}

// RequestIDR sets the picture type control to IDR.
func (x *extensionUnits) RequestIDR() error {
	if x.ids.H264 == 0 {
		return ErrNoExtensionUnit
	}
	payload := make([]byte, 4) //nolint:mnd
	binary.LittleEndian.PutUint16(payload[0:], 0) // wLayerID
	binary.LittleEndian.PutUint16(payload[2:], pictureTypeIDR)
	if err := x.query(x.ids.H264, uvcxPictureTypeControl, uvcSetCur, payload); err != nil {
		return fmt.Errorf("uvc picture type: %w", err)
	}
	return nil
}
