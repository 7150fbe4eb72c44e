package v4l2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testH264Unit     = 12
	testLogitechUnit = 9
	testKiyoUnit     = 4
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.FatalLevel)
	os.Exit(m.Run())
}

// fakeCamera answers extension unit queries like a C920 with a Logitech
// LED unit and a Kiyo Pro ISP unit.
type fakeCamera struct {
	h264     map[uint8]h264Config // Config answers by request.
	commits  []h264Config
	idr      int
	led      [logitechLEDLen]byte
	ledMax   [logitechLEDLen]byte
	ledFixed bool // LED writes are ignored.
	isp      [][]byte
}

func newFakeCamera() *fakeCamera {
	def := h264Config{
		FrameInterval: 333333, BitRate: 3000000, Width: 1920, Height: 1080,
		Profile: 0x6400, IFramePeriod: 1000, UsageType: 1, RateControlMode: 1,
		EntropyCABAC: 1, LeakyBucketSize: 1000,
	}
	lo, hi := def, def
	lo.BitRate, hi.BitRate = 100000, 20000000
	lo.Width, hi.Width = 160, 1920
	hi.StreamMuxOption = streamMuxH264Enabled
	return &fakeCamera{
		h264:   map[uint8]h264Config{uvcGetDef: def, uvcGetMin: lo, uvcGetMax: hi, uvcGetCur: def},
		led:    [logitechLEDLen]byte{0, 3, 0, 100, 0},
		ledMax: [logitechLEDLen]byte{0, 3, 0, 255, 0},
	}
}

func (f *fakeCamera) queryXU(unit, selector, query uint8, data []byte) error {
	if query == uvcGetLen {
		var n uint16
		switch {
		case unit == testH264Unit && selector == uvcxPictureTypeControl:
			n = 4
		case unit == testH264Unit:
			n = h264ConfigSize
		case unit == testLogitechUnit:
			n = logitechLEDLen
		case unit == testKiyoUnit:
			n = 8
		}
		binary.LittleEndian.PutUint16(data, n)
		return nil
	}

	switch {
	case unit == testH264Unit && selector == uvcxVideoConfigRequest:
		c, ok := f.h264[query]
		if !ok {
			break
		}
		copy(data, c.marshal())
		return nil
	case unit == testH264Unit && selector == uvcxVideoConfigCommit && query == uvcSetCur:
		var c h264Config
		if err := c.unmarshal(data); err != nil {
			return err
		}
		f.commits = append(f.commits, c)
		c.BitRate = min(c.BitRate, f.h264[uvcGetMax].BitRate)
		f.h264[uvcGetCur] = c
		return nil
	case unit == testH264Unit && selector == uvcxPictureTypeControl && query == uvcSetCur:
		if binary.LittleEndian.Uint16(data[2:]) == pictureTypeIDR {
			f.idr++
		}
		return nil
	case unit == testLogitechUnit && selector == logitechLEDControl:
		switch query {
		case uvcGetCur, uvcGetDef:
			copy(data, f.led[:])
			return nil
		case uvcGetMin:
			clear(data)
			return nil
		case uvcGetMax:
			copy(data, f.ledMax[:])
			return nil
		case uvcSetCur:
			if !f.ledFixed {
				copy(f.led[:], data)
			}
			return nil
		}
	case unit == testKiyoUnit && selector == kiyoSetISP && query == uvcSetCur:
		f.isp = append(f.isp, bytes.Clone(data))
		return nil
	}
	return errors.New("broken pipe")
}

func testUnits(f *fakeCamera, usbID string) *extensionUnits {
	return newExtensionUnits(f, ExtensionUnits{
		H264:     testH264Unit,
		Logitech: testLogitechUnit,
		KiyoPro:  testKiyoUnit,
		USBID:    usbID,
	}, "test")
}

func controlLines(cs []ControlDescriptor) map[string]string {
	lines := make(map[string]string, len(cs))
	for _, c := range cs {
		lines[c.Name] = c.String()
	}
	return lines
}

func TestH264ConfigLayout(t *testing.T) {
	t.Parallel()

	c := h264Config{
		FrameInterval:   333333,
		BitRate:         3000000,
		Hints:           hintBitrate | hintProfile,
		Width:           1280,
		Profile:         0x4D00,
		UsageType:       1,
		StreamMuxOption: streamMuxH264Enabled,
		LeakyBucketSize: 0x1234,
	}
	b := c.marshal()
	require.Len(t, b, h264ConfigSize)
	require.Equal(t, uint32(333333), binary.LittleEndian.Uint32(b[0:]))
	require.Equal(t, uint32(3000000), binary.LittleEndian.Uint32(b[4:]))
	require.Equal(t, uint16(0x2002), binary.LittleEndian.Uint16(b[8:]))
	require.Equal(t, uint16(1280), binary.LittleEndian.Uint16(b[12:]))
	require.Equal(t, uint16(0x4D00), binary.LittleEndian.Uint16(b[20:]))
	require.Equal(t, byte(1), b[28])
	require.Equal(t, byte(streamMuxH264Enabled), b[33])
	require.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(b[44:]))

	var back h264Config
	require.NoError(t, back.unmarshal(b))
	require.Equal(t, c, back)
	require.Error(t, back.unmarshal(b[:34]))
}

func TestH264Apply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		values    map[string]string
		commits   int
		wantHints uint16
		check     func(t *testing.T, cur h264Config)
		wantErr   string
	}{
		{
			name:      "bitrate and profile in one commit",
			values:    map[string]string{"uvcx_h264_bitrate": "2000000", "uvcx_h264_profile": "main"},
			commits:   1,
			wantHints: hintBitrate | hintProfile,
			check: func(t *testing.T, cur h264Config) {
				require.Equal(t, uint32(2000000), cur.BitRate)
				require.Equal(t, uint16(0x4D00), cur.Profile)
			},
		},
		{
			name:      "resolution",
			values:    map[string]string{"uvcx_h264_width": "1280", "uvcx_h264_height": "720"},
			commits:   1,
			wantHints: hintResolution,
			check: func(t *testing.T, cur h264Config) {
				require.Equal(t, uint16(1280), cur.Width)
				require.Equal(t, uint16(720), cur.Height)
			},
		},
		{
			name:      "camera clamps the bitrate",
			values:    map[string]string{"uvcx_h264_bitrate": "90000000"},
			commits:   1,
			wantHints: hintBitrate,
			wantErr:   "failed to set uvcx_h264_bitrate to 90000000, current value 20000000",
		},
		{
			name:    "unknown control",
			values:  map[string]string{"uvcx_h264_zoom": "2"},
			wantErr: "unknown control uvcx_h264_zoom",
		},
		{
			name:    "unknown menu entry",
			values:  map[string]string{"uvcx_h264_entropy": "huffman"},
			wantErr: `invalid value "huffman" for control uvcx_h264_entropy`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFakeCamera()
			x := testUnits(f, "")
			err := x.applyH264(tt.values)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Len(t, f.commits, tt.commits)
			if tt.commits > 0 {
				require.Equal(t, tt.wantHints, f.commits[0].Hints)
			}
			if tt.check != nil {
				tt.check(t, x.h264.cur)
			}
		})
	}
}

func TestH264Listing(t *testing.T) {
	t.Parallel()

	x := testUnits(newFakeCamera(), "")
	lines := controlLines(x.Controls())
	require.Equal(t, "\n# uvc_h264_extension_unit", lines["uvc_h264_extension_unit"])
	require.Equal(t, "uvcx_h264_bitrate: 3000000\t(default: 3000000 min: 100000 max: 20000000)", lines["uvcx_h264_bitrate"])
	require.Equal(t, `uvcx_h264_profile: High`+"\t"+`(default: High values: "Constrained" "Baseline" "Main" "High")`,
		lines["uvcx_h264_profile"])
	require.Equal(t, `uvcx_h264_stream_mux: None`+"\t"+`(default: None values: "None" "H264")`, lines["uvcx_h264_stream_mux"])
	require.Len(t, x.h264Descriptors(), len(h264Controls)+1)
}

func TestH264StreamMux(t *testing.T) {
	t.Parallel()

	f := newFakeCamera()
	x := testUnits(f, "")
	require.NoError(t, x.EnableH264Mux())
	require.Len(t, f.commits, 1)
	require.Equal(t, uint8(streamMuxH264Enabled), f.commits[0].StreamMuxOption)
	require.Equal(t, uint16(hintNone), f.commits[0].Hints)

	// Already muxing.
	require.NoError(t, x.EnableH264Mux())
	require.Len(t, f.commits, 1)

	f = newFakeCamera()
	hi := f.h264[uvcGetMax]
	hi.StreamMuxOption = streamMuxDisabled
	f.h264[uvcGetMax] = hi
	require.Error(t, testUnits(f, "").EnableH264Mux())
	require.Empty(t, f.commits)

	require.ErrorIs(t, newExtensionUnits(f, ExtensionUnits{}, "test").EnableH264Mux(), ErrNoExtensionUnit)
}

func TestRequestIDR(t *testing.T) {
	t.Parallel()

	f := newFakeCamera()
	require.NoError(t, testUnits(f, "").RequestIDR())
	require.Equal(t, 1, f.idr)

	require.ErrorIs(t, newExtensionUnits(f, ExtensionUnits{}, "test").RequestIDR(), ErrNoExtensionUnit)
}

func TestUnreadableH264UnitIsDisabled(t *testing.T) {
	t.Parallel()

	f := newFakeCamera()
	delete(f.h264, uvcGetMax)
	x := testUnits(f, "")
	require.ErrorIs(t, x.RequestIDR(), ErrNoExtensionUnit)
	require.NotContains(t, controlLines(x.Controls()), "uvcx_h264_bitrate")
}

func TestLogitechLED(t *testing.T) {
	t.Parallel()

	f := newFakeCamera()
	x := testUnits(f, "")
	lines := controlLines(x.logitechDescriptors())
	require.Equal(t, `uvcx_logitech_led1_mode: Auto`+"\t"+`(default: Auto values: "Off" "On" "Blink" "Auto")`,
		lines["uvcx_logitech_led1_mode"])
	require.Equal(t, "uvcx_logitech_led1_frequency: 100\t(default: 100 min: 0 max: 255)", lines["uvcx_logitech_led1_frequency"])

	require.NoError(t, x.Set("uvcx_logitech_led1_mode", 2))
	require.NoError(t, x.setLogitech("uvcx_logitech_led1_frequency", "20"))
	require.Equal(t, [logitechLEDLen]byte{0, 2, 0, 20, 0}, f.led)

	require.ErrorAs(t, x.setLogitech("uvcx_logitech_led1_mode", "Disco"), new(*ControlValueError))

	f.ledFixed = true
	require.ErrorContains(t, x.setLogitech("uvcx_logitech_led1_mode", "off"),
		"failed to set uvcx_logitech_led1_mode to Off, current value Blink")
}

func TestKiyoProISP(t *testing.T) {
	t.Parallel()

	f := newFakeCamera()
	other := testUnits(f, "046d:082d")
	require.NotContains(t, controlLines(other.Controls()), "uvcx_kiyo_pro_fov")
	require.ErrorIs(t, other.setKiyoPro("uvcx_kiyo_pro_fov", "Wide"), ErrNoExtensionUnit)

	x := testUnits(f, kiyoProUSBID)
	require.Equal(t, `uvcx_kiyo_pro_fov: unset (camera setting)`+"\t"+`(values: "Wide" "Medium" "Narrow")`,
		controlLines(x.Controls())["uvcx_kiyo_pro_fov"])

	require.NoError(t, x.setKiyoPro("uvcx_kiyo_pro_fov", "medium"))
	require.NoError(t, x.setKiyoPro("uvcx_kiyo_pro_hdr", "On"))
	require.Equal(t, [][]byte{
		{0xff, 0x01, 0x00, 0x03, 0x01, 0, 0, 0},
		{0xff, 0x01, 0x01, 0x03, 0x01, 0, 0, 0},
		{0xff, 0x02, 0x01, 0, 0, 0, 0, 0},
	}, f.isp)
	require.Equal(t, `uvcx_kiyo_pro_fov: Medium`+"\t"+`(values: "Wide" "Medium" "Narrow")`,
		controlLines(x.Controls())["uvcx_kiyo_pro_fov"])
}

func TestApplyRoutesByPrefix(t *testing.T) {
	t.Parallel()

	f := newFakeCamera()
	x := testUnits(f, kiyoProUSBID)
	x.Apply(map[string]string{
		"uvcx_h264_bitrate":        "1500000",
		"uvcx_h264_i_frame_period": "2000",
		"uvcx_logitech_led1_mode":  "Off",
		"uvcx_kiyo_pro_grayscale":  "On",
		"uvcx_razer_chroma":        "1",
		"brightness":               "128",
	})
	require.Len(t, f.commits, 1)
	require.Equal(t, uint32(1500000), x.h264.cur.BitRate)
	require.Equal(t, uint16(2000), x.h264.cur.IFramePeriod)
	require.Equal(t, byte(0), f.led[1])
	require.Equal(t, [][]byte{{0xff, 0x03, 0x01, 0, 0, 0, 0, 0}}, f.isp)
}
