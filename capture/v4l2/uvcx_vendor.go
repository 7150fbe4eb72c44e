package v4l2

import (
	"fmt"

	"github.com/ugparu/fmp4streamer/utils/logger"
)

// Logitech peripheral unit, LED 1 selector with a 5 byte payload.
const (
	logitechPrefix     = "uvcx_logitech_"
	logitechLEDControl = 0x09
	logitechLEDLen     = 5
)

type logitechControl struct {
	name   string
	offset int
	menu   []MenuItem
}

var logitechControls = []logitechControl{
	{"uvcx_logitech_led1_mode", 1, []MenuItem{
		{Index: 0, Name: "Off"},
		{Index: 1, Name: "On"},
		{Index: 2, Name: "Blink"},
		{Index: 3, Name: "Auto"},
	}},
	{"uvcx_logitech_led1_frequency", 3, nil},
}

func (x *extensionUnits) logitechDescriptors() []ControlDescriptor {
	var payloads [4][logitechLEDLen]byte
	for i, req := range []uint8{uvcGetMin, uvcGetMax, uvcGetDef, uvcGetCur} {
		if err := x.query(x.ids.Logitech, logitechLEDControl, req, payloads[i][:]); err != nil {
			logger.Debugf(x, "Can't read the LED control: %v", err)
		}
	}

	out := []ControlDescriptor{{ID: xuIDLogitech, Name: "uvc_logitech_extension_unit", Type: ControlClass}}
	for i, ctl := range logitechControls {
		d := ControlDescriptor{
			ID:      xuIDLogitech + uint32(i) + 1, //nolint:gosec
			Name:    ctl.name,
			Type:    ControlInteger,
			Min:     int32(payloads[0][ctl.offset]),
			Max:     int32(payloads[1][ctl.offset]),
			Step:    1,
			Default: int32(payloads[2][ctl.offset]),
			Value:   int32(payloads[3][ctl.offset]),
			Menu:    ctl.menu,
		}
		if ctl.menu != nil {
			d.Type = ControlMenu
		}
		out = append(out, d)
	}
	return out
}

// setLogitech patches one byte of the LED payload and reads it back.
func (x *extensionUnits) setLogitech(name, raw string) error {
	if x.ids.Logitech == 0 {
		return fmt.Errorf("%s: %w", name, ErrNoExtensionUnit)
	}
	var ctl *logitechControl
	for i := range logitechControls {
		if logitechControls[i].name == name {
			ctl = &logitechControls[i]
		}
	}
	if ctl == nil {
		return &UnknownControlError{Control: name}
	}
	v, err := resolveMenu(name, ctl.menu, raw)
	if err != nil {
		return err
	}
	if v < 0 || v > 0xff {
		return &ControlValueError{Control: name, Value: raw}
	}

	var payload [logitechLEDLen]byte
	if err = x.query(x.ids.Logitech, logitechLEDControl, uvcGetCur, payload[:]); err != nil {
		return err
	}
	payload[ctl.offset] = byte(v)
	if err = x.query(x.ids.Logitech, logitechLEDControl, uvcSetCur, payload[:]); err != nil {
		return err
	}
	if err = x.query(x.ids.Logitech, logitechLEDControl, uvcGetCur, payload[:]); err != nil {
		return err
	}
	if got := int64(payload[ctl.offset]); got != v {
		return fmt.Errorf("failed to set %s to %s, current value %s",
			name, menuName(ctl.menu, v), menuName(ctl.menu, got))
	}
	return nil
}

// Razer Kiyo Pro unit EU1. Its ISP settings are 8 byte commands that can't
// be read back.
const (
	kiyoProPrefix = "uvcx_kiyo_pro_"
	kiyoProUSBID  = "1532:0e05"
	kiyoSetISP    = 0x01
)

type kiyoCommand struct {
	name   string
	before []byte // Sent ahead of payload.
	cmd    []byte
}

type kiyoControl struct {
	name     string
	commands []kiyoCommand
}

var kiyoProControls = []kiyoControl{
	{"uvcx_kiyo_pro_af_mode", []kiyoCommand{
		{"Passive", nil, []byte{0xff, 0x06, 0x01, 0, 0, 0, 0, 0}},
		{"Responsive", nil, []byte{0xff, 0x06, 0x00, 0, 0, 0, 0, 0}},
	}},
	{"uvcx_kiyo_pro_hdr", []kiyoCommand{
		{"Off", nil, []byte{0xff, 0x02, 0x00, 0, 0, 0, 0, 0}},
		{"On", nil, []byte{0xff, 0x02, 0x01, 0, 0, 0, 0, 0}},
	}},
	{"uvcx_kiyo_pro_hdr_mode", []kiyoCommand{
		{"Bright", nil, []byte{0xff, 0x07, 0x01, 0, 0, 0, 0, 0}},
		{"Dark", nil, []byte{0xff, 0x07, 0x00, 0, 0, 0, 0, 0}},
	}},
	{"uvcx_kiyo_pro_fov", []kiyoCommand{
		{"Wide", nil, []byte{0xff, 0x01, 0x00, 0x03, 0x00, 0, 0, 0}},
		{"Medium", []byte{0xff, 0x01, 0x00, 0x03, 0x01, 0, 0, 0}, []byte{0xff, 0x01, 0x01, 0x03, 0x01, 0, 0, 0}},
		{"Narrow", []byte{0xff, 0x01, 0x00, 0x03, 0x02, 0, 0, 0}, []byte{0xff, 0x01, 0x01, 0x03, 0x02, 0, 0, 0}},
	}},
	{"uvcx_kiyo_pro_grayscale", []kiyoCommand{
		{"Off", nil, []byte{0xff, 0x03, 0x00, 0, 0, 0, 0, 0}},
		{"On", nil, []byte{0xff, 0x03, 0x01, 0, 0, 0, 0, 0}},
	}},
}

func (ctl kiyoControl) menu() []MenuItem {
	items := make([]MenuItem, len(ctl.commands))
	for i, c := range ctl.commands {
		items[i] = MenuItem{Index: int32(i), Name: c.name} //nolint:gosec
	}
	return items
}

func (x *extensionUnits) kiyoProDescriptors() []ControlDescriptor {
	out := []ControlDescriptor{{ID: xuIDKiyoPro, Name: "uvc_kiyo_pro_extension_unit", Type: ControlClass}}
	for i, ctl := range kiyoProControls {
		value, ok := x.kiyo[ctl.name]
		if !ok {
			value = -1
		}
		out = append(out, ControlDescriptor{
			ID:        xuIDKiyoPro + uint32(i) + 1, //nolint:gosec
			Name:      ctl.name,
			Type:      ControlMenu,
			Max:       int32(len(ctl.commands) - 1), //nolint:gosec
			Default:   -1,
			Value:     value,
			Menu:      ctl.menu(),
			WriteOnly: true,
		})
	}
	return out
}

func (x *extensionUnits) setKiyoPro(name, raw string) error {
	if x.ids.KiyoPro == 0 {
		return fmt.Errorf("%s: %w", name, ErrNoExtensionUnit)
	}
	for _, ctl := range kiyoProControls {
		if ctl.name != name {
			continue
		}
		v, err := resolveMenu(name, ctl.menu(), raw)
		if err != nil {
			return err
		}
		c := ctl.commands[v]
		if c.before != nil {
			if err = x.query(x.ids.KiyoPro, kiyoSetISP, uvcSetCur, append([]byte(nil), c.before...)); err != nil {
				return err
			}
		}
		if err = x.query(x.ids.KiyoPro, kiyoSetISP, uvcSetCur, append([]byte(nil), c.cmd...)); err != nil {
			return err
		}
		x.kiyo[name] = int32(v) //nolint:gosec
		return nil
	}
	return &UnknownControlError{Control: name}
}
