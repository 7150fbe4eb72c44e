package v4l2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ugparu/fmp4streamer/utils/logger"
)

// UVC class specific requests (UVC 1.5 table A-8).
const (
	uvcSetCur = 0x01
	uvcGetCur = 0x81
	uvcGetMin = 0x82
	uvcGetMax = 0x83
	uvcGetLen = 0x85
	uvcGetDef = 0x87
)

// Extension unit controls get ids above every V4L2 control class, so they
// list after the driver controls.
const (
	xuIDH264     = 0xf0000000
	xuIDLogitech = 0xf0000100
	xuIDKiyoPro  = 0xf0000200
)

const xuPrefix = "uvcx_"

// ErrNoExtensionUnit is returned for extension unit controls of a unit the
// camera does not have.
var ErrNoExtensionUnit = errors.New("camera has no such extension unit")

// xuQuerier runs one UVCIOC_CTRL_QUERY request. data carries the payload in
// both directions.
type xuQuerier interface {
	queryXU(unit, selector, query uint8, data []byte) error
}

// extensionUnits drives the UVC extension unit controls of one camera.
type extensionUnits struct {
	q    xuQuerier
	ids  ExtensionUnits
	h264 h264State
	kiyo map[string]int32 // Last values set, the unit can't be read.
	name string
}

func newExtensionUnits(q xuQuerier, ids ExtensionUnits, device string) *extensionUnits {
	x := &extensionUnits{
		q:    q,
		ids:  ids,
		kiyo: make(map[string]int32),
		name: "UVCX " + device,
	}
	if ids.H264 != 0 {
		if err := x.loadH264(); err != nil {
			logger.Warningf(x, "Can't read the H.264 unit %d: %v", ids.H264, err)
			x.ids.H264 = 0
		}
	}
	if ids.KiyoPro != 0 && ids.USBID != kiyoProUSBID {
		x.ids.KiyoPro = 0
	}
	return x
}

// query runs req with a payload of the length the unit reports for
// selector. The length query falls back to len(data).
func (x *extensionUnits) query(unit, selector, req uint8, data []byte) error {
	n := len(data)
	var length [2]byte
	if err := x.q.queryXU(unit, selector, uvcGetLen, length[:]); err != nil {
		logger.Debugf(x, "GET_LEN unit %d selector %d: %v", unit, selector, err)
	} else if l := int(binary.LittleEndian.Uint16(length[:])); l > 0 {
		n = l
	}

	buf := data
	if n != len(data) {
		buf = make([]byte, n)
		copy(buf, data)
	}
	if err := x.q.queryXU(unit, selector, req, buf); err != nil {
		return fmt.Errorf("unit %d selector %d query 0x%02x: %w", unit, selector, req, err)
	}
	if n != len(data) {
		copy(data, buf)
	}
	return nil
}

// Controls lists the extension unit controls the camera has.
func (x *extensionUnits) Controls() []ControlDescriptor {
	var out []ControlDescriptor
	if x.ids.H264 != 0 {
		out = append(out, x.h264Descriptors()...)
	}
	if x.ids.Logitech != 0 {
		out = append(out, x.logitechDescriptors()...)
	}
	if x.ids.KiyoPro != 0 {
		out = append(out, x.kiyoProDescriptors()...)
	}
	return out
}

// Apply sets every configured uvcx_ control. The H.264 controls go to the
// camera in a single commit. Failures are logged and skipped.
func (x *extensionUnits) Apply(values map[string]string) {
	h264 := make(map[string]string)
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := values[name]
		if strings.HasPrefix(name, h264Prefix) {
			h264[name] = raw
			continue
		}
		if !strings.HasPrefix(name, xuPrefix) {
			continue
		}
		if err := x.setVendor(name, raw); err != nil {
			logger.Warningf(x, "Can't set %s: %v", name, err)
			continue
		}
		logger.Infof(x, "Set %s = %s", name, raw)
	}
	if len(h264) == 0 {
		return
	}
	if err := x.applyH264(h264); err != nil {
		logger.Warningf(x, "%v", err)
	}
}

// Set sets a single control to value.
func (x *extensionUnits) Set(name string, value int32) error {
	raw := strconv.Itoa(int(value))
	if strings.HasPrefix(name, h264Prefix) {
		return x.applyH264(map[string]string{name: raw})
	}
	return x.setVendor(name, raw)
}

func (x *extensionUnits) setVendor(name, raw string) error {
	switch {
	case strings.HasPrefix(name, logitechPrefix):
		return x.setLogitech(name, raw)
	case strings.HasPrefix(name, kiyoProPrefix):
		return x.setKiyoPro(name, raw)
	}
	return &UnknownControlError{Control: name}
}

// resolveMenu maps a configured value to a menu entry by name or raw value.
func resolveMenu(control string, menu []MenuItem, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	for _, m := range menu {
		if strings.EqualFold(m.Name, raw) {
			return int64(m.Index), nil
		}
	}
	v, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return 0, &ControlValueError{Control: control, Value: raw}
	}
	if menu == nil {
		return v, nil
	}
	for _, m := range menu {
		if int64(m.Index) == v {
			return v, nil
		}
	}
	return 0, &ControlValueError{Control: control, Value: raw}
}

func menuName(menu []MenuItem, v int64) string {
	for _, m := range menu {
		if int64(m.Index) == v {
			return m.Name
		}
	}
	return strconv.FormatInt(v, 10)
}

func (x *extensionUnits) String() string {
	return x.name
}
