// Package v4l2 captures H.264 from Video4Linux2 cameras through memory mapped
// streaming I/O, and exposes the device controls by name.
package v4l2

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ControlType mirrors enum v4l2_ctrl_type.
type ControlType uint32

// Control types the registry knows how to set or print.
const (
	ControlInteger     ControlType = 1
	ControlBoolean     ControlType = 2
	ControlMenu        ControlType = 3
	ControlButton      ControlType = 4
	ControlClass       ControlType = 6
	ControlIntegerMenu ControlType = 9
)

// MenuItem is one entry of a menu control.
type MenuItem struct {
	Index int32
	Name  string // Menu controls.
	Value int64  // Integer menu controls.
}

// ControlDescriptor describes a device control discovered with VIDIOC_QUERYCTRL.
type ControlDescriptor struct {
	ID      uint32
	Name    string // Normalized lower_snake name.
	Type    ControlType
	Min     int32
	Max     int32
	Step    int32
	Default int32
	Value   int32
	Menu    []MenuItem

	WriteOnly bool // Value is the last one set, the device can't report it.
}

// IsMenu reports whether the value is chosen from a menu.
func (c ControlDescriptor) IsMenu() bool {
	return c.Type == ControlMenu || c.Type == ControlIntegerMenu
}

// Settable reports whether SetControl can be used with the control.
func (c ControlDescriptor) Settable() bool {
	switch c.Type {
	case ControlInteger, ControlBoolean, ControlMenu, ControlIntegerMenu:
		return true
	}
	return false
}

// Resolve maps a configured value to the control value. Menu controls accept
// the menu entry name as well as the index.
func (c ControlDescriptor) Resolve(value string) (int32, error) {
	value = strings.TrimSpace(value)
	if c.IsMenu() {
		for _, m := range c.Menu {
			if c.Type == ControlMenu && strings.EqualFold(m.Name, value) {
				return m.Index, nil
			}
			if c.Type == ControlIntegerMenu && strconv.FormatInt(m.Value, 10) == value {
				return m.Index, nil
			}
		}
	}
	switch strings.ToLower(value) {
	case "true", "on", "yes":
		if c.Type == ControlBoolean {
			return 1, nil
		}
	case "false", "off", "no":
		if c.Type == ControlBoolean {
			return 0, nil
		}
	}
	v, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, &ControlValueError{Control: c.Name, Value: value}
	}
	return int32(v), nil
}

func (c ControlDescriptor) menuLabel(index int32) (string, bool) {
	for _, m := range c.Menu {
		if m.Index != index {
			continue
		}
		if c.Type == ControlMenu {
			return m.Name, true
		}
		return strconv.FormatInt(m.Value, 10), true
	}
	return "", false
}

// String renders the control as a configuration line with its range.
func (c ControlDescriptor) String() string {
	var sb strings.Builder
	switch {
	case c.Type == ControlClass:
		return "\n# " + c.Name
	case c.IsMenu():
		cur, ok := c.menuLabel(c.Value)
		switch {
		case !ok && c.WriteOnly:
			cur = "unset (camera setting)"
		case !ok:
			cur = strconv.Itoa(int(c.Value))
		}
		fmt.Fprintf(&sb, "%s: %s\t(", c.Name, cur)
		if def, ok := c.menuLabel(c.Default); ok {
			fmt.Fprintf(&sb, "default: %s ", def)
		}
		sb.WriteString("values:")
		for _, m := range c.Menu {
			if label, ok := c.menuLabel(m.Index); ok {
				fmt.Fprintf(&sb, " %q", label)
			}
		}
		sb.WriteString(")")
	case c.Settable():
		fmt.Fprintf(&sb, "%s: %d\t(default: %d min: %d max: %d", c.Name, c.Value, c.Default, c.Min, c.Max)
		if c.Step != 1 {
			fmt.Fprintf(&sb, " step: %d", c.Step)
		}
		sb.WriteString(")")
	default:
		sb.WriteString(c.Name)
	}
	return sb.String()
}

// Controls is the control registry of an opened device, keyed by normalized name.
type Controls map[string]ControlDescriptor

// Sorted lists the controls in enumeration order.
func (cs Controls) Sorted() []ControlDescriptor {
	out := make([]ControlDescriptor, 0, len(cs))
	for _, c := range cs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByID finds a control by its V4L2 id.
func (cs Controls) ByID(id uint32) (ControlDescriptor, bool) {
	for _, c := range cs {
		if c.ID == id {
			return c, true
		}
	}
	return ControlDescriptor{}, false
}

var nameReplacer = strings.NewReplacer(
	" ", "_", "-", "_",
	",", "", "&", "", "(", "", ")", "", ".", "",
)

// NormalizeName turns a driver control name like "Exposure, Auto Priority"
// into the configuration key "exposure_auto_priority".
func NormalizeName(name string) string {
	s := nameReplacer.Replace(strings.ToLower(strings.TrimSpace(name)))
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}

// cString returns the NUL terminated prefix of b.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// UnknownControlError is returned by SetControl for names the device lacks.
type UnknownControlError struct {
	Control string
}

func (e *UnknownControlError) Error() string {
	return "unknown control " + e.Control
}

// ControlValueError reports a configured value a control cannot take.
type ControlValueError struct {
	Control string
	Value   string
}

func (e *ControlValueError) Error() string {
	return fmt.Sprintf("invalid value %q for control %s", e.Value, e.Control)
}
