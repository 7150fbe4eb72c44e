package v4l2

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Extension unit GUIDs as vendors publish them.
var (
	h264UnitGUID     = uuid.MustParse("a29e7641-de04-47e3-8b2b-f4341aff003b")
	logitechUnitGUID = uuid.MustParse("ffe52d21-8030-4e2c-82d9-f587d00540bd")
	kiyoProUnitGUID  = uuid.MustParse("23e49ed0-1178-4f31-ae52-d2fb8a8d3b48")
)

// DefaultSysfsRoot is where the kernel mounts sysfs.
const DefaultSysfsRoot = "/sys"

const (
	descCSInterface     = 0x24
	descVCExtensionUnit = 0x06
	xuDescriptorMinLen  = 20 // Through guidExtensionCode.
)

// ExtensionUnits are the UVC extension unit ids of a camera, zero for the
// units it lacks.
type ExtensionUnits struct {
	H264     uint8
	Logitech uint8
	KiyoPro  uint8
	USBID    string // idVendor:idProduct.
}

// usbGUID returns u in the byte order of USB descriptors, where the first
// three fields are little endian.
func usbGUID(u uuid.UUID) [16]byte {
	var g [16]byte
	copy(g[:], u[:])
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	return g
}

// findExtensionUnit walks the raw configuration descriptors of a USB device
// and returns the bUnitID of the video control extension unit with guid.
func findExtensionUnit(desc []byte, guid uuid.UUID) uint8 {
	want := usbGUID(guid)
	for i := 0; i+2 < len(desc); {
		l := int(desc[i])
		if l == 0 || i+l > len(desc) {
			break
		}
		d := desc[i : i+l]
		if l >= xuDescriptorMinLen && d[1] == descCSInterface && d[2] == descVCExtensionUnit &&
			bytes.Equal(d[4:20], want[:]) {
			return d[3]
		}
		i += l
	}
	return 0
}

// DiscoverExtensionUnits reads the USB descriptors of the camera behind
// devPath from sysfs. devPath may be a udev symlink.
func DiscoverExtensionUnits(sysRoot, devPath string) (ExtensionUnits, error) {
	dev, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		return ExtensionUnits{}, err
	}
	// The device link points at the video control interface, the
	// descriptors belong to the USB device above it.
	iface, err := filepath.EvalSymlinks(filepath.Join(sysRoot, "class", "video4linux", filepath.Base(dev), "device"))
	if err != nil {
		return ExtensionUnits{}, err
	}
	usbDir := filepath.Dir(iface)

	desc, err := os.ReadFile(filepath.Join(usbDir, "descriptors"))
	if err != nil {
		return ExtensionUnits{}, fmt.Errorf("read usb descriptors: %w", err)
	}
	units := ExtensionUnits{
		H264:     findExtensionUnit(desc, h264UnitGUID),
		Logitech: findExtensionUnit(desc, logitechUnitGUID),
		KiyoPro:  findExtensionUnit(desc, kiyoProUnitGUID),
	}

	vendor, verr := os.ReadFile(filepath.Join(usbDir, "idVendor"))
	product, perr := os.ReadFile(filepath.Join(usbDir, "idProduct"))
	if verr == nil && perr == nil {
		units.USBID = strings.TrimSpace(string(vendor)) + ":" + strings.TrimSpace(string(product))
	}
	return units, nil
}
