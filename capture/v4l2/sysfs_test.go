package v4l2

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func xuDescriptor(id uint8, guid uuid.UUID) []byte {
	g := usbGUID(guid)
	d := []byte{26, descCSInterface, descVCExtensionUnit, id}
	d = append(d, g[:]...)
	// bNumControls bNrInPins baSourceID bControlSize bmControls iExtension
	return append(d, 2, 1, 1, 1, 0x0f, 0)
}

func cameraDescriptors() []byte {
	// Device, video control interface and its class header.
	desc := append([]byte{18, 0x01, 0x00, 0x02}, make([]byte, 14)...)
	desc = append(desc, 9, 0x04, 0, 0, 1, 0x0e, 0x01, 0, 0)
	desc = append(desc, 13, descCSInterface, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0, 1, 1)
	desc = append(desc, xuDescriptor(12, h264UnitGUID)...)
	// Interrupt endpoint between the units.
	desc = append(desc, 9, 0x05, 0x83, 0x03, 0x10, 0, 8, 0, 0)
	return append(desc, xuDescriptor(9, logitechUnitGUID)...)
}

func TestUSBGUIDByteOrder(t *testing.T) {
	t.Parallel()

	g := usbGUID(h264UnitGUID)
	require.Equal(t, []byte{0x41, 0x76, 0x9e, 0xa2, 0x04, 0xde, 0xe3, 0x47,
		0x8b, 0x2b, 0xf4, 0x34, 0x1a, 0xff, 0x00, 0x3b}, g[:])
	g = usbGUID(logitechUnitGUID)
	require.Equal(t, []byte{0x21, 0x2d, 0xe5, 0xff, 0x30, 0x80, 0x2c, 0x4e,
		0x82, 0xd9, 0xf5, 0x87, 0xd0, 0x05, 0x40, 0xbd}, g[:])
}

func TestFindExtensionUnit(t *testing.T) {
	t.Parallel()

	desc := cameraDescriptors()
	tests := []struct {
		name string
		desc []byte
		guid uuid.UUID
		want uint8
	}{
		{"h264 unit", desc, h264UnitGUID, 12},
		{"logitech unit", desc, logitechUnitGUID, 9},
		{"missing unit", desc, kiyoProUnitGUID, 0},
		{"truncated", desc[:len(desc)-3], logitechUnitGUID, 0},
		{"zero length descriptor", append([]byte{0, 0, 0}, desc...), h264UnitGUID, 0},
		{"empty", nil, h264UnitGUID, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, findExtensionUnit(tt.desc, tt.guid))
		})
	}
}

func TestDiscoverExtensionUnits(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sys := filepath.Join(root, "sys")
	usb := filepath.Join(sys, "devices", "pci0000:00", "usb1", "1-1")
	iface := filepath.Join(usb, "1-1:1.0")
	require.NoError(t, os.MkdirAll(iface, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(usb, "descriptors"), cameraDescriptors(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(usb, "idVendor"), []byte("046d\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(usb, "idProduct"), []byte("082d\n"), 0o644))

	class := filepath.Join(sys, "class", "video4linux", "video2")
	require.NoError(t, os.MkdirAll(class, 0o755))
	require.NoError(t, os.Symlink(iface, filepath.Join(class, "device")))

	dev := filepath.Join(root, "dev")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "video2"), nil, 0o644))
	// udev names the camera by id.
	require.NoError(t, os.Symlink(filepath.Join(dev, "video2"), filepath.Join(dev, "webcam")))

	units, err := DiscoverExtensionUnits(sys, filepath.Join(dev, "webcam"))
	require.NoError(t, err)
	require.Equal(t, ExtensionUnits{H264: 12, Logitech: 9, USBID: "046d:082d"}, units)

	_, err = DiscoverExtensionUnits(sys, filepath.Join(dev, "video7"))
	require.Error(t, err)
}
