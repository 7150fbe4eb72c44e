//go:build linux && (amd64 || arm64)

package v4l2

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestStructLayout(t *testing.T) {
	t.Parallel()

	require.Equal(t, uintptr(104), unsafe.Sizeof(capability{}))
	require.Equal(t, uintptr(48), unsafe.Sizeof(pixFormat{}))
	require.Equal(t, uintptr(208), unsafe.Sizeof(format{}))
	require.Equal(t, uintptr(204), unsafe.Sizeof(streamParm{}))
	require.Equal(t, uintptr(40), unsafe.Sizeof(captureParm{}))
	require.Equal(t, uintptr(20), unsafe.Sizeof(requestBuffers{}))
	require.Equal(t, uintptr(88), unsafe.Sizeof(buffer{}))
	require.Equal(t, uintptr(64), unsafe.Offsetof(buffer{}.m))
	require.Equal(t, uintptr(68), unsafe.Sizeof(queryCtrl{}))
	require.Equal(t, uintptr(44), unsafe.Sizeof(queryMenu{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(xuControlQuery{}))
}

func TestRequestNumbers(t *testing.T) {
	t.Parallel()

	for name, tt := range map[string]struct{ got, want uintptr }{
		"QUERYCAP":  {vidiocQueryCap, 0x80685600},
		"S_FMT":     {vidiocSFmt, 0xc0d05605},
		"REQBUFS":   {vidiocReqBufs, 0xc0145608},
		"QUERYBUF":  {vidiocQueryBuf, 0xc0585609},
		"QBUF":      {vidiocQBuf, 0xc058560f},
		"DQBUF":     {vidiocDQBuf, 0xc0585611},
		"STREAMON":  {vidiocStreamOn, 0x40045612},
		"STREAMOFF": {vidiocStreamOff, 0x40045613},
		"S_PARM":    {vidiocSParm, 0xc0cc5616},
		"G_CTRL":    {vidiocGCtrl, 0xc008561b},
		"S_CTRL":    {vidiocSCtrl, 0xc008561c},
		"QUERYCTRL": {vidiocQueryCtrl, 0xc0445624},
		"QUERYMENU": {vidiocQueryMenu, 0xc02c5625},
		"UVC XU":    {uvciocCtrlQuery, 0xc0107521},
	} {
		require.Equal(t, tt.want, tt.got, name)
	}
}

func TestBufferOffset(t *testing.T) {
	t.Parallel()

	b := buffer{}
	*(*uint32)(unsafe.Pointer(&b.m)) = 0x4000
	require.Equal(t, uint32(0x4000), b.offset())

	var f format
	f.pix().pixelformat = pixFmtH264
	require.Equal(t, uint32(pixFmtH264), *(*uint32)(unsafe.Add(unsafe.Pointer(&f), 16)))
}

func TestOpenMissingDevice(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Path: "/dev/does-not-exist-video"})
	require.Error(t, err)
}
