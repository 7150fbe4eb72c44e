//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding from asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

const ptrSize = unsafe.Sizeof(uintptr(0))

type capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type pixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// format is struct v4l2_format. The union holds pointers in v4l2_window so it
// is pointer aligned.
type format struct {
	typ uint32
	fmt [200 / ptrSize]uintptr
}

func (f *format) pix() *pixFormat {
	return (*pixFormat)(unsafe.Pointer(&f.fmt[0]))
}

type fract struct {
	numerator   uint32
	denominator uint32
}

type captureParm struct {
	capability   uint32
	capturemode  uint32
	timeperframe fract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type streamParm struct {
	typ  uint32
	parm [200]byte
}

func (p *streamParm) capture() *captureParm {
	return (*captureParm)(unsafe.Pointer(&p.parm[0]))
}

type requestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  timecode
	sequence  uint32
	memory    uint32
	m         uintptr // union of offset, userptr, planes and fd
	length    uint32
	reserved2 uint32
	requestFD int32
}

func (b *buffer) offset() uint32 {
	return *(*uint32)(unsafe.Pointer(&b.m))
}

type queryCtrl struct {
	id           uint32
	typ          uint32
	name         [32]byte
	minimum      int32
	maximum      int32
	step         int32
	defaultValue int32
	flags        uint32
	reserved     [2]uint32
}

type control struct {
	id    uint32
	value int32
}

// queryMenu is the packed struct v4l2_querymenu. The name array shares its
// first 8 bytes with the integer menu value.
type queryMenu struct {
	id       uint32
	index    uint32
	name     [32]byte
	reserved uint32
}

type xuControlQuery struct {
	unit     uint8
	selector uint8
	query    uint8
	_        uint8
	size     uint16
	data     unsafe.Pointer
}

const v4l2Magic = 'V'

var (
	vidiocQueryCap  = ioc(iocRead, v4l2Magic, 0, unsafe.Sizeof(capability{}))
	vidiocSFmt      = iowr(v4l2Magic, 5, unsafe.Sizeof(format{}))
	vidiocReqBufs   = iowr(v4l2Magic, 8, unsafe.Sizeof(requestBuffers{}))
	vidiocQueryBuf  = iowr(v4l2Magic, 9, unsafe.Sizeof(buffer{}))
	vidiocQBuf      = iowr(v4l2Magic, 15, unsafe.Sizeof(buffer{}))
	vidiocDQBuf     = iowr(v4l2Magic, 17, unsafe.Sizeof(buffer{}))
	vidiocStreamOn  = ioc(iocWrite, v4l2Magic, 18, unsafe.Sizeof(uint32(0)))
	vidiocStreamOff = ioc(iocWrite, v4l2Magic, 19, unsafe.Sizeof(uint32(0)))
	vidiocSParm     = iowr(v4l2Magic, 22, unsafe.Sizeof(streamParm{}))
	vidiocGCtrl     = iowr(v4l2Magic, 27, unsafe.Sizeof(control{}))
	vidiocSCtrl     = iowr(v4l2Magic, 28, unsafe.Sizeof(control{}))
	vidiocQueryCtrl = iowr(v4l2Magic, 36, unsafe.Sizeof(queryCtrl{}))
	vidiocQueryMenu = iowr(v4l2Magic, 37, unsafe.Sizeof(queryMenu{}))

	uvciocCtrlQuery = iowr('u', 0x21, unsafe.Sizeof(xuControlQuery{}))
)

const (
	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capDeviceCaps   = 0x80000000

	bufTypeVideoCapture = 1
	memoryMMAP          = 1
	fieldAny            = 0

	pixFmtH264  = 0x34363248 // H264
	pixFmtMJPEG = 0x47504a4d // MJPG

	ctrlFlagDisabled = 0x0001
	ctrlFlagNextCtrl = 0x80000000

	cidForceKeyFrame = 0x009909e5
	cidRotate        = 0x00980922
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}
