//go:build linux

package v4l2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/utils"
	"github.com/ugparu/fmp4streamer/utils/buffer"
	"github.com/ugparu/fmp4streamer/utils/logger"
	"golang.org/x/sys/unix"
)

const (
	defaultBuffers     = 10
	minBuffers         = 2
	defaultPollTimeout = time.Second
	fpsScale           = 1000
)

// ErrKeyFrameUnsupported is returned when the device offers neither the V4L2
// force key frame control nor the UVC H.264 extension unit.
var ErrKeyFrameUnsupported = errors.New("key frame requests are not supported")

// Config selects the capture mode of a device.
type Config struct {
	Path        string
	Format      fmp4streamer.CaptureFormat
	Width       uint32
	Height      uint32
	FPS         uint32
	Buffers     int           // Number of mmap buffers requested, 10 when zero.
	UVCXUnitID  uint8         // UVC H.264 extension unit, discovered in sysfs when zero.
	SysfsRoot   string        // DefaultSysfsRoot when empty.
	PollTimeout time.Duration // Dequeue wait before TryAgainError.
}

// Device is an opened V4L2 capture device with its mapped buffers.
type Device struct {
	cfg       Config
	file      *os.File
	fd        int
	buffers   []buffer.PooledBuffer
	controls  Controls
	xu        *extensionUnits
	streaming bool
	card      string
	name      string
}

// Open opens the device, negotiates format and frame rate, enumerates the
// controls and maps the capture buffers.
func Open(cfg Config) (*Device, error) {
	if cfg.Buffers <= 0 {
		cfg.Buffers = defaultBuffers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = DefaultSysfsRoot
	}

	file, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:  cfg,
		file: file,
		fd:   int(file.Fd()),
		name: "V4L2 " + cfg.Path,
	}

	if err = d.init(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.queryCapabilities(); err != nil {
		return err
	}
	d.openExtensionUnits()
	if d.cfg.Format == fmp4streamer.MJPGH264 {
		if err := d.xu.EnableH264Mux(); err != nil {
			return fmt.Errorf("%s: %w", d.cfg.Path, err)
		}
	}
	if err := d.setFormat(); err != nil {
		return err
	}
	if err := d.setFrameRate(); err != nil {
		logger.Warningf(d, "Can't set %d fps: %v", d.cfg.FPS, err)
	}
	d.controls = d.enumerateControls()
	for _, c := range d.xu.Controls() {
		d.controls[c.Name] = c
	}
	return d.mapBuffers()
}

// openExtensionUnits finds the UVC extension units of the camera. A
// configured H.264 unit id overrides the discovered one.
func (d *Device) openExtensionUnits() {
	units, err := DiscoverExtensionUnits(d.cfg.SysfsRoot, d.cfg.Path)
	if err != nil {
		logger.Debugf(d, "No UVC extension units: %v", err)
	}
	if d.cfg.UVCXUnitID != 0 {
		units.H264 = d.cfg.UVCXUnitID
	}
	if units != (ExtensionUnits{}) {
		logger.Debugf(d, "UVC extension units h264=%d logitech=%d kiyo_pro=%d usb=%s",
			units.H264, units.Logitech, units.KiyoPro, units.USBID)
	}
	d.xu = newExtensionUnits(d, units, d.cfg.Path)
}

func (d *Device) queryCapabilities() error {
	var c capability
	if err := ioctl(d.fd, vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("%s is not a V4L2 device: %w", d.cfg.Path, err)
	}
	caps := c.capabilities
	if caps&capDeviceCaps != 0 {
		caps = c.deviceCaps
	}
	if caps&capVideoCapture == 0 {
		return fmt.Errorf("%s is not a video capture device", d.cfg.Path)
	}
	if caps&capStreaming == 0 {
		return fmt.Errorf("%s does not support streaming I/O", d.cfg.Path)
	}
	d.card = cString(c.card[:])
	logger.Infof(d, "Opened %s (%s)", d.card, cString(c.driver[:]))
	return nil
}

func (d *Device) setFormat() error {
	var pixfmt uint32
	switch d.cfg.Format {
	case fmp4streamer.H264:
		pixfmt = pixFmtH264
	case fmp4streamer.MJPGH264:
		pixfmt = pixFmtMJPEG
	default:
		return utils.UnsupportedFormatError{Format: d.cfg.Format}
	}

	f := format{typ: bufTypeVideoCapture}
	pix := f.pix()
	pix.width = d.cfg.Width
	pix.height = d.cfg.Height
	pix.pixelformat = pixfmt
	pix.field = fieldAny
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("set format %s %dx%d: %w", d.cfg.Format, d.cfg.Width, d.cfg.Height, err)
	}
	if pix.pixelformat != pixfmt {
		return fmt.Errorf("%s does not support %s capture", d.cfg.Path, d.cfg.Format)
	}
	if pix.width != d.cfg.Width || pix.height != d.cfg.Height {
		logger.Warningf(d, "Driver adjusted resolution to %dx%d", pix.width, pix.height)
		d.cfg.Width, d.cfg.Height = pix.width, pix.height
	}
	return nil
}

func (d *Device) setFrameRate() error {
	if d.cfg.FPS == 0 {
		return nil
	}
	p := streamParm{typ: bufTypeVideoCapture}
	cp := p.capture()
	cp.timeperframe = fract{numerator: fpsScale, denominator: d.cfg.FPS * fpsScale}
	return ioctl(d.fd, vidiocSParm, unsafe.Pointer(&p))
}

func (d *Device) enumerateControls() Controls {
	controls := make(Controls)
	q := queryCtrl{id: ctrlFlagNextCtrl}
	for ioctl(d.fd, vidiocQueryCtrl, unsafe.Pointer(&q)) == nil {
		c := ControlDescriptor{
			ID:      q.id,
			Name:    NormalizeName(cString(q.name[:])),
			Type:    ControlType(q.typ),
			Min:     q.minimum,
			Max:     q.maximum,
			Step:    q.step,
			Default: q.defaultValue,
		}
		if q.flags&ctrlFlagDisabled == 0 {
			if c.Settable() {
				ctrl := control{id: q.id}
				if err := ioctl(d.fd, vidiocGCtrl, unsafe.Pointer(&ctrl)); err != nil {
					logger.Debugf(d, "Can't get %s value: %v", c.Name, err)
				}
				c.Value = ctrl.value
			}
			if c.IsMenu() {
				c.Menu = d.queryMenu(c)
			}
			controls[c.Name] = c
		}
		q = queryCtrl{id: q.id | ctrlFlagNextCtrl}
	}
	logger.Debugf(d, "Found %d controls", len(controls))
	return controls
}

func (d *Device) queryMenu(c ControlDescriptor) []MenuItem {
	var items []MenuItem
	for i := c.Min; i <= c.Max && i >= 0; i++ {
		m := queryMenu{id: c.ID, index: uint32(i)}
		if ioctl(d.fd, vidiocQueryMenu, unsafe.Pointer(&m)) != nil {
			continue
		}
		item := MenuItem{Index: i}
		if c.Type == ControlMenu {
			item.Name = cString(m.name[:])
		} else {
			item.Value = int64(binary.LittleEndian.Uint64(m.name[:8]))
		}
		items = append(items, item)
	}
	return items
}

func (d *Device) mapBuffers() error {
	req := requestBuffers{
		count:  uint32(d.cfg.Buffers),
		typ:    bufTypeVideoCapture,
		memory: memoryMMAP,
	}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("request buffers: %w", err)
	}
	if req.count < minBuffers {
		return fmt.Errorf("insufficient buffer memory on %s", d.cfg.Path)
	}

	d.buffers = make([]buffer.PooledBuffer, 0, req.count)
	for i := range req.count {
		b := buffer{index: i, typ: bufTypeVideoCapture, memory: memoryMMAP}
		if err := ioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
			return fmt.Errorf("query buffer %d: %w", i, err)
		}
		mapped, err := buffer.GetMmap(d.file, int64(b.offset()), int(b.length), nil)
		if err != nil {
			return fmt.Errorf("mmap buffer %d: %w", i, err)
		}
		d.buffers = append(d.buffers, mapped)
	}
	logger.Debugf(d, "Mapped %d buffers", len(d.buffers))
	return nil
}

// Start queues every buffer and turns streaming on. STREAMOFF returns all
// buffers to userspace, so they are queued again on every start.
func (d *Device) Start() error {
	if d.streaming {
		return nil
	}
	for i := range d.buffers {
		if err := d.queue(uint32(i)); err != nil {
			return err
		}
	}
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("stream on: %w", err)
	}
	d.streaming = true
	logger.Debug(d, "Streaming on")
	return nil
}

// Stop turns streaming off and keeps the buffers mapped.
func (d *Device) Stop() error {
	if !d.streaming {
		return nil
	}
	d.streaming = false
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("stream off: %w", err)
	}
	logger.Debug(d, "Streaming off")
	return nil
}

// Dequeue waits up to the poll timeout for a filled buffer.
func (d *Device) Dequeue() (fmp4streamer.Buffer, error) {
	if !d.streaming {
		return fmp4streamer.Buffer{}, utils.TryAgainError{}
	}

	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(d.cfg.PollTimeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) || (err == nil && n == 0) {
		return fmp4streamer.Buffer{}, utils.TryAgainError{}
	}
	if err != nil {
		return fmp4streamer.Buffer{}, fmt.Errorf("poll: %w", err)
	}

	b := buffer{typ: bufTypeVideoCapture, memory: memoryMMAP}
	if err = ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return fmp4streamer.Buffer{}, utils.TryAgainError{}
		}
		return fmp4streamer.Buffer{}, fmt.Errorf("dequeue buffer: %w", err)
	}
	if int(b.index) >= len(d.buffers) {
		return fmp4streamer.Buffer{}, fmt.Errorf("driver returned unknown buffer %d", b.index)
	}

	data := d.buffers[b.index].Data()
	used := min(int(b.bytesused), len(data))
	return fmp4streamer.Buffer{
		Data:     data[:used],
		Index:    int(b.index),
		Sequence: b.sequence,
		Timestamp: fmp4streamer.Timestamp{
			Sec:  int64(b.timestamp.Sec),  //nolint:unconvert
			Usec: int64(b.timestamp.Usec), //nolint:unconvert
		},
	}, nil
}

// Requeue hands a dequeued buffer back to the driver. Buffers returned while
// streaming is off are queued by the next Start.
func (d *Device) Requeue(buf fmp4streamer.Buffer) error {
	if !d.streaming {
		return nil
	}
	return d.queue(uint32(buf.Index))
}

func (d *Device) queue(index uint32) error {
	b := buffer{index: index, typ: bufTypeVideoCapture, memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("queue buffer %d: %w", index, err)
	}
	return nil
}

// RequestKeyFrame asks the encoder for an IDR picture, through the force key
// frame control when the driver has one and the UVC H.264 extension unit
// otherwise.
func (d *Device) RequestKeyFrame() error {
	if _, ok := d.controls.ByID(cidForceKeyFrame); ok {
		ctrl := control{id: cidForceKeyFrame}
		if err := ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
			return fmt.Errorf("force key frame: %w", err)
		}
		return nil
	}
	if err := d.xu.RequestIDR(); err != nil {
		if errors.Is(err, ErrNoExtensionUnit) {
			return ErrKeyFrameUnsupported
		}
		return err
	}
	return nil
}

func (d *Device) queryXU(unit, selector, query uint8, data []byte) error {
	q := xuControlQuery{
		unit:     unit,
		selector: selector,
		query:    query,
		size:     uint16(len(data)), //nolint:gosec
		data:     unsafe.Pointer(&data[0]),
	}
	return ioctl(d.fd, uvciocCtrlQuery, unsafe.Pointer(&q))
}

// SetControl sets a control by its normalized name.
func (d *Device) SetControl(name string, value int32) error {
	c, ok := d.controls[NormalizeName(name)]
	if !ok || !c.Settable() {
		return &UnknownControlError{Control: name}
	}
	if strings.HasPrefix(c.Name, xuPrefix) {
		if err := d.xu.Set(c.Name, value); err != nil {
			return err
		}
		d.refreshExtensionControls()
		return nil
	}
	ctrl := control{id: c.ID, value: value}
	if err := ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
		return fmt.Errorf("set %s to %d: %w", c.Name, value, err)
	}
	c.Value = value
	d.controls[c.Name] = c
	return nil
}

// ApplyControls sets every configured control, resolving menu entry names.
// Failures are logged and skipped.
func (d *Device) ApplyControls(values map[string]string) {
	xu := make(map[string]string)
	for name, raw := range values {
		if n := NormalizeName(name); strings.HasPrefix(n, xuPrefix) {
			xu[n] = raw
			continue
		}
		c, ok := d.controls[NormalizeName(name)]
		if !ok {
			logger.Warningf(d, "Can't find %s control", name)
			continue
		}
		v, err := c.Resolve(raw)
		if err != nil {
			logger.Warningf(d, "%v", err)
			continue
		}
		if err = d.SetControl(c.Name, v); err != nil {
			logger.Warningf(d, "Can't set %s: %v", name, err)
			continue
		}
		logger.Infof(d, "Set %s = %s", c.Name, raw)
	}
	if len(xu) > 0 {
		d.xu.Apply(xu)
		d.refreshExtensionControls()
	}
}

func (d *Device) refreshExtensionControls() {
	for _, c := range d.xu.Controls() {
		d.controls[c.Name] = c
	}
}

// HasRotation reports whether the driver rotates the picture itself.
func (d *Device) HasRotation() bool {
	_, ok := d.controls.ByID(cidRotate)
	return ok
}

// Rotate sets the driver rotation control.
func (d *Device) Rotate(r fmp4streamer.Rotation) error {
	c, ok := d.controls.ByID(cidRotate)
	if !ok {
		return &UnknownControlError{Control: "rotate"}
	}
	return d.SetControl(c.Name, int32(r))
}

// Controls returns the control registry.
func (d *Device) Controls() Controls {
	return d.controls
}

// Size returns the negotiated resolution.
func (d *Device) Size() (width, height uint32) {
	return d.cfg.Width, d.cfg.Height
}

// Format reports the capture format of the buffers.
func (d *Device) Format() fmp4streamer.CaptureFormat {
	return d.cfg.Format
}

// Close stops streaming, unmaps the buffers and closes the device.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	if err := d.Stop(); err != nil {
		logger.Warningf(d, "%v", err)
	}
	for _, b := range d.buffers {
		b.Release()
	}
	d.buffers = nil
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *Device) String() string {
	return d.name
}
