// Package config loads the streamer configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ugparu/fmp4streamer"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no -c flag is given.
const DefaultPath = "fmp4streamer.yaml"

var (
	ErrInvalidRotation = errors.New("rotation must be 0, 90, 180 or 270")
	ErrInvalidFPS      = errors.New("fps must be between 1 and 120")
	ErrInvalidSize     = errors.New("width and height must be between 16 and 8192")
	ErrInvalidFormat   = errors.New("capture_format must be H264, MJPGH264 or PIPE")
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
)

const (
	maxFPS  = 120
	minSize = 16
	maxSize = 8192
	maxPort = 65535
)

var (
	profiles = map[string]string{"High": "6400", "Main": "4d00", "Baseline": "4200"}
	levels   = map[string]string{"4": "28", "4.1": "29", "4.2": "2a"}
)

// Config is the whole configuration file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Device DeviceConfig `yaml:"device"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Port   int    `yaml:"port"`
	Debug  bool   `yaml:"debug"` // Registers the pprof endpoints.
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DeviceConfig struct {
	Path           string            `yaml:"path"` // Device node, or "-" for stdin with PIPE.
	CaptureFormat  string            `yaml:"capture_format"`
	Width          uint32            `yaml:"width"`
	Height         uint32            `yaml:"height"`
	FPS            uint32            `yaml:"fps"`
	Rotation       int               `yaml:"rotation"`
	AutoSleep      bool              `yaml:"auto_sleep"`
	H264Profile    string            `yaml:"h264_profile"`
	H264Level      string            `yaml:"h264_level"`
	SampleDuration uint32            `yaml:"sample_duration"`
	StartupTimeout time.Duration     `yaml:"startup_timeout"`
	Buffers        int               `yaml:"buffers"`
	UVCXUnitID     uint8             `yaml:"uvcx_unit_id"` // H.264 extension unit, found in sysfs when 0.
	Controls       map[string]string `yaml:"controls"` // Control name to integer or menu entry.
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8000},
		Log:    LogConfig{Level: "info"},
		Device: DeviceConfig{
			Path:           "/dev/video0",
			CaptureFormat:  "H264",
			Width:          800,
			Height:         600,
			FPS:            30,
			H264Profile:    "High",
			H264Level:      "4",
			SampleDuration: 500,
			StartupTimeout: 10 * time.Second,
			Buffers:        10,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults and
// found set to false.
func Load(path string) (cfg *Config, found bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	cfg, err = Decode(f)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, true, nil
}

// Decode parses a YAML document over the defaults and validates it.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the streamer cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	if _, ok := fmp4streamer.ParseCaptureFormat(c.Device.CaptureFormat); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Device.CaptureFormat)
	}
	if !fmp4streamer.Rotation(c.Device.Rotation).Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRotation, c.Device.Rotation)
	}
	if c.Device.FPS < 1 || c.Device.FPS > maxFPS {
		return fmt.Errorf("%w: %d", ErrInvalidFPS, c.Device.FPS)
	}
	if !validSize(c.Device.Width) || !validSize(c.Device.Height) {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, c.Device.Width, c.Device.Height)
	}
	if c.Device.SampleDuration == 0 {
		c.Device.SampleDuration = Default().Device.SampleDuration
	}
	return nil
}

func validSize(v uint32) bool {
	return v >= minSize && v <= maxSize
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Listen, strconv.Itoa(c.Server.Port))
}

// Format returns the capture format.
func (c *Config) Format() fmp4streamer.CaptureFormat {
	f, _ := fmp4streamer.ParseCaptureFormat(c.Device.CaptureFormat)
	return f
}

// Timescale is the track timescale, fps times the nominal sample duration.
func (c *Config) Timescale() uint32 {
	return c.Device.FPS * c.Device.SampleDuration
}

// Codec returns the RFC 6381 codec string advertised to browsers. Unknown
// profiles and levels fall back to High and 4.
func (c *Config) Codec() string {
	profile, ok := profiles[c.Device.H264Profile]
	if !ok {
		profile = profiles["High"]
	}
	level, ok := levels[c.Device.H264Level]
	if !ok {
		level = levels["4"]
	}
	return "avc1." + profile + level
}

// Track returns the output track geometry.
func (c *Config) Track() fmp4streamer.Track {
	return fmp4streamer.Track{
		Width:     uint16(c.Device.Width),  //nolint:gosec
		Height:    uint16(c.Device.Height), //nolint:gosec
		Rotation:  fmp4streamer.Rotation(c.Device.Rotation),
		Timescale: c.Timescale(),
	}
}
