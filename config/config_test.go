package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ugparu/fmp4streamer"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":8000", cfg.Addr())
	require.Equal(t, fmp4streamer.H264, cfg.Format())
	require.Equal(t, uint32(15000), cfg.Timescale())
	require.Equal(t, "avc1.640028", cfg.Codec())
	require.Equal(t, fmp4streamer.Track{Width: 800, Height: 600, Timescale: 15000}, cfg.Track())
	require.Equal(t, 10*time.Second, cfg.Device.StartupTimeout)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	cfg, err := Decode(strings.NewReader(`
server:
  listen: 127.0.0.1
  port: 8080
  debug: true
log:
  level: debug
device:
  path: /dev/video2
  capture_format: MJPGH264
  width: 1280
  height: 720
  fps: 25
  rotation: 180
  auto_sleep: true
  h264_profile: Main
  h264_level: "4.2"
  startup_timeout: 3s
  controls:
    power_line_frequency: 50 Hz
    brightness: 128
`))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Addr())
	require.True(t, cfg.Server.Debug)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, fmp4streamer.MJPGH264, cfg.Format())
	require.Equal(t, uint32(12500), cfg.Timescale())
	require.Equal(t, "avc1.4d002a", cfg.Codec())
	require.Equal(t, fmp4streamer.Rotate180, cfg.Track().Rotation)
	require.True(t, cfg.Device.AutoSleep)
	require.Equal(t, 3*time.Second, cfg.Device.StartupTimeout)
	require.Equal(t, map[string]string{"power_line_frequency": "50 Hz", "brightness": "128"}, cfg.Device.Controls)
	// Untouched keys keep their defaults.
	require.Equal(t, uint32(500), cfg.Device.SampleDuration)
	require.Zero(t, cfg.Device.UVCXUnitID)
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		doc    string
		target error
	}{
		{"rotation", "device: {rotation: 45}", ErrInvalidRotation},
		{"fps zero", "device: {fps: 0}", ErrInvalidFPS},
		{"fps high", "device: {fps: 500}", ErrInvalidFPS},
		{"width", "device: {width: 8}", ErrInvalidSize},
		{"height", "device: {height: 10000}", ErrInvalidSize},
		{"format", "device: {capture_format: YUYV}", ErrInvalidFormat},
		{"port", "server: {port: 70000}", ErrInvalidPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(strings.NewReader(tt.doc))
			require.ErrorIs(t, err, tt.target)
		})
	}

	_, err := Decode(strings.NewReader("device: {colour: red}"))
	require.Error(t, err)
}

func TestCodecFallback(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Device.H264Profile = "Extended"
	cfg.Device.H264Level = "5"
	require.Equal(t, "avc1.640028", cfg.Codec())
	cfg.Device.H264Profile = "Baseline"
	cfg.Device.H264Level = "4.1"
	require.Equal(t, "avc1.420029", cfg.Codec())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, found, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, Default(), cfg)

	path := filepath.Join(dir, "fmp4streamer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  fps: 15\n"), 0o600))
	cfg, found, err = Load(path)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(15*500), cfg.Timescale())

	require.NoError(t, os.WriteFile(path, []byte("device:\n  rotation: 30\n"), 0o600))
	_, _, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidRotation)
}
