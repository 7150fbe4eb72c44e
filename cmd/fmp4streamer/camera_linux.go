//go:build linux

package main

import (
	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/capture/v4l2"
	"github.com/ugparu/fmp4streamer/config"
)

func openCamera(cfg *config.Config) (fmp4streamer.Device, controller, error) {
	dev, err := v4l2.Open(v4l2.Config{
		Path:       cfg.Device.Path,
		Format:     cfg.Format(),
		Width:      cfg.Device.Width,
		Height:     cfg.Device.Height,
		FPS:        cfg.Device.FPS,
		Buffers:    cfg.Device.Buffers,
		UVCXUnitID: cfg.Device.UVCXUnitID,
	})
	if err != nil {
		return nil, nil, err
	}
	return dev, dev, nil
}
