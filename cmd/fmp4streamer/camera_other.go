//go:build !linux

package main

import (
	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/config"
)

func openCamera(*config.Config) (fmp4streamer.Device, controller, error) {
	return nil, nil, errNoV4L2
}
