// Command fmp4streamer captures H.264 from a V4L2 camera or a pipe and serves
// it live to browsers as fragmented MP4.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/capture"
	"github.com/ugparu/fmp4streamer/capture/pipe"
	"github.com/ugparu/fmp4streamer/capture/v4l2"
	"github.com/ugparu/fmp4streamer/config"
	"github.com/ugparu/fmp4streamer/server"
	"github.com/ugparu/fmp4streamer/utils/logger"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type app string

func (a app) String() string {
	return string(a)
}

const name app = "FMP4STREAMER"

// controller is the control surface of a camera. Pipes have none.
type controller interface {
	Controls() v4l2.Controls
	ApplyControls(values map[string]string)
	HasRotation() bool
	Rotate(r fmp4streamer.Rotation) error
}

func main() {
	cfgPath := flag.String("c", config.DefaultPath, "use `CONFIG` as the configuration file")
	listControls := flag.Bool("l", false, "list the controls and values of the camera and exit")
	verbose := flag.Bool("v", false, "debug logging and profiling endpoints")
	flag.Parse()

	cfg, found, err := config.Load(*cfgPath)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	lvl, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	if *verbose {
		lvl = logrus.DebugLevel
		cfg.Server.Debug = true
	}
	logger.Init(lvl)
	if !found {
		logger.Warningf(name, "Couldn't read %s, using default config", *cfgPath)
	}

	if err = run(cfg, *listControls); err != nil {
		logger.Fatalf(name, "%v", err)
	}
	// Let the asynchronous logger drain.
	time.Sleep(100 * time.Millisecond) //nolint:mnd
}

func run(cfg *config.Config, listControls bool) error {
	dev, ctl, err := openDevice(cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Device.Path, err)
	}

	if listControls {
		defer dev.Close()
		if ctl == nil {
			return fmt.Errorf("%s has no controls", dev)
		}
		fmt.Printf("Controls of %s\n\nSet one with name: value under device.controls in the config file\n", dev)
		for _, c := range ctl.Controls().Sorted() {
			fmt.Println(c.String())
		}
		return nil
	}

	track := cfg.Track()
	if ctl != nil {
		ctl.ApplyControls(cfg.Device.Controls)
		if track.Rotation != fmp4streamer.Rotate0 && ctl.HasRotation() {
			if err = ctl.Rotate(track.Rotation); err != nil {
				logger.Warningf(name, "Driver rotation failed, rotating in the player: %v", err)
			} else {
				track.Rotation = fmp4streamer.Rotate0
			}
		}
	}

	assembler := capture.NewAssembler(dev.Format(), cfg.Device.FPS)
	viewers := capture.NewViewers()
	camera := capture.NewCamera(dev, assembler, viewers, cfg.Device.AutoSleep)
	camera.Run()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Device.StartupTimeout)
	par, err := assembler.WaitParameters(waitCtx)
	cancel()
	if err != nil {
		camera.Close()
		return fmt.Errorf("no SPS/PPS from %s within %s: %w", dev, cfg.Device.StartupTimeout, err)
	}
	if fps := par.FPS(); fps != 0 && fps != uint(cfg.Device.FPS) {
		logger.Warningf(name, "SPS timing signals %d fps, configured %d fps", fps, cfg.Device.FPS)
	}
	track.Width = uint16(par.Width())   //nolint:gosec
	track.Height = uint16(par.Height()) //nolint:gosec
	logger.Infof(name, "Streaming %dx%d %s at %d fps", track.Width, track.Height, par.Tag(), cfg.Device.FPS)

	srv := server.New(server.Settings{
		Addr:  cfg.Addr(),
		Debug: cfg.Server.Debug,
		Codec: cfg.Codec(),
		Track: track,
	}, assembler, viewers, camera)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info(name, "Shutting down")
		case <-camera.Done():
			logger.Info(name, "Capture ended")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		camera.Close()
		if n := camera.Failures(); n > 0 {
			logger.Infof(name, "Capture loop recovered from %d failures", n)
		}
		return err
	})
	return g.Wait()
}

func openDevice(cfg *config.Config) (fmp4streamer.Device, controller, error) {
	if cfg.Format() != fmp4streamer.AnnexB {
		return openCamera(cfg)
	}

	var r io.Reader = os.Stdin
	if cfg.Device.Path != "-" {
		f, err := os.Open(cfg.Device.Path)
		if err != nil {
			return nil, nil, err
		}
		r = f
	}
	return pipe.New(r, cfg.Device.Path, 0, 0), nil, nil
}

var errNoV4L2 = errors.New("V4L2 capture is only available on linux")
