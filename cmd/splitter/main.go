// Command splitter captures frames from the first camera and publishes them
// on a shared-memory service for any number of local subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adamlouis/splitter/camera"
	"github.com/adamlouis/splitter/config"
	"github.com/adamlouis/splitter/logging"
	"github.com/adamlouis/splitter/publisher"
	"github.com/adamlouis/splitter/shm"
	"github.com/adamlouis/splitter/snapshot"
	"github.com/adamlouis/splitter/status"
)

const (
	snapshotRoute   = "/snapshot.{ext:jpg|jpeg|png|gif}"
	snapshotTimeout = 2 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.LoadPublisher(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "splitter: %v\n", err)
		return 2
	}
	log := logging.New(os.Stderr, cfg.LogLevel)
	log.Info().Str("config", cfg.String()).Msg("Splitter starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := shm.OpenOrCreate(cfg.Service, shm.WithDir(cfg.ShmDir), shm.WithSlots(cfg.Slots))
	if err != nil {
		log.Error().Err(err).Msg("Failed to open shared memory")
		return 1
	}
	defer svc.Close()

	mgr, err := newManager(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start camera manager")
		return 1
	}
	defer mgr.Close()

	pub := publisher.New(publisher.Config{
		Width:       cfg.Width,
		Height:      cfg.Height,
		BufferCount: cfg.BufferCount,
	}, mgr, svc, log)
	defer pub.Close()

	if err := pub.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Startup failed")
		return 1
	}

	if cfg.StatusAddr != "" {
		router := status.NewRouter(func() any { return pub.Stats() }, nil)
		snapper, err := snapshot.NewSnapper(svc)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open snapshot port")
			return 1
		}
		defer snapper.Close()
		router.Handle(snapshotRoute, snapshot.Handler(snapper, snapshotTimeout, log))
		srv := status.New(cfg.StatusAddr, router, log)
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start status server")
			return 1
		}
		defer shutdown(srv, log)
	}

	if err := pub.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Capture failed")
		return 1
	}
	st := pub.Stats()
	log.Info().
		Uint64("published", st.Published).
		Uint64("dropped", st.Oversize+st.LoanFailures).
		Msg("Shutting down")
	return 0
}

func newManager(cfg *config.Publisher) (camera.Manager, error) {
	if !cfg.IsSynthetic() {
		return camera.NewV4L2Manager(cfg.DeviceDir)
	}
	format, err := cfg.SyntheticPixelFormat()
	if err != nil {
		return nil, err
	}
	sc := camera.DefaultSyntheticConfig()
	sc.FPS = cfg.SyntheticFPS
	sc.Format = format
	sc.Pattern = cfg.SyntheticPattern
	sc.StrideAlign = cfg.SyntheticStrideAlign
	return camera.NewSyntheticManager(sc)
}

func shutdown(srv *status.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Status server shutdown")
	}
}
