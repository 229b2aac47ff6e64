// Command streamer subscribes to the frames published by splitter and
// pipes them through ffmpeg to an RTSP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/adamlouis/splitter/config"
	"github.com/adamlouis/splitter/encoder"
	"github.com/adamlouis/splitter/logging"
	"github.com/adamlouis/splitter/shm"
	"github.com/adamlouis/splitter/snapshot"
	"github.com/adamlouis/splitter/status"
	"github.com/adamlouis/splitter/subscriber"
)

var errNoPublisher = errors.New("no publisher")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.LoadStreamer(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamer: %v\n", err)
		return 2
	}
	log := logging.New(os.Stderr, cfg.LogLevel)
	log.Info().Str("config", cfg.String()).Msg("Streamer starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := shm.Open(cfg.Service, shm.WithDir(cfg.ShmDir))
	if err != nil {
		log.Error().Err(err).Msg("Failed to open shared memory, is splitter running?")
		return 1
	}
	defer svc.Close()

	enc := encoder.DefaultConfig()
	enc.Binary = cfg.Encoder
	enc.URL = cfg.URL
	enc.FPS = cfg.FPS
	enc.GOP = cfg.GOP
	enc.Preset = cfg.Preset
	enc.Tune = cfg.Tune

	st := subscriber.New(subscriber.Config{
		FirstFramePoll: cfg.FirstFramePoll,
		IdlePoll:       cfg.IdlePoll,
	}, svc, encoder.NewExec(enc), log)

	if cfg.StatusAddr != "" {
		health := func() error {
			if !svc.PublisherAlive() {
				return errNoPublisher
			}
			return nil
		}
		router := status.NewRouter(func() any { return st.Stats() }, health)
		snapper, err := snapshot.NewSnapper(svc)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open snapshot port")
			return 1
		}
		defer snapper.Close()
		router.Handle("/snapshot.{ext:jpg|jpeg|png|gif}", snapshot.Handler(snapper, 2*time.Second, log))
		srv := status.New(cfg.StatusAddr, router, log)
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start status server")
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	log.Info().Str("url", enc.URL).Msg("Streaming")
	if err := st.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Streaming failed")
		return 1
	}
	s := st.Stats()
	log.Info().
		Uint64("streamed", s.Streamed).
		Uint64("lost", s.Lost).
		Msg("Streamer stopped")
	return 0
}
