package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/capture"
	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/engine"
	"github.com/zsiec/refract/internal/session"
	quicsession "github.com/zsiec/refract/internal/session/quic"
	rtmpsession "github.com/zsiec/refract/internal/session/rtmp"
	srtsession "github.com/zsiec/refract/internal/session/srt"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "refract.yaml", "path to configuration file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("refract starting",
		"version", version,
		"output", cfg.Output.URI,
		"video", fmt.Sprintf("%dx%d@%d", cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS),
		"bitrate", cfg.Video.Bitrate,
		"audio", cfg.Audio.Enabled,
		"adaptive", cfg.Output.Adaptive,
	)

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("broadcast error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	engCfg := engine.Config{
		Params: session.Params{
			URI:             cfg.Output.URI,
			Width:           cfg.Video.Width,
			Height:          cfg.Video.Height,
			FrameDuration:   cfg.FrameDuration(),
			Bitrate:         cfg.Video.Bitrate,
			AudioSampleRate: cfg.Audio.SampleRate,
			Stereo:          cfg.Audio.Stereo,
			ChunkSize:       cfg.Output.ChunkSize,
			LogLevel:        cfg.Output.LogLevel,
			LogFacility:     cfg.Output.LogFacility,
			LogFile:         cfg.Output.LogFile,
			AutoReconnect:   cfg.Output.AutoReconnect,
			StatsInterval:   cfg.Output.StatsInterval.Std(),
		},
		Audio:           cfg.Audio.Enabled,
		AdaptiveBitrate: cfg.Output.Adaptive,
		GOP:             cfg.Video.GOP,
	}

	sess, err := newSession(cfg, engCfg)
	if err != nil {
		return err
	}

	eng := engine.New(engCfg, nil)
	if err := eng.Start(sess); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-eng.Done():
			// Session reached a terminal state on its own.
			return errors.New("session terminated")
		case <-ctx.Done():
			return nil
		}
	})

	pattern := capture.NewPattern(capture.PatternConfig{
		Width:         cfg.Video.Width,
		Height:        cfg.Video.Height,
		FrameDuration: cfg.FrameDuration(),
	}, nil)
	pattern.SetSampleOutput(eng.VideoInput())
	g.Go(func() error { return pattern.Run(ctx) })

	if cfg.Audio.Enabled {
		tone := capture.NewTone(capture.ToneConfig{
			SampleRate:    cfg.Audio.SampleRate,
			Stereo:        cfg.Audio.Stereo,
			FrameDuration: cfg.FrameDuration(),
		}, nil)
		tone.SetSampleOutput(eng.AudioInput())
		g.Go(func() error { return tone.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		done := make(chan struct{})
		eng.Stop(func() { close(done) })
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("engine stop timed out")
		}
		return nil
	})

	err = g.Wait()
	if !eng.Wait(5 * time.Second) {
		slog.Warn("engine did not wind down")
	}
	return err
}

// newSession builds a transport session matching the output URI scheme.
func newSession(cfg *config.Config, engCfg engine.Config) (session.Session, error) {
	u, err := url.Parse(cfg.Output.URI)
	if err != nil {
		return nil, fmt.Errorf("parse output URI: %w", err)
	}
	descs := engine.StreamDescriptors(engCfg)

	switch u.Scheme {
	case "rtmp":
		return rtmpsession.New(nil), nil
	case "srt":
		return srtsession.New(descs, nil), nil
	case "quic":
		var tlsConf *tls.Config
		if cfg.Output.SkipVerify {
			tlsConf = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
		}
		return quicsession.New(descs, tlsConf, nil), nil
	default:
		return nil, fmt.Errorf("unsupported output scheme %q", u.Scheme)
	}
}
