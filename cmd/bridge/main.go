package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/phone-voice-lab/internal/config"
	"github.com/phone-voice-lab/internal/logging"
	"github.com/phone-voice-lab/internal/metrics"
	"github.com/phone-voice-lab/internal/server"
	"github.com/phone-voice-lab/internal/session"
	"github.com/phone-voice-lab/internal/stt"
	"github.com/phone-voice-lab/internal/tts"
	"github.com/phone-voice-lab/llm"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.Logging.Level != "" {
		os.Setenv("LOG_LEVEL", cfg.Logging.Level)
	}
	logging.Init()
	defer logging.Sync()

	engine := buildTranscription(cfg)
	generator := llm.NewClient(cfg.LLM)
	synthesizer := tts.NewClient(cfg.TTS)

	logging.Infow("engines configured",
		"transcription", engine.Enabled(),
		"generation", generator.Enabled(),
		"synthesis", synthesizer.Enabled())

	m := metrics.New()
	coord := session.NewCoordinator(cfg, engine, generator, synthesizer, m)
	defer coord.Close()

	srv := server.New(cfg, coord, m, server.EngineStatus{
		Transcription: engine.Enabled(),
		Generation:    generator.Enabled(),
		Synthesis:     synthesizer.Enabled(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		logging.Errorw("server exited with error", "error", err)
		os.Exit(1)
	}
	logging.Infow("shutdown complete")
}

// buildTranscription returns the live engine when credentials are present,
// a no-op engine otherwise.
func buildTranscription(cfg *config.Config) stt.Engine {
	if cfg.STT.APIKey == "" {
		return stt.Disabled()
	}
	return stt.NewLiveClient(cfg.STT)
}
