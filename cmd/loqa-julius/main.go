package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-julius/internal/config"
	"github.com/loqalabs/loqa-julius/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath     string
		showVersion    bool
		transcribePath string
		mode           string
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&transcribePath, "transcribe", "", "Transcribe a PCM or WAV file, print the result and exit")
	flag.StringVar(&mode, "mode", "", "Mode hint passed with -transcribe")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if transcribePath != "" {
		// Logs go to stderr so stdout carries only the result.
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))
		if err := transcribeFile(ctx, cfg, logger, transcribePath, mode); err != nil {
			logger.Error("transcription failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))
	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func transcribeFile(ctx context.Context, cfg config.Config, logger *slog.Logger, path, mode string) error {
	cfg.STT.Enabled = true
	transcriber, _, err := runtime.NewTranscriber(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if transcriber == nil {
		return errors.New("no transcriber available")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	texts, err := transcriber.Transcribe(ctx, f, mode)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		File  string   `json:"file"`
		Mode  string   `json:"mode,omitempty"`
		Texts []string `json:"texts"`
	}{path, mode, texts})
}
