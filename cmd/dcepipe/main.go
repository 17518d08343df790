// Command dcepipe is the tender dossier pipeline daemon.
//
// Usage:
//
//	dcepipe -config dcepipe.yaml -serve          # HTTP API
//	dcepipe -config dcepipe.yaml -date 2026-08-22  # one-shot harvest
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dcepipe/classify"
	"github.com/hazyhaar/dcepipe/dossier"
	"github.com/hazyhaar/dcepipe/extract"
	"github.com/hazyhaar/dcepipe/genai"
	"github.com/hazyhaar/dcepipe/harvest"
	"github.com/hazyhaar/dcepipe/ocr"
	"github.com/hazyhaar/dcepipe/service"
	"github.com/hazyhaar/dcepipe/store"
)

type fileConfig struct {
	Listen   string         `yaml:"listen"`
	Database string         `yaml:"database"`
	Harvest  harvest.Config `yaml:"harvest"`
	OCR      struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"ocr"`
	GenAI genai.Config `yaml:"genai"`
}

func (c *fileConfig) defaults() {
	if c.Listen == "" {
		c.Listen = ":8460"
	}
	if c.Database == "" {
		c.Database = "dcepipe.db"
	}
}

func loadConfig(path string) (*fileConfig, error) {
	var cfg fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.defaults()
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to dcepipe.yaml config file")
	serve := flag.Bool("serve", false, "run the HTTP API")
	date := flag.String("date", "", "one-shot harvest for this date (YYYY-MM-DD, default yesterday)")
	endDate := flag.String("end", "", "one-shot harvest window end (YYYY-MM-DD, default same as -date)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *serve, *date, *endDate); err != nil {
		logger.Error("dcepipe: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, serve bool, date, endDate string) error {
	if !serve && date == "" {
		fmt.Fprintln(os.Stderr, "usage: dcepipe -config <file> [-serve | -date YYYY-MM-DD [-end YYYY-MM-DD]]")
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	svc, db, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if serve {
		return runServe(ctx, logger, cfg.Listen, svc)
	}
	return runOnce(ctx, logger, svc, date, endDate)
}

func buildService(cfg *fileConfig, logger *slog.Logger) (*service.Service, *store.Store, error) {
	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	var recognizer extract.Recognizer
	if cfg.OCR.BaseURL != "" {
		recognizer = ocr.New(ocr.Config{
			BaseURL: cfg.OCR.BaseURL,
			Timeout: cfg.OCR.Timeout,
			Logger:  logger,
		})
	}

	var labeler classify.Labeler
	var metadata service.MetadataExtractor
	if cfg.GenAI.BaseURL != "" {
		cfg.GenAI.Logger = logger
		client := genai.New(cfg.GenAI)
		labeler = client
		metadata = client
	}

	pipeline := dossier.New(dossier.Config{
		Classifier: classify.New(classify.Config{Labeler: labeler, Logger: logger}),
		Dispatcher: extract.New(extract.Config{Recognizer: recognizer, Logger: logger}),
		Logger:     logger,
	})

	cfg.Harvest.Logger = logger
	harvester := harvest.New(cfg.Harvest)

	svc := service.New(service.Config{
		Harvester: harvester,
		Pipeline:  pipeline,
		Store:     db,
		Metadata:  metadata,
		Logger:    logger,
	})
	return svc, db, nil
}

func runServe(ctx context.Context, logger *slog.Logger, listen string, svc *service.Service) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("dcepipe: listening", "addr", listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("dcepipe: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, svc *service.Service, date, endDate string) error {
	var rng harvest.DateRange
	var err error
	if rng.Start, err = time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}
	if endDate != "" {
		if rng.End, err = time.Parse(time.DateOnly, endDate); err != nil {
			return fmt.Errorf("invalid -end: %w", err)
		}
	}

	runID, done, err := svc.BeginHarvest(ctx, rng)
	if err != nil {
		return err
	}
	logger.Info("dcepipe: run started", "run_id", runID)

	select {
	case <-done:
		logger.Info("dcepipe: run finished", "run_id", runID)
		return nil
	case <-ctx.Done():
		logger.Warn("dcepipe: interrupted, waiting for run to settle", "run_id", runID)
		<-done
		return ctx.Err()
	}
}
