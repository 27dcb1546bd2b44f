package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/roadsafe/accident-detection-service/detections"
	"github.com/roadsafe/accident-detection-service/verdict"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(cfg *Config, logger *logrus.Logger) error {
	// The process must not start without its model
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fmt.Errorf("model file not found at %s: %w", cfg.ModelPath, err)
	}

	libPath, err := resolveLibraryPath(cfg.LibraryPath)
	if err != nil {
		return err
	}

	// Initialize ONNX Runtime
	if err := initRuntime(libPath); err != nil {
		return err
	}
	defer ort.DestroyEnvironment()

	pref, err := detections.ParseDevicePreference(cfg.Device)
	if err != nil {
		return err
	}
	device, err := detections.ResolveDevice(pref, cfg.CUDADeviceID)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"preference":   pref,
		"device":       device,
		"cpu_features": detections.CPUFeatures(),
	}).Info("Compute device resolved")

	detCfg := cfg.detectorConfig()
	layout, err := detections.InspectModel(detCfg)
	if err != nil {
		return fmt.Errorf("failed to inspect model: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"model":      detCfg.ModelPath,
		"input":      layout.InputName,
		"input_size": layout.InputSize,
		"output":     layout.OutputName,
		"classes":    layout.Output.Classes,
		"anchors":    layout.Output.Anchors,
	}).Info("Model loaded")

	newSession := func(c detections.Config, d detections.Device) (*detections.ModelSession, error) {
		return detections.NewModelSession(c, layout, d)
	}
	pool, device, err := OpenPool(cfg.PoolSize, cfg.AcquireTimeout, detCfg, pref, device, newSession, logger)
	if err != nil {
		return fmt.Errorf("failed to create model session pool: %w", err)
	}
	defer pool.Destroy()

	state := &AppState{
		Device:        device,
		Host:          pool,
		Policy:        verdict.DefaultPolicy(),
		Log:           logger,
		MaxFrameBytes: cfg.MaxFrameBytes,
		CPUFeatures:   detections.CPUFeatures(),
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	}
	srv.RegisterOnShutdown(state.streams.closeAll)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s (device %s, pool size %d)", srv.Addr, device, pool.Stats().Size)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)

	// Streams must finish before the pool and runtime are torn down.
	state.streams.closeAll()
	if werr := state.streams.wait(shutdownCtx); werr != nil {
		logger.WithError(werr).Warn("Streams still open at shutdown")
	}
	return err
}
