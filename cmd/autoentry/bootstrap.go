package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/config"
	"github.com/garyjia/erp-autoentry/internal/container"
	"github.com/garyjia/erp-autoentry/pkg/utils"
)

// app is a started container with its logger
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	container *container.Container
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
		RunLogPath: cfg.Logger.RunLogPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// startApp loads configuration and starts the container. The caller must
// call close.
func startApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}

	c, err := container.NewContainer(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, container: c}
	if err := c.Start(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if err := a.container.Close(); err != nil {
		a.logger.Error("Shutdown finished with errors", zap.Error(err))
	}
	_ = a.logger.Sync()
}
