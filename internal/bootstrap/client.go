package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/stylestream/internal/framestore"
	"github.com/eleven-am/stylestream/internal/gpu"
	"github.com/eleven-am/stylestream/internal/metrics"
	"github.com/eleven-am/stylestream/internal/runner"
	"github.com/eleven-am/stylestream/internal/session"
	"github.com/eleven-am/stylestream/internal/settings"
	"github.com/eleven-am/stylestream/internal/transport"
	"go.uber.org/fx"
)

const deviceQueueSize = 64

func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

func ProvideDevice(lc fx.Lifecycle, logger *slog.Logger) *gpu.Device {
	device := gpu.NewDevice(logger, deviceQueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			device.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			device.Close()
			cancel()
			return nil
		},
	})
	return device
}

func ProvideViewSource() gpu.ViewSource {
	return &gpu.OrbitView{
		Radius: 400,
		Height: 150,
		Period: 20 * time.Second,
		FOV:    90,
		Start:  time.Now(),
	}
}

func ProvideController(
	cfg *Config,
	settingsStore *settings.Store,
	device *gpu.Device,
	view gpu.ViewSource,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*session.Controller, error) {
	stored, err := settingsStore.Load(context.Background())
	if err != nil {
		return nil, err
	}

	ctrl := session.NewController(cfg.SessionConfig(stored.APIKey, stored.ServerURL), session.Deps{
		Transport: transport.NewFactory(transport.Config{}, logger),
		Device:    device,
		Scene:     gpu.TestPattern{},
		Metrics:   m,
		Logger:    logger,
	})
	ctrl.SetViewSource(view)

	if cfg.AutoStart {
		ctrl.Connected.Subscribe(func(sessionID string) {
			if err := ctrl.StartStreaming(); err != nil {
				logger.Warn("auto start streaming failed", "error", err, "session_id", sessionID)
			}
		})
	}
	return ctrl, nil
}

func ProvideRunner(
	lc fx.Lifecycle,
	cfg *Config,
	ctrl *session.Controller,
	recorder *framestore.Recorder,
	logger *slog.Logger,
) *runner.Runner {
	r := runner.New(runner.Config{TickRate: cfg.TickRate}, ctrl, recorder, logger)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			r.Start(ctx)
			if !cfg.AutoStart {
				return nil
			}
			return r.Do(startCtx, func(c *session.Controller) error {
				c.Connect()
				return nil
			})
		},
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			return r.Stop(stopCtx)
		},
	})
	return r
}

var ClientModule = fx.Options(
	fx.Provide(
		ProvideMetrics,
		ProvideDevice,
		ProvideViewSource,
		ProvideController,
		ProvideRunner,
	),
)
