package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/eleven-am/stylestream/internal/control"
	"github.com/eleven-am/stylestream/internal/framestore"
	"github.com/eleven-am/stylestream/internal/metrics"
	"github.com/eleven-am/stylestream/internal/runner"
	"github.com/eleven-am/stylestream/internal/settings"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
)

var defaultCORSConfig = middleware.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodPut,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	},
	AllowHeaders: []string{
		"Accept",
		"Content-Type",
		"X-Requested-With",
	},
	MaxAge: 86400,
}

func ProvideRateLimiter(lc fx.Lifecycle, cfg *Config) *control.RateLimiter {
	rl := control.NewRateLimiter(control.RateLimiterConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			rl.Close()
			return nil
		},
	})
	return rl
}

func NewEchoServer(rl *control.RateLimiter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(defaultCORSConfig))
	e.Use(rl.Middleware())
	return e
}

func ProvideControlHandler(
	r *runner.Runner,
	settingsStore *settings.Store,
	frames *framestore.Store,
	recorder *framestore.Recorder,
	m *metrics.Metrics,
	logger *slog.Logger,
) *control.Handler {
	return control.NewHandler(r, settingsStore, frames, recorder, m, logger)
}

func RegisterControlRoutes(e *echo.Echo, h *control.Handler) {
	h.RegisterRoutes(e)
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("control api listening", "addr", cfg.ControlAddr)
				if err := e.Start(cfg.ControlAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("control api stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(
		ProvideRateLimiter,
		NewEchoServer,
		ProvideControlHandler,
	),
	fx.Invoke(RegisterControlRoutes, StartServer),
)

func Run() {
	fx.New(
		fx.Provide(LoadConfig),
		InfrastructureModule,
		StoresModule,
		ClientModule,
		ServerModule,
		HealthModule,
	).Run()
}
