package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/stylestream/internal/framestore"
	"github.com/eleven-am/stylestream/internal/settings"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideSettingsStore(db *gorm.DB) *settings.Store {
	return settings.NewStore(db)
}

func ProvideFrameStore(redisClient *redis.Client, cfg *Config) *framestore.Store {
	if redisClient == nil {
		return nil
	}
	return framestore.NewStore(redisClient, time.Duration(cfg.FrameTTLSeconds)*time.Second)
}

// ProvideRecorder starts frame recording with the stored consent. It
// returns nil when no frame store is configured.
func ProvideRecorder(lc fx.Lifecycle, store *framestore.Store, settingsStore *settings.Store, logger *slog.Logger) *framestore.Recorder {
	if store == nil {
		return nil
	}
	rec := framestore.NewRecorder(store, logger, 0)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if s, err := settingsStore.Load(startCtx); err == nil {
				rec.SetEnabled(s.StoreCapturesOnline)
			}
			if err := store.Ping(startCtx); err != nil {
				logger.Warn("frame store unreachable, recording will fail", "error", err)
			}
			rec.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			rec.Close()
			cancel()
			return nil
		},
	})
	return rec
}

func RunMigrations(settingsStore *settings.Store) error {
	return settingsStore.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideSettingsStore,
		ProvideFrameStore,
		ProvideRecorder,
	),
	fx.Invoke(RunMigrations),
)
