// Package app 按配置组装激活服务运行时，供各个命令复用
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"github.com/qs3c/license_go_server/config"
	"github.com/qs3c/license_go_server/internal/database"
	"github.com/qs3c/license_go_server/internal/pkg/cache"
	"github.com/qs3c/license_go_server/internal/pkg/license"
	"github.com/qs3c/license_go_server/internal/pkg/metrics"
	"github.com/qs3c/license_go_server/internal/pkg/notify"
	"github.com/qs3c/license_go_server/internal/repository"
	"github.com/qs3c/license_go_server/internal/service"
)

const memoryJanitorInterval = time.Minute

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *gorm.DB
	Store      *repository.Store
	Redis      *redis.Client // 未配置 Redis 时为 nil
	Cache      cache.Cache
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Activation *service.ActivationService
	Sweeper    *service.SweepService

	closers []func() error
}

// NewLogger release 模式输出 JSON，其它模式输出文本
func NewLogger(mode string) *slog.Logger {
	if mode == "release" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// New 连接存储、缓存、投递器并加载签名密钥；出错时已打开的资源会被关闭
func New(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = NewLogger(cfg.Server.Mode)
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, err = database.NewDB(&cfg.Database, cfg.Server.Mode)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.onClose(func() error {
		sqlDB, err := a.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err = database.Migrate(a.DB); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Store = repository.NewStore(a.DB)

	if cfg.Redis.Host != "" {
		a.Redis, err = database.NewRedis(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.onClose(a.Redis.Close)
		a.Cache = cache.NewRedisCache(a.Redis, cfg.Redis.OpTimeout)
	} else {
		memory := cache.NewMemoryCache(cfg.Cache.MemoryMaxEntries, memoryJanitorInterval)
		a.onClose(func() error { memory.Stop(); return nil })
		a.Cache = memory
		logger.Info("redis not configured, using in-process cache", "max_entries", cfg.Cache.MemoryMaxEntries)
	}

	a.Notifier, err = notify.New(&cfg.Notify, a.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	a.onClose(a.Notifier.Close)

	signer, err := license.LoadSigner(cfg.License.PrivateKeyPath, cfg.License.PrivateKeyPassphrase, cfg.License.Issuer)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	opts := []service.Option{
		service.WithCache(a.Cache),
		service.WithNotifier(a.Notifier),
		service.WithMetrics(a.Metrics),
		service.WithLogger(logger),
	}
	if cfg.License.PublicKeyPath != "" {
		verifier, err := license.LoadVerifier(cfg.License.PublicKeyPath, cfg.License.Issuer)
		if err != nil {
			return nil, fmt.Errorf("load verify key: %w", err)
		}
		opts = append(opts, service.WithVerifier(verifier))
	}

	a.Activation = service.NewActivationService(cfg, a.Store, signer, opts...)
	a.Sweeper = service.NewSweepService(a.Store, a.Cache, a.Notifier, a.Metrics, logger, cfg.Sweeper.BatchSize, nil)
	return a, nil
}

// Subscribe pubsub 模式下监听其它实例的事件并清理本地缓存，直到 ctx 取消
//
// 其它投递方式没有广播语义，直接阻塞到 ctx 取消。
func (a *App) Subscribe(ctx context.Context) error {
	if a.Config.Notify.Driver != "pubsub" || a.Redis == nil {
		<-ctx.Done()
		return nil
	}
	publisher := notify.NewPublisher(a.Redis, a.Config.Notify.Queue)
	err := publisher.Subscribe(ctx, func(event *notify.Event) {
		a.Activation.ApplyEvent(ctx, event)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 按打开的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
