// Package app — сборка сервиса: история задач, реестр WebSocket-каналов, трекеры
// прогресса, пакетный раннер, проверка сессий через gotd и HTTP-сервер.
// Отсюда же выполняется корректное завершение в обратном порядке запуска.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-web/internal/batch"
	"session-web/internal/history"
	"session-web/internal/infra/clock"
	"session-web/internal/infra/config"
	"session-web/internal/infra/lifecycle"
	"session-web/internal/infra/logger"
	"session-web/internal/infra/metrics"
	"session-web/internal/progress"
	"session-web/internal/telegram/accounts"
	"session-web/internal/web"
	"session-web/internal/ws"
)

const shutdownTimeout = 15 * time.Second

// App агрегирует подсистемы сервиса.
type App struct {
	cfg     *config.Config
	version string

	life     *lifecycle.Manager
	metrics  *metrics.Metrics
	store    *history.Store
	channels *ws.Registry
	trackers *progress.Registry
	runner   *batch.Runner
	pool     *accounts.Pool
	server   *web.Server
}

// New создаёт каркас приложения; подсистемы поднимаются в Run.
func New(cfg *config.Config, version string) *App {
	return &App{cfg: cfg, version: version, life: lifecycle.New()}
}

// Run поднимает подсистемы и обслуживает HTTP до отмены ctx или ошибки сервера.
// Перед возвратом все подсистемы останавливаются: HTTP, затем незавершённые пакеты
// (они успевают разослать итоговую сводку живым каналам), каналы, контекст запросов и история.
func (a *App) Run(ctx context.Context) error {
	logger.Info("Session Web initializing...", zap.String("version", a.version))

	// Оба контекста отменяются только при остановке, в порядке узлов lifecycle.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	batchCtx, cancelBatches := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBatches()

	if err := a.build(baseCtx, cancelBase, batchCtx, cancelBatches); err != nil {
		if stopErr := a.shutdown(ctx); stopErr != nil {
			logger.Warn("partial shutdown failed", zap.Error(stopErr))
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Debug("Shutdown signal received, stopping services...")
		return a.shutdown(ctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Session Web stopped")
	return nil
}

func (a *App) shutdown(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return a.life.Shutdown(stopCtx)
}

// build поднимает подсистемы по порядку. baseCtx — контекст HTTP-запросов и
// WebSocket-каналов, batchCtx — контекст фоновых пакетов. Остановка идёт в обратном
// порядке: пакеты отменяются и дорабатывают до сводки, пока каналы ещё открыты.
func (a *App) build(baseCtx context.Context, cancelBase context.CancelFunc, batchCtx context.Context, cancelBatches context.CancelFunc) error {
	env := a.cfg.Env
	clock.SetLocation(a.cfg.Location)

	if env.MetricsEnable {
		a.metrics = metrics.New()
	}

	err := a.life.Start(baseCtx, "history",
		func(context.Context) error {
			store, err := history.Open(env.HistoryFile)
			if err != nil {
				return errors.Wrap(err, "open history")
			}
			a.store = store
			return nil
		},
		func(context.Context) error { return a.store.Close() },
	)
	if err != nil {
		return err
	}

	err = a.life.Start(baseCtx, "requests", nil, func(context.Context) error {
		cancelBase()
		return nil
	})
	if err != nil {
		return err
	}

	a.channels = ws.NewRegistry(ws.Options{
		BacklogWarn:  env.WSBacklogWarn,
		WriteTimeout: a.cfg.WSWriteTimeout(),
		Clock:        clock.Now,
		Metrics:      a.metrics,
	})
	err = a.life.Start(baseCtx, "channels", nil, func(context.Context) error {
		a.channels.Close()
		return nil
	})
	if err != nil {
		return err
	}

	a.trackers = progress.NewRegistry(a.channels, progress.WithClock(clock.Now), progress.WithMetrics(a.metrics))
	a.runner = batch.NewRunner(batch.Options{
		Trackers:      a.trackers,
		RatePerSecond: env.BatchRPS,
		ItemTimeout:   a.cfg.ItemTimeout(),
		Sink:          a.store,
		Metrics:       a.metrics,
	})
	waitBatches := lifecycle.WaitFunc(a.runner.Wait)
	err = a.life.Start(baseCtx, "batches", nil, func(ctx context.Context) error {
		cancelBatches()
		return waitBatches(ctx)
	})
	if err != nil {
		return err
	}

	a.pool = accounts.NewPool(env.APIPairs)
	if a.pool.Len() == 0 {
		logger.Warn("no valid API credentials configured; validation requests will be rejected")
	}
	gotdLog := zap.NewNop()
	if logger.IsDebugEnabled() {
		gotdLog = logger.Named("gotd")
	}
	validator := accounts.NewValidator(accounts.ValidatorOptions{
		Pool:        a.pool,
		ThrottleRPS: env.ThrottleRPS,
		TestDC:      env.TestDC,
		Logger:      gotdLog,
		AppVersion:  a.version,
	})

	a.server = web.NewServer(env.ListenAddress, web.Deps{
		Channels:       a.channels,
		Protocol:       ws.NewHandler(a.channels),
		Trackers:       a.trackers,
		Runner:         a.runner,
		Validator:      validator,
		History:        a.store,
		Credentials:    a.pool,
		Metrics:        a.metrics,
		BaseContext:    baseCtx,
		BatchContext:   batchCtx,
		OriginPatterns: env.WSOriginPatterns,
		LogFile:        env.LogFile,
		Version:        a.version,
	})
	return a.life.Start(baseCtx, "web", nil, a.server.Shutdown)
}
