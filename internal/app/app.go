package app

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"campaignbot/internal/config"
	"campaignbot/internal/delivery"
	"campaignbot/internal/pool"
	"campaignbot/internal/scheduler"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport/telegram"
	"campaignbot/internal/workflows"
	logx "campaignbot/pkg/logx"
)

// App wires config, logging, storage, the chat adapter, the execution
// pool and the scheduler into one process.
type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	store    *storage.Store
	adapter  *telegram.Adapter
	pool     *pool.Pool
	resolver *delivery.Resolver
	sched    *scheduler.Service

	cancelWatch context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.LoggingOrDefault())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	interval, err := config.ParseDurationOrDefault("pool.interval", cfg.Pool.Interval, 5*time.Second)
	if err != nil {
		return nil, err
	}
	maxConcurrent := cfg.Pool.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	p := pool.New(maxConcurrent, interval, log.With(logx.String("comp", "pool")))

	a := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		store:    store,
		adapter:  adapter,
		pool:     p,
		resolver: delivery.NewResolver(adapter, log.With(logx.String("comp", "resolver"))),
	}

	if err := a.buildScheduler(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildScheduler(cfg *config.Config) error {
	sendDelay, err := config.ParseDurationOrDefault("delivery.send_delay", cfg.Delivery.SendDelay, delivery.DefaultSendDelay)
	if err != nil {
		return err
	}
	deps := workflows.Deps{
		Client:       a.adapter,
		Store:        a.store,
		Pool:         a.pool,
		Resolver:     a.resolver,
		Logger:       a.log.With(logx.String("comp", "delivery")),
		SendDelay:    sendDelay,
		RedirectBase: cfg.Delivery.RedirectBase,
		SeedList:     cfg.Delivery.SeedList,
	}

	a.sched = scheduler.New(cfg.Scheduler.Timezone, a.log.With(logx.String("comp", "scheduler")))
	if cfg.Workflows.Comeback.Enabled {
		a.sched.Add(workflows.Comeback(deps, cfg.Workflows.Comeback))
	}
	if cfg.Workflows.RaidReminder.Enabled {
		a.sched.Add(workflows.RaidReminder(deps, cfg.Workflows.RaidReminder))
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	schedEnabled := true
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Enabled != nil {
		schedEnabled = *cfg.Scheduler.Enabled
	}
	if schedEnabled {
		if err := a.sched.Start(ctx); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled by config; no workflows will trigger")
	}

	// Config watch: only the logging block is applied live. Everything
	// else (schedules, pool sizing) needs a restart.
	watchCtx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(watchCtx, func(cfg *config.Config) {
			a.logs.Apply(cfg.LoggingOrDefault())
		})
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("campaignbot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.wg.Wait()
	a.sched.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("campaignbot stopped")
	return a.logs.Close()
}
