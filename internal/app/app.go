package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qotdbot/internal/admin"
	"qotdbot/internal/config"
	"qotdbot/internal/content"
	"qotdbot/internal/datastore"
	"qotdbot/internal/delivery/telegram"
	"qotdbot/internal/eventbus"
	"qotdbot/internal/metrics"
	"qotdbot/internal/runtime/supervisor"
	"qotdbot/internal/scheduler"
	"qotdbot/internal/tenant"
	"qotdbot/internal/timezone"
	logx "qotdbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	ds        *datastore.Manager
	watchdog  time.Duration
	tenants   *tenant.Store
	questions *content.Store
	sched     *scheduler.Service
	api       *admin.API

	ready chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	parts, err := mapDatastoreConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	ds := datastore.NewManager(parts.tunnel, parts.opener, parts.manager)
	ex := datastore.NewExecutor(ds, parts.executor)

	tenants := tenant.NewStore(ex)
	questions := content.NewStore(ex)
	bus := eventbus.New()

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	var (
		deliver scheduler.Deliverer
		opts    []scheduler.Option
	)
	if cfg.Telegram.Enabled {
		bot, err := telegram.NewBot(telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		tg := telegram.NewDeliverer(bot, questions, "", log.With(logx.String("comp", "telegram")))
		deliver = tg
		opts = append(opts, scheduler.WithDirectory(tg))
	} else {
		appLog.Warn("telegram disabled; questions are only logged")
		deliver = &logDeliverer{questions: questions, log: log.With(logx.String("comp", "dryrun"))}
	}
	sched := scheduler.New(schedCfg, tenants, deliver, log.With(logx.String("comp", "scheduler")), bus, opts...)

	api := &admin.API{
		Tenants:   tenants,
		Scheduler: sched,
		Questions: questions,
		Datastore: ds,
		Log:       log.With(logx.String("comp", "admin")),
	}

	return &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		ds:        ds,
		watchdog:  parts.watchdog,
		tenants:   tenants,
		questions: questions,
		sched:     sched,
		api:       api,
		ready:     make(chan struct{}),
	}, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Tenants() *tenant.Store { return a.tenants }

func (a *App) Questions() *content.Store { return a.questions }

// Ready is closed once the schema is migrated and triggers are bootstrapped.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start connects the datastore and launches the background loops. A failed
// first connect is not fatal: the executor keeps retrying and bootstrap runs
// once the store answers.
func (a *App) Start(ctx context.Context) error {
	metrics.Init()
	a.sup = supervisor.New(ctx, a.log.With(logx.String("comp", "supervisor")))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := timezone.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: %w", err)
			}
		}
		_, err := mapSchedulerConfig(cfg)
		return err
	})

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := a.ds.Connect(cctx)
	cancel()
	if err != nil {
		a.log.Error("datastore connect failed; will retry in background", logx.Err(err))
	}

	a.sup.Go("bootstrap", a.bootstrap)

	if a.watchdog > 0 {
		a.sup.Go("datastore.watchdog", func(c context.Context) error {
			return a.ds.Watch(c, a.watchdog)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, time.Second, 30*time.Second)

	if cfg := a.cfgm.Get(); cfg.Admin.Enabled {
		addr := strings.TrimSpace(cfg.Admin.Addr)
		if addr == "" {
			addr = "127.0.0.1:8085"
		}
		srv := &admin.Server{Addr: addr, Handler: a.api.Router(), Log: a.api.Log}
		a.sup.GoRestart("admin.http", srv.Run, time.Second, 30*time.Second)
	}

	a.log.Info("app started")
	return nil
}

func (a *App) bootstrap(ctx context.Context) error {
	start := time.Now()
	if err := a.tenants.Migrate(ctx); err != nil {
		return err
	}
	if err := a.questions.Migrate(ctx); err != nil {
		return err
	}
	if err := a.sched.Bootstrap(ctx); err != nil {
		a.log.Warn("bootstrap incomplete; tenants are armed as they are upserted", logx.Err(err))
	}
	close(a.ready)
	a.log.Info("ready", logx.Int("triggers", len(a.sched.Triggers())), logx.Duration("took", time.Since(start)))
	sdNotify(a.log, "READY=1")
	sdStatus(a.log, fmt.Sprintf("%d triggers armed", len(a.sched.Triggers())))
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if strings.HasPrefix(e.Type, scheduler.EventFiringPrefix) {
				if fe, ok := e.Data.(scheduler.FiringEvent); ok {
					sdStatus(a.log, fmt.Sprintf("last firing: tenant %s %s", fe.TenantID, fe.Outcome))
				}
			}
		}
	}
}

// reloadLoop applies hot-reloadable sections. Datastore changes only take
// effect after a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "scheduler":
			sc, err := mapSchedulerConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			a.sched.Apply(sc)
		case "datastore", "telegram", "admin":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, "STOPPING=1")

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
				limit = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Supervisor first: bootstrap may still start the scheduler.
	step("supervisor", 5*time.Second, a.sup.Stop)
	step("scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("datastore", 5*time.Second, func(context.Context) error { return a.ds.Teardown() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
