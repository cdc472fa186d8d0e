package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"qotdbot/internal/eventbus"
	"qotdbot/internal/metrics"
	"qotdbot/internal/timezone"
	logx "qotdbot/pkg/logx"
)

// maintenanceSpec re-resolves triggers just after local midnight.
const maintenanceSpec = "5 0 * * *"

func New(cfg Config, src ConfigSource, deliver Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		src:      src,
		deliver:  deliver,
		now:      time.Now,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		triggers: map[string]*trigger{},
	}
	for _, o := range opts {
		o(s)
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())

	s.mu.Lock()
	s.reloadZoneLocked()
	s.applyLimiterLocked()
	s.mu.Unlock()
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A process zone change re-resolves every trigger
// and restarts cron in the new location; toggling Enabled starts or stops
// cron without touching the trigger set.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	s.applyLimiterLocked()

	tzChanged := strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !s.started {
		if tzChanged {
			s.reloadZoneLocked()
		}
		return
	}
	switch {
	case !cfg.Enabled && s.c != nil:
		s.stopCronLocked()
		if tzChanged {
			s.reloadZoneLocked()
		}
		s.log.Info("service paused", logx.Int("triggers", len(s.triggers)))
	case cfg.Enabled && s.c == nil:
		if tzChanged {
			s.reloadZoneLocked()
		}
		s.startCronLocked()
		s.log.Info("service resumed", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
	case cfg.Enabled && (tzChanged || old.ReresolveDaily != cfg.ReresolveDaily):
		s.restartLocked(tzChanged)
	case !cfg.Enabled && tzChanged:
		// paused: re-resolve now so a later resume arms the new times
		s.reloadZoneLocked()
	}
}

// Start arms every known trigger and starts cron. Triggers created before
// Start are kept and armed here.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // firings run under the service's own base context, not the caller's

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if s.base.Err() != nil {
		s.base, s.cancelBase = context.WithCancel(context.Background())
	}
	if !s.cfg.Enabled {
		s.log.Info("service disabled; triggers kept unarmed", logx.Int("triggers", len(s.triggers)))
		return
	}
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

// Stop stops cron and waits for running firings until ctx is done, then
// cancels whatever is still in flight. The trigger set is kept.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.detachLocked()
	s.started = false
	cancel := s.cancelBase
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	cancel()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() {
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	for _, tr := range s.triggers {
		if err := s.armLocked(tr); err != nil {
			s.log.Error("trigger register failed", logx.String("tenant", tr.tenantID), logx.Err(err))
		}
	}
	if s.cfg.ReresolveDaily {
		id, err := s.c.AddFunc(maintenanceSpec, func() { s.Reresolve() })
		if err != nil {
			s.log.Error("maintenance register failed", logx.Err(err))
		}
		s.maintID = id
	}
	s.c.Start()
	metrics.TriggersArmed.Set(float64(len(s.triggers)))
}

// stopCronLocked stops dispatch without waiting: running firings take s.mu.
func (s *Service) stopCronLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.detachLocked()
}

func (s *Service) detachLocked() {
	s.c = nil
	s.maintID = 0
	for _, tr := range s.triggers {
		tr.entryID = 0
	}
}

func (s *Service) restartLocked(reload bool) {
	s.stopCronLocked()
	if reload {
		s.reloadZoneLocked()
	}
	s.startCronLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

// reloadZoneLocked loads the process zone and re-resolves every trigger
// clock against it.
func (s *Service) reloadZoneLocked() {
	s.loc = s.loadLocationLocked()
	s.resolver = &timezone.Resolver{Local: s.loc, Now: s.now}
	for _, tr := range s.triggers {
		clock, err := s.resolver.Resolve(tr.zone, tr.hour)
		if err != nil {
			s.log.Warn("trigger re-resolve failed", logx.String("tenant", tr.tenantID), logx.Err(err))
			continue
		}
		tr.clock = clock
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := timezone.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) applyLimiterLocked() {
	n := s.cfg.DeliveryRatePerSec
	switch {
	case n <= 0:
		s.limiter = nil
	case s.limiter == nil:
		s.limiter = rate.NewLimiter(rate.Limit(n), n)
	default:
		s.limiter.SetLimit(rate.Limit(n))
		s.limiter.SetBurst(n)
	}
}

// armLocked replaces tr's cron entry with one at tr.clock and bumps its
// generation. Without a running cron only the generation changes; Start
// adds the entry later.
func (s *Service) armLocked(tr *trigger) error {
	if s.c != nil && tr.entryID != 0 {
		s.c.Remove(tr.entryID)
	}
	tr.entryID = 0
	s.seq++
	tr.gen = s.seq
	tr.armedAt = s.now()
	if s.c == nil {
		return nil
	}

	id, gen := tr.tenantID, tr.gen
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).
		Then(cron.FuncJob(func() { s.fire(id, gen) }))
	eid, err := s.c.AddJob(tr.clock.CronSpec(), job)
	if err != nil {
		return err
	}
	tr.entryID = eid
	if next := s.previewNextRunsLocked(tr.clock.CronSpec(), 2); next != "" {
		s.log.Debug("trigger registered", logx.String("tenant", id), logx.String("clock", tr.clock.String()), logx.String("next", next))
	}
	return nil
}

// removeLocked drops the trigger and invalidates any firing already
// dispatched for it.
func (s *Service) removeLocked(tenantID string) bool {
	tr, ok := s.triggers[tenantID]
	if !ok {
		return false
	}
	if s.c != nil && tr.entryID != 0 {
		s.c.Remove(tr.entryID)
	}
	s.seq++
	tr.gen = s.seq
	tr.entryID = 0
	delete(s.triggers, tenantID)
	metrics.TriggersArmed.Set(float64(len(s.triggers)))
	return true
}

// previewNextRunsLocked returns upcoming run times for spec in the process
// zone, only when debug logging is on.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := s.now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
