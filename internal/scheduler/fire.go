package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"qotdbot/internal/metrics"
	"qotdbot/internal/tenant"
	logx "qotdbot/pkg/logx"
)

// errDeliveryRefused marks a Deliverer that returned false without an error.
var errDeliveryRefused = errors.New("delivery reported failure")

// fire is the cron job body for one trigger generation.
func (s *Service) fire(tenantID string, gen uint64) Outcome {
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	s.mu.Lock()
	tr := s.triggers[tenantID]
	current := tr != nil && tr.gen == gen
	base := s.base
	timeout := s.cfg.FiringTimeout
	s.mu.Unlock()

	if !current {
		s.log.Debug("stale firing dropped", logx.String("tenant", tenantID), logx.Uint64("gen", gen))
		metrics.Firings.WithLabelValues(string(OutcomeStale)).Inc()
		return OutcomeStale
	}

	ctx, cancel := withTimeout(base, timeout)
	defer cancel()
	out, _ := s.run(ctx, tenantID, false)

	s.mu.Lock()
	if s.triggers[tenantID] == tr {
		tr.fires++
		tr.lastOutcome = out
		tr.lastFiredAt = s.now()
	}
	s.mu.Unlock()
	return out
}

// FireNow delivers to tenantID immediately, regardless of its enabled flag
// and without touching its trigger. It waits for a running firing of the
// same tenant.
func (s *Service) FireNow(ctx context.Context, tenantID string) (Outcome, error) {
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	s.mu.Lock()
	timeout := s.cfg.FiringTimeout
	s.mu.Unlock()

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return s.run(ctx, tenantID, true)
}

// run performs one firing. Scheduled firings honour the enabled flag and
// remove the trigger once the tenant is gone; manual ones only report.
func (s *Service) run(ctx context.Context, tenantID string, manual bool) (Outcome, error) {
	ev := FiringEvent{TenantID: tenantID, FiringID: uuid.NewString(), Manual: manual}
	log := s.log.With(logx.String("tenant", tenantID), logx.String("firing", ev.FiringID))

	c, err := s.src.Get(ctx, tenantID)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		if manual {
			return s.finish(log, ev, OutcomeFailed, err)
		}
		s.dropGone(log, tenantID, "config row missing")
		return s.finish(log, ev, OutcomeRemoved, nil)
	case err != nil:
		return s.finish(log, ev, OutcomeFailed, fmt.Errorf("read config: %w", err))
	case !manual && !c.Enabled:
		log.Debug("firing skipped; tenant disabled")
		return s.finish(log, ev, OutcomeSkipped, nil)
	}

	if !manual && s.dir != nil {
		exists, err := s.dir.Exists(ctx, tenantID)
		switch {
		case err != nil:
			log.Warn("directory check failed; delivering anyway", logx.Err(err))
		case !exists:
			s.dropGone(log, tenantID, "tenant left upstream")
			return s.finish(log, ev, OutcomeRemoved, nil)
		}
	}

	if lim := s.currentLimiter(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return s.finish(log, ev, OutcomeFailed, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	ok, err := s.safeDeliver(ctx, log, tenantID, c.DeliveryTarget)
	switch {
	case errors.Is(err, ErrTenantGone):
		if manual {
			return s.finish(log, ev, OutcomeFailed, err)
		}
		s.dropGone(log, tenantID, err.Error())
		return s.finish(log, ev, OutcomeRemoved, nil)
	case err != nil:
		return s.finish(log, ev, OutcomeFailed, err)
	case !ok:
		return s.finish(log, ev, OutcomeFailed, errDeliveryRefused)
	}
	return s.finish(log, ev, OutcomeDelivered, nil)
}

func (s *Service) safeDeliver(ctx context.Context, log logx.Logger, tenantID, target string) (ok bool, err error) {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			log.Error("delivery panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			ok, err = false, fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return s.deliver.Deliver(ctx, tenantID, target)
}

// dropGone removes the trigger from inside a firing; the tenant lock is
// already held.
func (s *Service) dropGone(log logx.Logger, tenantID, reason string) {
	s.mu.Lock()
	removed := s.removeLocked(tenantID)
	s.mu.Unlock()
	if removed {
		log.Info("trigger removed; tenant gone", logx.String("reason", reason))
		s.publish(EventTriggerCancelled, TriggerEvent{TenantID: tenantID})
	}
}

func (s *Service) finish(log logx.Logger, ev FiringEvent, out Outcome, err error) (Outcome, error) {
	ev.Outcome = out
	if err != nil {
		ev.Err = err.Error()
	}
	metrics.Firings.WithLabelValues(string(out)).Inc()
	s.publish(EventFiringPrefix+string(out), ev)

	switch out {
	case OutcomeDelivered:
		log.Info("firing delivered", logx.Bool("manual", ev.Manual))
	case OutcomeFailed:
		log.Warn("firing failed", logx.Bool("manual", ev.Manual), logx.Err(err))
	default:
		log.Debug("firing finished", logx.String("outcome", string(out)))
	}
	return out, err
}

func (s *Service) currentLimiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
