package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"qotdbot/internal/metrics"
	"qotdbot/internal/tenant"
	logx "qotdbot/pkg/logx"
)

// Bootstrap loads every tenant, arms a trigger for each schedulable one and
// starts cron. A tenant whose row cannot be read or whose trigger cannot be
// built is logged and skipped. Cron is started even when listing fails so
// later Upsert calls still arm.
func (s *Service) Bootstrap(ctx context.Context) error {
	start := time.Now()
	armed, skipped, failed := 0, 0, 0

	cfgs, err := s.src.List(ctx)
	var rowErrs *tenant.ListError
	switch {
	case errors.As(err, &rowErrs):
		for _, r := range rowErrs.Rows {
			failed++
			s.log.Warn("bootstrap: tenant row unreadable", logx.String("tenant", r.TenantID), logx.Err(r.Err))
		}
	case err != nil:
		s.log.Error("bootstrap: tenant list failed", logx.Err(err))
		s.Start(ctx)
		return fmt.Errorf("scheduler bootstrap: %w", err)
	}

	for _, c := range cfgs {
		if !c.Schedulable() {
			skipped++
			s.log.Debug("bootstrap: tenant not schedulable",
				logx.String("tenant", c.TenantID), logx.Bool("enabled", c.Enabled),
				logx.String("zone", c.Zone()), logx.Int("hour", c.Hour()))
			continue
		}
		unlock := s.locks.Lock(c.TenantID)
		_, err := s.arm(c)
		unlock()
		if err != nil {
			failed++
			s.log.Warn("bootstrap: trigger build failed", logx.String("tenant", c.TenantID), logx.Err(err))
			continue
		}
		armed++
	}

	s.Start(ctx)
	s.log.Info("bootstrap complete",
		logx.Int("tenants", len(cfgs)), logx.Int("armed", armed),
		logx.Int("skipped", skipped), logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)))
	return nil
}

// Upsert re-reads tenantID's config and arms or rearms its trigger. When the
// tenant is missing, disabled or incomplete the call is a no-op and an
// existing trigger keeps its last resolved time; use Cancel to remove it.
// An unknown zone surfaces as timezone.ErrInvalidTimeZone.
func (s *Service) Upsert(ctx context.Context, tenantID string) error {
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	c, err := s.src.Get(ctx, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		s.log.Debug("upsert: tenant not found", logx.String("tenant", tenantID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler upsert %s: %w", tenantID, err)
	}
	if !c.Schedulable() {
		s.log.Debug("upsert: tenant not schedulable; keeping existing trigger",
			logx.String("tenant", tenantID), logx.Bool("enabled", c.Enabled))
		return nil
	}
	rearmed, err := s.arm(c)
	if err != nil {
		return err
	}
	if t, ok := s.Trigger(tenantID); ok {
		s.log.Info("trigger armed",
			logx.String("tenant", tenantID), logx.String("zone", t.Zone), logx.Int("hour", t.Hour),
			logx.String("local", fmt.Sprintf("%02d:%02d", t.LocalHour, t.LocalMinute)), logx.Bool("rearmed", rearmed))
	}
	return nil
}

// Cancel removes tenantID's trigger. It waits for an in-flight firing of the
// same tenant to finish and reports whether a trigger existed.
func (s *Service) Cancel(tenantID string) bool {
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	s.mu.Lock()
	ok := s.removeLocked(tenantID)
	s.mu.Unlock()
	if ok {
		s.log.Info("trigger cancelled", logx.String("tenant", tenantID))
		s.publish(EventTriggerCancelled, TriggerEvent{TenantID: tenantID})
	}
	return ok
}

// Reresolve recomputes every trigger's local clock for today and rearms the
// ones that moved. It returns how many were rearmed.
func (s *Service) Reresolve() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.triggers))
	for id := range s.triggers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	moved := 0
	for _, id := range ids {
		unlock := s.locks.Lock(id)
		s.mu.Lock()
		if tr := s.triggers[id]; tr != nil {
			clock, err := s.resolver.Resolve(tr.zone, tr.hour)
			switch {
			case err != nil:
				s.log.Warn("re-resolve failed", logx.String("tenant", id), logx.Err(err))
			case clock != tr.clock:
				from := tr.clock
				tr.clock = clock
				if err := s.armLocked(tr); err != nil {
					s.log.Error("rearm failed", logx.String("tenant", id), logx.Err(err))
				} else {
					moved++
					s.log.Info("trigger moved", logx.String("tenant", id),
						logx.String("from", from.String()), logx.String("to", clock.String()))
					s.publish(EventTriggerArmed, TriggerEvent{TenantID: id, Clock: clock.String(), Rearmed: true})
				}
			}
		}
		s.mu.Unlock()
		unlock()
	}
	s.log.Debug("re-resolve done", logx.Int("triggers", len(ids)), logx.Int("moved", moved))
	return moved
}

// arm resolves c and creates or rearms its trigger. The caller holds the
// tenant lock.
func (s *Service) arm(c tenant.Config) (rearmed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock, err := s.resolver.Resolve(c.Zone(), c.Hour())
	if err != nil {
		return false, fmt.Errorf("scheduler arm %s: %w", c.TenantID, err)
	}
	tr, rearmed := s.triggers[c.TenantID]
	if !rearmed {
		tr = &trigger{tenantID: c.TenantID}
	}
	tr.zone, tr.hour, tr.clock = c.Zone(), c.Hour(), clock
	if err := s.armLocked(tr); err != nil {
		return rearmed, fmt.Errorf("scheduler arm %s: %w", c.TenantID, err)
	}
	if !rearmed {
		s.triggers[c.TenantID] = tr
		metrics.TriggersArmed.Set(float64(len(s.triggers)))
	}
	s.publish(EventTriggerArmed, TriggerEvent{TenantID: c.TenantID, Clock: clock.String(), Rearmed: rearmed})
	return rearmed, nil
}
