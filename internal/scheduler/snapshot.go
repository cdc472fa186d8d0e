package scheduler

import (
	"sort"
	"time"
)

// Trigger returns the view of tenantID's trigger, if any.
func (s *Service) Trigger(tenantID string) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[tenantID]
	if !ok {
		return Trigger{}, false
	}
	return s.viewLocked(tr), true
}

// Triggers lists every trigger ordered by tenant ID.
func (s *Service) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggersLocked()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	return Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: loc.String(),
		Triggers: s.triggersLocked(),
	}
}

func (s *Service) triggersLocked() []Trigger {
	out := make([]Trigger, 0, len(s.triggers))
	for _, tr := range s.triggers {
		out = append(out, s.viewLocked(tr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (s *Service) viewLocked(tr *trigger) Trigger {
	t := Trigger{
		TenantID:    tr.tenantID,
		Zone:        tr.zone,
		Hour:        tr.hour,
		LocalHour:   tr.clock.Hour,
		LocalMinute: tr.clock.Minute,
		ArmedAt:     tr.armedAt,
		Fires:       tr.fires,
		LastOutcome: tr.lastOutcome,
		LastFiredAt: tr.lastFiredAt,
	}
	if s.c != nil && tr.entryID != 0 {
		e := s.c.Entry(tr.entryID)
		t.Next = e.Next
		t.Prev = e.Prev
	}
	return t
}
