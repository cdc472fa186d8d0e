// Package timezone maps a tenant's preferred delivery hour in its own zone to
// the equivalent wall-clock time in the process zone.
package timezone

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

var (
	ErrInvalidTimeZone = errors.New("invalid time zone")
	ErrInvalidHour     = errors.New("invalid delivery hour")
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// CronSpec returns a daily five-field cron spec firing at c.
func (c Clock) CronSpec() string {
	return fmt.Sprintf("%d %d * * *", c.Minute, c.Hour)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

type Resolver struct {
	// Local is the process zone triggers are expressed in.
	Local *time.Location
	// Now supplies "today". Defaults to time.Now.
	Now func() time.Time
}

func NewResolver(local *time.Location) *Resolver {
	if local == nil {
		local = time.Local
	}
	return &Resolver{Local: local, Now: time.Now}
}

// Resolve converts hour:00 in zone, on today's date in that zone, to the
// process zone.
//
// The offset used is the one in effect today; a trigger armed from the
// result does not follow later DST transitions unless re-resolved.
func (r *Resolver) Resolve(zone string, hour int) (Clock, error) {
	now := time.Now
	if r != nil && r.Now != nil {
		now = r.Now
	}
	return r.ResolveOn(now(), zone, hour)
}

// ResolveOn is Resolve with an explicit instant standing in for "now".
// "Today" is day's calendar date in zone, not in UTC, so a tenant east of
// UTC picks up its own date's DST offset before UTC midnight.
func (r *Resolver) ResolveOn(day time.Time, zone string, hour int) (Clock, error) {
	if hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("%w: %d", ErrInvalidHour, hour)
	}
	loc, err := LoadLocation(zone)
	if err != nil {
		return Clock{}, err
	}
	local := time.Local
	if r != nil && r.Local != nil {
		local = r.Local
	}

	y, m, d := day.In(loc).Date()
	at := time.Date(y, m, d, hour, 0, 0, 0, loc).In(local)
	return Clock{Hour: at.Hour(), Minute: at.Minute()}, nil
}

// LoadLocation resolves an IANA zone name. Empty names and "Local" are
// rejected since they do not identify a tenant zone.
func LoadLocation(name string) (*time.Location, error) {
	n := strings.TrimSpace(name)
	if n == "" || strings.EqualFold(n, "local") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, name)
	}
	loc, err := time.LoadLocation(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimeZone, name, err)
	}
	return loc, nil
}
