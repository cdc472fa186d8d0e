package timezone

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata for %s unavailable: %v", name, err)
	}
	return loc
}

func TestResolveOn(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	ny := mustLoc(t, "America/New_York")
	kolkata := mustLoc(t, "Asia/Kolkata")

	winter := time.Date(2024, 1, 15, 12, 0, 0, 0, utc)
	summer := time.Date(2024, 7, 15, 12, 0, 0, 0, utc)

	tests := []struct {
		name  string
		local *time.Location
		day   time.Time
		zone  string
		hour  int
		want  Clock
	}{
		{"same zone", utc, winter, "UTC", 9, Clock{9, 0}},
		{"new york winter to utc", utc, winter, "America/New_York", 9, Clock{14, 0}},
		{"new york summer to utc", utc, summer, "America/New_York", 9, Clock{13, 0}},
		{"half hour offset", utc, winter, "Asia/Kolkata", 9, Clock{3, 30}},
		{"utc to kolkata local", kolkata, winter, "UTC", 0, Clock{5, 30}},
		{"tokyo to new york wraps day", ny, winter, "Asia/Tokyo", 8, Clock{18, 0}},
		// 03:00 UTC on the spring-forward date is still March 9 in New York
		{"zone date decides dst", utc, time.Date(2024, 3, 10, 3, 0, 0, 0, utc), "America/New_York", 9, Clock{14, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.local)
			got, err := r.ResolveOn(tt.day, tt.zone, tt.hour)
			if err != nil {
				t.Fatalf("ResolveOn: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveUsesNow(t *testing.T) {
	t.Parallel()
	r := &Resolver{Local: time.UTC, Now: func() time.Time { return time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC) }}
	got, err := r.Resolve("America/New_York", 9)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != (Clock{13, 0}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	r := NewResolver(time.UTC)
	for _, zone := range []string{"", "Local", "Mars/Olympus_Mons"} {
		if _, err := r.Resolve(zone, 9); !errors.Is(err, ErrInvalidTimeZone) {
			t.Fatalf("zone %q: err = %v, want ErrInvalidTimeZone", zone, err)
		}
	}
	for _, h := range []int{-1, 24} {
		if _, err := r.Resolve("UTC", h); !errors.Is(err, ErrInvalidHour) {
			t.Fatalf("hour %d: err = %v, want ErrInvalidHour", h, err)
		}
	}
}

func TestClockCronSpec(t *testing.T) {
	t.Parallel()
	if got := (Clock{Hour: 3, Minute: 30}).CronSpec(); got != "30 3 * * *" {
		t.Fatalf("CronSpec = %q", got)
	}
	if got := (Clock{Hour: 3, Minute: 5}).String(); got != "03:05" {
		t.Fatalf("String = %q", got)
	}
}
