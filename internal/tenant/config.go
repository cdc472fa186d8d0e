// Package tenant persists per-tenant delivery configuration.
package tenant

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("tenant: not found")

// RowError is a stored tenant row that could not be decoded.
type RowError struct {
	TenantID string
	Err      error
}

// ListError carries the rows List had to skip.
type ListError struct {
	Rows []RowError
}

func (e *ListError) Error() string {
	first := e.Rows[0]
	if len(e.Rows) == 1 {
		return fmt.Sprintf("tenant %s: %v", first.TenantID, first.Err)
	}
	return fmt.Sprintf("%d undecodable tenant rows (first %s: %v)", len(e.Rows), first.TenantID, first.Err)
}

func (e *ListError) Unwrap() []error {
	out := make([]error, len(e.Rows))
	for i, r := range e.Rows {
		out[i] = r.Err
	}
	return out
}

// Config is one tenant's delivery configuration.
type Config struct {
	TenantID         string
	Enabled          bool
	DeliveryTimeZone *string // IANA zone; nil when unset
	DeliveryHour     *int    // 0-23 in DeliveryTimeZone; nil when unset
	DeliveryTarget   string
	UpdatedAt        time.Time
}

// Schedulable reports whether a trigger may exist for this tenant: it must
// be enabled with both zone and hour set.
func (c Config) Schedulable() bool {
	return c.Enabled && c.Zone() != "" && c.DeliveryHour != nil
}

func (c Config) Zone() string {
	if c.DeliveryTimeZone == nil {
		return ""
	}
	return strings.TrimSpace(*c.DeliveryTimeZone)
}

// Hour returns the delivery hour, or -1 when unset.
func (c Config) Hour() int {
	if c.DeliveryHour == nil {
		return -1
	}
	return *c.DeliveryHour
}

// StrPtr and IntPtr build optional fields.
func StrPtr(s string) *string { return &s }
func IntPtr(i int) *int       { return &i }
