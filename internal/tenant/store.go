package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qotdbot/internal/datastore"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id          TEXT PRIMARY KEY,
		enabled            BOOLEAN NOT NULL DEFAULT FALSE,
		delivery_time_zone TEXT,
		delivery_hour      INTEGER,
		delivery_target    TEXT NOT NULL DEFAULT '',
		updated_at         TIMESTAMP NOT NULL
	)`,
}

const selectColumns = `tenant_id, enabled, delivery_time_zone, delivery_hour, delivery_target, updated_at`

// Store reads and writes tenant rows through the executor.
type Store struct {
	ex  *datastore.Executor
	now func() time.Time
}

func NewStore(ex *datastore.Executor) *Store {
	return &Store{ex: ex, now: time.Now}
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, q := range migrations {
		if _, err := s.ex.Exec(ctx, q); err != nil {
			return fmt.Errorf("tenant migrate: %w", err)
		}
	}
	return nil
}

// List returns every tenant that decodes. Rows that do not are left out and
// reported together in a *ListError alongside the good rows.
func (s *Store) List(ctx context.Context) ([]Config, error) {
	rows, err := s.ex.Query(ctx, `SELECT `+selectColumns+` FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	out := make([]Config, 0, len(rows))
	var bad []RowError
	for _, r := range rows {
		c, err := decode(r)
		if err != nil {
			bad = append(bad, RowError{TenantID: r.String("tenant_id"), Err: err})
			continue
		}
		out = append(out, c)
	}
	if len(bad) > 0 {
		return out, &ListError{Rows: bad}
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, tenantID string) (Config, error) {
	r, err := s.ex.QueryOne(ctx, `SELECT `+selectColumns+` FROM tenants WHERE tenant_id = ?`, tenantID)
	if errors.Is(err, datastore.ErrNotFound) {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return Config{}, err
	}
	return decode(r)
}

// Upsert writes every field of c, keyed by TenantID.
func (s *Store) Upsert(ctx context.Context, c Config) error {
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant: id required")
	}
	if h := c.DeliveryHour; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("tenant: delivery hour %d out of range", *h)
	}
	_, err := s.ex.Exec(ctx, `INSERT INTO tenants (tenant_id, enabled, delivery_time_zone, delivery_hour, delivery_target, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = excluded.enabled,
			delivery_time_zone = excluded.delivery_time_zone,
			delivery_hour = excluded.delivery_hour,
			delivery_target = excluded.delivery_target,
			updated_at = excluded.updated_at`,
		c.TenantID, c.Enabled, nullableString(c.DeliveryTimeZone), nullableInt(c.DeliveryHour), c.DeliveryTarget, s.now().UTC(),
	)
	return err
}

// Register inserts a disabled, unconfigured tenant if it does not exist.
// It reports whether a row was created.
func (s *Store) Register(ctx context.Context, tenantID, target string) (bool, error) {
	n, err := s.ex.Exec(ctx, `INSERT INTO tenants (tenant_id, enabled, delivery_target, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, false, target, s.now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetEnabled(ctx context.Context, tenantID string, enabled bool) error {
	n, err := s.ex.Exec(ctx, `UPDATE tenants SET enabled = ?, updated_at = ? WHERE tenant_id = ?`,
		enabled, s.now().UTC(), tenantID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	return nil
}

// Delete removes the tenant row. It reports whether a row existed.
func (s *Store) Delete(ctx context.Context, tenantID string) (bool, error) {
	n, err := s.ex.Exec(ctx, `DELETE FROM tenants WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func decode(r datastore.Row) (Config, error) {
	enabled, err := r.Bool("enabled")
	if err != nil {
		return Config{}, fmt.Errorf("tenant decode enabled: %w", err)
	}
	hour, err := r.NullInt("delivery_hour")
	if err != nil {
		return Config{}, fmt.Errorf("tenant decode delivery_hour: %w", err)
	}
	updated, err := r.Time("updated_at")
	if err != nil {
		return Config{}, fmt.Errorf("tenant decode updated_at: %w", err)
	}
	return Config{
		TenantID:         r.String("tenant_id"),
		Enabled:          enabled,
		DeliveryTimeZone: r.NullString("delivery_time_zone"),
		DeliveryHour:     hour,
		DeliveryTarget:   r.String("delivery_target"),
		UpdatedAt:        updated,
	}, nil
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}
