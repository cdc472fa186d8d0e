package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"qotdbot/internal/eventbus"
	"qotdbot/internal/tenant"
	"qotdbot/internal/timezone"
	logx "qotdbot/pkg/logx"
)

// ErrTenantGone is returned by a Deliverer when the tenant no longer exists
// upstream. The firing removes the trigger permanently.
var ErrTenantGone = errors.New("scheduler: tenant gone")

// Config controls the trigger service.
type Config struct {
	Enabled bool
	// Timezone is the process zone triggers are expressed in. Empty means
	// time.Local.
	Timezone string
	// ReresolveDaily re-resolves every trigger shortly after local midnight
	// so that DST changes in tenant zones are picked up.
	ReresolveDaily bool
	// FiringTimeout bounds one firing, delivery included. Zero means no bound.
	FiringTimeout time.Duration
	// DeliveryRatePerSec caps deliveries across all tenants. Zero disables it.
	DeliveryRatePerSec int
}

// ConfigSource reads tenant configuration. Get returns an error wrapping
// tenant.ErrNotFound when the tenant row does not exist.
type ConfigSource interface {
	List(ctx context.Context) ([]tenant.Config, error)
	Get(ctx context.Context, tenantID string) (tenant.Config, error)
}

// Deliverer sends one tenant's daily message. A false result or a non-nil
// error is a delivery failure; errors wrapping ErrTenantGone additionally
// remove the trigger.
type Deliverer interface {
	Deliver(ctx context.Context, tenantID, target string) (bool, error)
}

// Directory reports whether a tenant still exists in the upstream system.
type Directory interface {
	Exists(ctx context.Context, tenantID string) (bool, error)
}

// Outcome is the result of one firing.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRemoved   Outcome = "removed"
	OutcomeStale     Outcome = "stale"
)

// Event types published on the bus.
const (
	EventTriggerArmed     = "trigger.armed"
	EventTriggerCancelled = "trigger.cancelled"
	EventFiringPrefix     = "firing."
)

// FiringEvent is the payload of firing.* events.
type FiringEvent struct {
	TenantID string  `json:"tenant_id"`
	FiringID string  `json:"firing_id"`
	Outcome  Outcome `json:"outcome"`
	Manual   bool    `json:"manual,omitempty"`
	Err      string  `json:"err,omitempty"`
}

// TriggerEvent is the payload of trigger.* events.
type TriggerEvent struct {
	TenantID string `json:"tenant_id"`
	Clock    string `json:"clock,omitempty"`
	Rearmed  bool   `json:"rearmed,omitempty"`
}

// Trigger is a read-only view of one tenant's trigger.
type Trigger struct {
	TenantID    string    `json:"tenant_id"`
	Zone        string    `json:"zone"`
	Hour        int       `json:"hour"`
	LocalHour   int       `json:"local_hour"`
	LocalMinute int       `json:"local_minute"`
	ArmedAt     time.Time `json:"armed_at"`
	Next        time.Time `json:"next,omitempty"`
	Prev        time.Time `json:"prev,omitempty"`
	Fires       uint64    `json:"fires"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`
}

// Snapshot is a point-in-time view of the service.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Triggers []Trigger `json:"triggers"`
}

type trigger struct {
	tenantID string
	zone     string
	hour     int
	clock    timezone.Clock
	entryID  cron.EntryID
	// gen changes on every arm and on removal. A firing carries the gen it
	// was armed with and is dropped when they differ.
	gen     uint64
	armedAt time.Time

	fires       uint64
	lastOutcome Outcome
	lastFiredAt time.Time
}

type Service struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	src      ConfigSource
	deliver  Deliverer
	dir      Directory
	resolver *timezone.Resolver
	limiter  *rate.Limiter
	now      func() time.Time

	parser   cron.Parser
	c        *cron.Cron
	loc      *time.Location
	started  bool
	triggers map[string]*trigger
	maintID  cron.EntryID
	seq      uint64

	locks keyedMutex

	// base is the parent of every firing context; Stop cancels it.
	base       context.Context
	cancelBase context.CancelFunc
}

// Option customizes a Service.
type Option func(*Service)

// WithDirectory enables the upstream existence check before each firing.
func WithDirectory(d Directory) Option {
	return func(s *Service) { s.dir = d }
}

// WithClock overrides the time source used for "today" and bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
