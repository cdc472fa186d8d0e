package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Opener builds a *sql.DB against an endpoint produced by the tunnel.
// The Manager sizes and pings the returned pool.
type Opener interface {
	Open(ctx context.Context, ep Endpoint) (*sql.DB, error)
	Dialect() Dialect
}

// PostgresOpener connects with lib/pq.
type PostgresOpener struct {
	Database       string
	User           string
	Password       string
	SSLMode        string        // default "disable" (traffic already rides the tunnel)
	ConnectTimeout time.Duration // default 10s
}

func (o PostgresOpener) Dialect() Dialect { return DialectPostgres }

func (o PostgresOpener) Open(_ context.Context, ep Endpoint) (*sql.DB, error) {
	if strings.TrimSpace(ep.Addr) == "" {
		return nil, errors.New("postgres: empty endpoint")
	}
	return sql.Open("postgres", o.DSN(ep))
}

// DSN renders the connection URL. UTF-8 client encoding is pinned for every
// session the pool opens.
func (o PostgresOpener) DSN(ep Endpoint) string {
	q := url.Values{}
	ssl := strings.TrimSpace(o.SSLMode)
	if ssl == "" {
		ssl = "disable"
	}
	q.Set("sslmode", ssl)
	q.Set("client_encoding", "UTF8")
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	q.Set("connect_timeout", strconv.Itoa(int(timeout.Seconds())))

	u := url.URL{
		Scheme:   "postgres",
		Host:     ep.Addr,
		Path:     "/" + o.Database,
		RawQuery: q.Encode(),
	}
	if o.User != "" {
		if o.Password != "" {
			u.User = url.UserPassword(o.User, o.Password)
		} else {
			u.User = url.User(o.User)
		}
	}
	return u.String()
}

// SQLiteOpener opens a file-backed store with modernc.org/sqlite. The
// endpoint is ignored.
type SQLiteOpener struct {
	Path        string
	BusyTimeout time.Duration // default 5s
}

func (o SQLiteOpener) Dialect() Dialect { return DialectSQLite }

func (o SQLiteOpener) Open(_ context.Context, _ Endpoint) (*sql.DB, error) {
	path := strings.TrimSpace(o.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
	}
	return sql.Open("sqlite", o.DSN())
}

// DSN applies pragmas per connection so every pooled handle gets them.
func (o SQLiteOpener) DSN() string {
	busy := o.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return strings.TrimSpace(o.Path) + "?" + q.Encode()
}
