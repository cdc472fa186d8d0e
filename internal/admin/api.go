// Package admin is the HTTP configuration surface. Operators change tenant
// rows through it, and every schedule-relevant change is forwarded to the
// scheduler's Upsert or Cancel.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"qotdbot/internal/content"
	"qotdbot/internal/datastore"
	"qotdbot/internal/metrics"
	"qotdbot/internal/scheduler"
	"qotdbot/internal/tenant"
	logx "qotdbot/pkg/logx"
)

type Tenants interface {
	Get(ctx context.Context, tenantID string) (tenant.Config, error)
	Upsert(ctx context.Context, c tenant.Config) error
	SetEnabled(ctx context.Context, tenantID string, enabled bool) error
	Delete(ctx context.Context, tenantID string) (bool, error)
}

type Scheduler interface {
	Upsert(ctx context.Context, tenantID string) error
	Cancel(tenantID string) bool
	FireNow(ctx context.Context, tenantID string) (scheduler.Outcome, error)
	Trigger(tenantID string) (scheduler.Trigger, bool)
	Triggers() []scheduler.Trigger
}

type Questions interface {
	Add(ctx context.Context, tenantID, text string) (content.Question, error)
	Remaining(ctx context.Context, tenantID string) (int, error)
	Purge(ctx context.Context, tenantID string) error
}

// Datastore is the health view of the connection manager.
type Datastore interface {
	IsActive() bool
	State() datastore.State
	Operations() uint64
	Generation() uint64
}

type API struct {
	Tenants   Tenants
	Scheduler Scheduler
	Questions Questions
	Datastore Datastore
	Log       logx.Logger
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/triggers", a.ListTriggers)

	r.Route("/tenants/{id}", func(r chi.Router) {
		r.Get("/", a.GetTenant)
		r.Put("/", a.PutTenant)
		r.Delete("/", a.DeleteTenant)
		r.Post("/enabled", a.SetEnabled)
		r.Delete("/trigger", a.CancelTrigger)
		r.Post("/send", a.Send)
		r.Post("/questions", a.AddQuestion)
	})
	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.Log.Debug("admin request",
			logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()), logx.Duration("took", time.Since(start)))
	})
}

// Server runs the router until its context is done.
type Server struct {
	Addr    string
	Handler http.Handler
	Log     logx.Logger
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.Log.Info("admin listening", logx.String("addr", s.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}
