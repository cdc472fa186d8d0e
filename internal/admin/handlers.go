package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"qotdbot/internal/datastore"
	"qotdbot/internal/scheduler"
	"qotdbot/internal/tenant"
	"qotdbot/internal/timezone"
	logx "qotdbot/pkg/logx"
)

type tenantBody struct {
	Enabled          bool    `json:"enabled"`
	DeliveryTimeZone *string `json:"delivery_time_zone"`
	DeliveryHour     *int    `json:"delivery_hour"`
	DeliveryTarget   string  `json:"delivery_target"`
}

type tenantView struct {
	TenantID         string             `json:"tenant_id"`
	Enabled          bool               `json:"enabled"`
	DeliveryTimeZone *string            `json:"delivery_time_zone"`
	DeliveryHour     *int               `json:"delivery_hour"`
	DeliveryTarget   string             `json:"delivery_target"`
	Trigger          *scheduler.Trigger `json:"trigger,omitempty"`
	Remaining        *int               `json:"remaining_questions,omitempty"`
}

func (a *API) view(c tenant.Config) tenantView {
	v := tenantView{
		TenantID:         c.TenantID,
		Enabled:          c.Enabled,
		DeliveryTimeZone: c.DeliveryTimeZone,
		DeliveryHour:     c.DeliveryHour,
		DeliveryTarget:   c.DeliveryTarget,
	}
	if t, ok := a.Scheduler.Trigger(c.TenantID); ok {
		v.Trigger = &t
	}
	return v
}

func (a *API) GetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := a.Tenants.Get(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	v := a.view(c)
	if a.Questions != nil {
		if n, err := a.Questions.Remaining(r.Context(), id); err == nil {
			v.Remaining = &n
		}
	}
	writeJSON(w, http.StatusOK, v)
}

// PutTenant stores the full config and re-arms the tenant's trigger.
func (a *API) PutTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body tenantBody
	if !decode(w, r, &body) {
		return
	}
	if body.DeliveryTimeZone != nil {
		if _, err := timezone.LoadLocation(*body.DeliveryTimeZone); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if h := body.DeliveryHour; h != nil && (*h < 0 || *h > 23) {
		http.Error(w, "delivery_hour must be between 0 and 23", http.StatusBadRequest)
		return
	}

	c := tenant.Config{
		TenantID:         id,
		Enabled:          body.Enabled,
		DeliveryTimeZone: body.DeliveryTimeZone,
		DeliveryHour:     body.DeliveryHour,
		DeliveryTarget:   body.DeliveryTarget,
	}
	if err := a.Tenants.Upsert(r.Context(), c); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.Scheduler.Upsert(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	a.Log.Info("tenant configured", logx.String("tenant", id), logx.Bool("enabled", c.Enabled),
		logx.String("zone", c.Zone()), logx.Int("hour", c.Hour()))
	writeJSON(w, http.StatusOK, a.view(c))
}

// SetEnabled flips the enabled flag. Enabling also arms the trigger;
// disabling keeps it so firings are skipped until re-enabled.
func (a *API) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := a.Tenants.SetEnabled(r.Context(), id, body.Enabled); err != nil {
		a.fail(w, err)
		return
	}
	if body.Enabled {
		if err := a.Scheduler.Upsert(r.Context(), id); err != nil {
			a.fail(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) CancelTrigger(w http.ResponseWriter, r *http.Request) {
	if !a.Scheduler.Cancel(chi.URLParam(r, "id")) {
		http.Error(w, "no trigger", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTenant cancels the trigger and removes the tenant with its
// question history.
func (a *API) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.Scheduler.Cancel(id)
	if a.Questions != nil {
		if err := a.Questions.Purge(r.Context(), id); err != nil {
			a.fail(w, err)
			return
		}
	}
	existed, err := a.Tenants.Delete(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !existed {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}
	a.Log.Info("tenant deleted", logx.String("tenant", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) Send(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := a.Scheduler.FireNow(r.Context(), id)
	if errors.Is(err, tenant.ErrNotFound) {
		a.fail(w, err)
		return
	}
	resp := map[string]string{"outcome": string(out)}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) AddQuestion(w http.ResponseWriter, r *http.Request) {
	if a.Questions == nil {
		http.Error(w, "questions unavailable", http.StatusNotImplemented)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}
	q, err := a.Questions.Add(r.Context(), chi.URLParam(r, "id"), body.Text)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (a *API) ListTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Scheduler.Triggers())
}

// Health reports 200 while the datastore is active and 503 otherwise.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"triggers": len(a.Scheduler.Triggers())}
	status := http.StatusOK
	if a.Datastore != nil {
		active := a.Datastore.IsActive()
		resp["datastore"] = a.Datastore.State().String()
		resp["operations"] = a.Datastore.Operations()
		resp["generation"] = a.Datastore.Generation()
		if !active {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (a *API) fail(w http.ResponseWriter, err error) {
	var execErr *datastore.ExecutionError
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, timezone.ErrInvalidTimeZone), errors.Is(err, timezone.ErrInvalidHour):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &execErr), errors.Is(err, datastore.ErrClosed):
		a.Log.Warn("admin: datastore failure", logx.Err(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		a.Log.Error("admin: request failed", logx.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
