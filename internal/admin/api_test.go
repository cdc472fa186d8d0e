package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qotdbot/internal/content"
	"qotdbot/internal/datastore/datastoretest"
	"qotdbot/internal/eventbus"
	"qotdbot/internal/scheduler"
	"qotdbot/internal/tenant"
	logx "qotdbot/pkg/logx"
)

type okDeliverer struct{ targets []string }

func (d *okDeliverer) Deliver(_ context.Context, _, target string) (bool, error) {
	d.targets = append(d.targets, target)
	return true, nil
}

type fixture struct {
	srv       *httptest.Server
	tenants   *tenant.Store
	questions *content.Store
	sched     *scheduler.Service
	deliver   *okDeliverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ex := datastoretest.NewSQLite(t)
	ctx := context.Background()
	tenants := tenant.NewStore(ex)
	questions := content.NewStore(ex)
	if err := tenants.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := questions.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	del := &okDeliverer{}
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, tenants, del, logx.Nop(), eventbus.New())

	api := &API{Tenants: tenants, Scheduler: sched, Questions: questions, Datastore: ex.Manager(), Log: logx.Nop()}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, tenants: tenants, questions: questions, sched: sched, deliver: del}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestPutTenantArmsTrigger(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPut, "/tenants/-100",
		`{"enabled":true,"delivery_time_zone":"America/New_York","delivery_hour":7,"delivery_target":"-100"}`)
	if code != http.StatusOK {
		t.Fatalf("PUT = %d %s", code, body)
	}
	var v tenantView
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Trigger == nil || v.Trigger.Zone != "America/New_York" || v.Trigger.Hour != 7 {
		t.Fatalf("trigger = %+v", v.Trigger)
	}

	code, _ = f.do(t, http.MethodPut, "/tenants/-100",
		`{"enabled":true,"delivery_time_zone":"America/New_York","delivery_hour":9,"delivery_target":"-100"}`)
	if code != http.StatusOK {
		t.Fatalf("second PUT = %d", code)
	}
	if n := len(f.sched.Triggers()); n != 1 {
		t.Fatalf("triggers = %d, want 1", n)
	}
	if tr, _ := f.sched.Trigger("-100"); tr.Hour != 9 {
		t.Fatalf("trigger hour = %d, want 9", tr.Hour)
	}
}

func TestPutTenantRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`{"enabled":true,"delivery_time_zone":"Nowhere/Land","delivery_hour":7}`,
		`{"enabled":true,"delivery_time_zone":"UTC","delivery_hour":24}`,
		`{"enabled":true,"unknown":1}`,
		`not json`,
	} {
		if code, resp := f.do(t, http.MethodPut, "/tenants/1", body); code != http.StatusBadRequest {
			t.Fatalf("PUT %s = %d %s, want 400", body, code, resp)
		}
	}
	if _, err := f.tenants.Get(context.Background(), "1"); err == nil {
		t.Fatal("rejected config must not be stored")
	}
}

func TestEnableDisableAndCancel(t *testing.T) {
	f := newFixture(t)
	if code, _ := f.do(t, http.MethodPut, "/tenants/5",
		`{"enabled":false,"delivery_time_zone":"UTC","delivery_hour":6,"delivery_target":"5"}`); code != http.StatusOK {
		t.Fatalf("PUT = %d", code)
	}
	if _, ok := f.sched.Trigger("5"); ok {
		t.Fatal("disabled tenant should not be armed")
	}

	if code, _ := f.do(t, http.MethodPost, "/tenants/5/enabled", `{"enabled":true}`); code != http.StatusNoContent {
		t.Fatalf("enable = %d", code)
	}
	if _, ok := f.sched.Trigger("5"); !ok {
		t.Fatal("enable should arm")
	}
	if code, _ := f.do(t, http.MethodPost, "/tenants/5/enabled", `{"enabled":false}`); code != http.StatusNoContent {
		t.Fatalf("disable = %d", code)
	}
	if _, ok := f.sched.Trigger("5"); !ok {
		t.Fatal("disable keeps the trigger")
	}

	if code, _ := f.do(t, http.MethodDelete, "/tenants/5/trigger", ""); code != http.StatusNoContent {
		t.Fatalf("cancel = %d", code)
	}
	if code, _ := f.do(t, http.MethodDelete, "/tenants/5/trigger", ""); code != http.StatusNotFound {
		t.Fatalf("second cancel = %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/tenants/404/enabled", `{"enabled":true}`); code != http.StatusNotFound {
		t.Fatalf("enable missing = %d, want 404", code)
	}
}

func TestSendAndQuestions(t *testing.T) {
	f := newFixture(t)
	if code, _ := f.do(t, http.MethodPut, "/tenants/9",
		`{"enabled":false,"delivery_target":"chat-9"}`); code != http.StatusOK {
		t.Fatalf("PUT = %d", code)
	}
	code, body := f.do(t, http.MethodPost, "/tenants/9/questions", `{"text":"Mountains or sea?"}`)
	if code != http.StatusCreated || !strings.Contains(body, "Mountains or sea?") {
		t.Fatalf("add question = %d %s", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/tenants/9/questions", `{"text":"  "}`); code != http.StatusBadRequest {
		t.Fatalf("empty question = %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/tenants/9", "")
	if code != http.StatusOK || !strings.Contains(body, `"remaining_questions":1`) {
		t.Fatalf("GET = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodPost, "/tenants/9/send", "")
	if code != http.StatusOK || !strings.Contains(body, "delivered") {
		t.Fatalf("send = %d %s", code, body)
	}
	if len(f.deliver.targets) != 1 || f.deliver.targets[0] != "chat-9" {
		t.Fatalf("targets = %v", f.deliver.targets)
	}
	if code, _ := f.do(t, http.MethodPost, "/tenants/nobody/send", ""); code != http.StatusNotFound {
		t.Fatalf("send missing = %d, want 404", code)
	}
}

func TestDeleteTenant(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPut, "/tenants/3", `{"enabled":true,"delivery_time_zone":"UTC","delivery_hour":1,"delivery_target":"3"}`)
	f.do(t, http.MethodPost, "/tenants/3/questions", `{"text":"mine"}`)

	if code, _ := f.do(t, http.MethodDelete, "/tenants/3", ""); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	if _, ok := f.sched.Trigger("3"); ok {
		t.Fatal("trigger should be cancelled")
	}
	if n, _ := f.questions.Remaining(context.Background(), "3"); n != 0 {
		t.Fatalf("remaining = %d, want 0", n)
	}
	if code, _ := f.do(t, http.MethodDelete, "/tenants/3", ""); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}
}

func TestHealthAndTriggers(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPut, "/tenants/1", `{"enabled":true,"delivery_time_zone":"Asia/Tokyo","delivery_hour":9,"delivery_target":"1"}`)

	code, body := f.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || !strings.Contains(body, `"datastore":"active"`) || !strings.Contains(body, `"triggers":1`) {
		t.Fatalf("healthz = %d %s", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/triggers", "")
	if code != http.StatusOK || !strings.Contains(body, `"local_hour":0`) {
		t.Fatalf("triggers = %d %s", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/metrics", ""); code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
}
