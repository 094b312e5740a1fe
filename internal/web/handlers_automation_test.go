//go:build !no_automation

package web

import (
	"net/http"
	"slices"
	"testing"

	"blz-host/internal/automation"
)

func newAutomationEnv(t *testing.T) (*testEnv, *automation.Engine) {
	t.Helper()
	mgr, err := automation.NewManager(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	// The coordinator is created by newTestEnv, so the engine is wired after.
	env := newTestEnv(t)
	engine := automation.NewEngine(env.coord, mgr, testLogger(), automation.SystemConfig{})
	engine.Start()
	t.Cleanup(engine.Stop)
	WithAutomation(engine, mgr)(env.srv)
	return env, engine
}

func TestAPIAutomationLifecycle(t *testing.T) {
	env, engine := newAutomationEnv(t)

	w := env.do("POST", "/api/automations", `{"name": "Join log", "lua_code": "blz.log(\"hi\")", "enabled": true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created automation.Script
	decodeJSON(t, w, &created)
	if created.ID != "join_log" {
		t.Fatalf("id = %q, want join_log", created.ID)
	}
	if !slices.Contains(engine.Running(), "join_log") {
		t.Errorf("running = %v, want join_log", engine.Running())
	}

	w = env.do("GET", "/api/automations", "")
	var list []automation.Script
	decodeJSON(t, w, &list)
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	w = env.do("POST", "/api/automations/join_log/toggle", "")
	var toggled automation.Script
	decodeJSON(t, w, &toggled)
	if toggled.Meta.Enabled || len(engine.Running()) != 0 {
		t.Errorf("toggle left script running: %+v %v", toggled.Meta, engine.Running())
	}

	w = env.do("PUT", "/api/automations/join_log", `{"lua_code": "blz.log(\"bye\")", "enabled": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	var updated automation.Script
	decodeJSON(t, w, &updated)
	if updated.Meta.Name != "Join log" {
		t.Errorf("update without name renamed the script to %q", updated.Meta.Name)
	}

	w = env.do("POST", "/api/automations/join_log/run", "")
	var res automation.RunResult
	decodeJSON(t, w, &res)
	if !res.OK || !slices.Equal(res.Logs, []string{"bye"}) {
		t.Errorf("run = %+v", res)
	}

	if w := env.do("DELETE", "/api/automations/join_log", ""); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := env.do("GET", "/api/automations/join_log", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := env.do("DELETE", "/api/automations/join_log", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIAutomationCreateValidation(t *testing.T) {
	env, _ := newAutomationEnv(t)

	if w := env.do("POST", "/api/automations", `{"lua_code": "x = 1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := env.do("POST", "/api/automations", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIAutomationRunInline(t *testing.T) {
	env, _ := newAutomationEnv(t)

	w := env.do("POST", "/api/automations/_inline/run", `{"lua_code": "blz.log(blz.state())"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res automation.RunResult
	decodeJSON(t, w, &res)
	if !res.OK || !slices.Equal(res.Logs, []string{"ready"}) {
		t.Errorf("run = %+v", res)
	}
}

func TestAPIAutomationDisabled(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("GET", "/api/automations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if w := env.do("POST", "/api/automations", `{"name": "x"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("create status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w := env.do("POST", "/api/automations/x/run", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("run status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
