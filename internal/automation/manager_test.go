//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		Meta: ScriptMeta{
			Name:        "Test Script",
			Description: "A test",
			Enabled:     true,
		},
		LuaCode: `blz.log("hello")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}

	if saved.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if saved.ID != "test_script" {
		t.Errorf("id = %q, want test_script", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Meta.Name != "Test Script" {
		t.Errorf("name = %q, want Test Script", got.Meta.Name)
	}
	if got.Meta.Description != "A test" {
		t.Errorf("description = %q, want A test", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if !strings.Contains(got.LuaCode, `blz.log("hello")`) {
		t.Errorf("lua_code = %q, want to contain blz.log", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		ID: "my_script",
		Meta: ScriptMeta{
			Name:    "My Script",
			Enabled: true,
		},
		LuaCode: `blz.log("v1")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "my_script" {
		t.Errorf("id = %q, want my_script", saved.ID)
	}

	// Update same script
	saved.LuaCode = `blz.log("v2")`
	_, err = m.Save(saved)
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `blz.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := m.Save(&Script{
			Meta:    ScriptMeta{Name: name, Enabled: true},
			LuaCode: `blz.log("` + name + `")`,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "ToDelete", Enabled: true},
		LuaCode: `blz.log("bye")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}

	_, err = m.Get(saved.ID)
	if err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get("nonexistent")
	if err == nil {
		t.Error("expected error, got nil")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `blz.log("1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `blz.log("2")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
}

func TestParseScript(t *testing.T) {
	content := `-- {"name":"Join alert","description":"Log every new device","enabled":true}

blz.on("device_joined", function(event)
    blz.log("joined " .. event.ieee)
end)
`
	s, err := parseScript("join_alert", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "join_alert" {
		t.Errorf("id = %q, want join_alert", s.ID)
	}
	if s.Meta.Name != "Join alert" {
		t.Errorf("name = %q, want Join alert", s.Meta.Name)
	}
	if s.Meta.Description != "Log every new device" {
		t.Errorf("description = %q", s.Meta.Description)
	}
	if !s.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if !strings.HasPrefix(s.LuaCode, `blz.on("device_joined"`) {
		t.Errorf("lua_code should start at the code: %q", s.LuaCode)
	}
}

func TestParseScriptWithoutMetadata(t *testing.T) {
	s, err := parseScript("plain", []byte("-- just a comment\nblz.log(\"hi\")\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || s.Meta.Enabled {
		t.Errorf("meta = %+v, want name from file and disabled", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, "-- just a comment") {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptBadHeaderKeepsCode(t *testing.T) {
	s, err := parseScript("broken", []byte("-- {\"name\": \n"+`blz.log("x")`))
	if err == nil {
		t.Fatal("expected header error")
	}
	if s == nil || s.Meta.Name != "broken" || s.LuaCode != `blz.log("x")` {
		t.Errorf("script = %+v", s)
	}
}

func TestSerializeScript(t *testing.T) {
	s := &Script{
		ID: "test",
		Meta: ScriptMeta{
			Name:        "Test",
			Description: "desc",
			Enabled:     true,
		},
		LuaCode: `blz.log("hi")`,
	}

	content := serializeScript(s)
	if !strings.HasPrefix(content, `-- {"name":"Test"`) {
		t.Errorf("expected metadata line prefix, got: %q", content)
	}
	if !strings.HasSuffix(content, "\n\nblz.log(\"hi\")\n") {
		t.Errorf("code not appended after a blank line: %q", content)
	}

	back, err := parseScript("test", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if back.Meta != s.Meta || back.LuaCode != "blz.log(\"hi\")\n" {
		t.Errorf("parsed back = %+v", back)
	}
}

func TestManagerErrors(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"", "..", "a/b", `a\b`, "x..y"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidScriptID", id, err)
		}
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete("missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Delete(missing) err = %v, want ErrScriptNotFound", err)
	}
	if _, err := m.Update("missing", func(*Script) {}); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Update(missing) err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerUpdate(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Toggle me"}, LuaCode: "x = 1"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Update(saved.ID, func(s *Script) {
		s.Meta.Enabled = !s.Meta.Enabled
		s.ID = "renamed"
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != saved.ID || !got.Meta.Enabled {
		t.Errorf("update = %+v", got)
	}
	back, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Meta.Enabled || back.LuaCode != "x = 1\n" {
		t.Errorf("stored = %+v", back)
	}
}

func TestManagerListSortedWithoutTempFiles(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-script files are ignored.
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,mid,zeta" {
		t.Errorf("ids = %v", ids)
	}

	entries, _ := os.ReadDir(m.dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		got := slugify(tt.input)
		if got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
