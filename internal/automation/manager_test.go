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
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Hall Lights", Description: "Follow the door contact", Enabled: true},
		LuaCode: `knx.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "hall_lights" {
		t.Errorf("id = %q, want hall_lights", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != "knx.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerUpdateInPlace(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{ID: "scene", Meta: ScriptMeta{Name: "Scene"}, LuaCode: `knx.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	s.LuaCode = `knx.log("v2")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || !strings.Contains(scripts[0].LuaCode, "v2") {
		t.Errorf("scripts = %+v, want one updated script", scripts)
	}
}

func TestManagerListSortedAndSkipsOthers(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "broken.lua"), []byte("--[[\nname: [\n"), 0o644); err != nil {
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
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v, want alpha,beta,gamma", ids)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for range 3 {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "dup,dup_1,dup_2" {
		t.Errorf("ids = %v", ids)
	}

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "script" {
		t.Errorf("id = %q, want script", s.ID)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Bye"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("get after delete err = %v, want not exist", err)
	}
	if err := m.Delete(s.ID); err == nil {
		t.Error("second delete succeeded")
	}
}

func TestManagerRejectsPathIDs(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"", ".", "..", "../etc/passwd", `a\b`, "a/b"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidID", id, err)
		}
		if err := m.Delete(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Delete(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
	if _, err := m.Save(&Script{ID: "../escape"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Save err = %v, want ErrInvalidID", err)
	}
}

func TestDecodeScript(t *testing.T) {
	tests := []struct {
		name    string
		content string
		meta    ScriptMeta
		code    string
		wantErr bool
	}{
		{
			name:    "header and body",
			content: "--[[\nname: Door bell\ndescription: Ring on 1/1/1\nenabled: true\n]]\n\nknx.log(\"ding\")\n",
			meta:    ScriptMeta{Name: "Door bell", Description: "Ring on 1/1/1", Enabled: true},
			code:    "knx.log(\"ding\")\n",
		},
		{
			name:    "plain lua",
			content: "knx.log(\"plain\")\n",
			code:    "knx.log(\"plain\")\n",
		},
		{
			name:    "unterminated header",
			content: "--[[\nname: x\n",
			wantErr: true,
		},
		{
			name:    "bad yaml",
			content: "--[[\nname: [\n]]\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := decodeScript([]byte(tt.content))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s.Meta != tt.meta {
				t.Errorf("meta = %+v, want %+v", s.Meta, tt.meta)
			}
			if s.LuaCode != tt.code {
				t.Errorf("code = %q, want %q", s.LuaCode, tt.code)
			}
		})
	}
}

func TestEncodeScriptIsValidLua(t *testing.T) {
	e, _, _ := newTestEngine(t)

	content, err := encodeScript(&Script{
		Meta:    ScriptMeta{Name: "Valid", Enabled: true},
		LuaCode: `knx.log("ok")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), "--[[\nname: Valid\n") {
		t.Errorf("content = %q", content)
	}
	if r := e.RunLuaCode(string(content)); !r.OK || len(r.Logs) != 1 {
		t.Errorf("run = %+v, want header to parse as a comment", r)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Hall Lights", "hall_lights"},
		{"Blinds 1/2/3!", "blinds_1_2_3"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{strings.Repeat("ab ", 20), "ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_ab_a"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
