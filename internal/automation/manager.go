//go:build !no_automation

package automation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Script files start with a Lua block comment holding YAML metadata:
//
//	--[[
//	name: Stairwell light
//	enabled: true
//	]]
const (
	headerOpen  = "--[["
	headerClose = "]]"
)

// ErrInvalidID is returned for script IDs that are not plain file stems.
var ErrInvalidID = errors.New("invalid script id")

func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// Manager keeps automation scripts as .lua files in one directory.
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager creates the scripts directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the scripts directory.
func (m *Manager) Dir() string { return m.dir }

// List returns all parseable scripts sorted by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lua" {
			continue
		}
		s, err := readScript(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		scripts = append(scripts, s)
	}
	slices.SortFunc(scripts, func(a, b *Script) int { return strings.Compare(a.ID, b.ID) })
	return scripts, nil
}

// Get loads a script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return readScript(m.path(id))
}

// Save writes s to disk. A script without an ID gets one derived from its
// name, suffixed until it does not clash with an existing file.
func (m *Manager) Save(s *Script) (*Script, error) {
	if s.ID != "" && !validScriptID(s.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, s.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		base := slugify(s.Meta.Name)
		if base == "" {
			base = "script"
		}
		s.ID = base
		for i := 1; m.exists(s.ID); i++ {
			s.ID = fmt.Sprintf("%s_%d", base, i)
		}
	}

	content, err := encodeScript(s)
	if err != nil {
		return nil, err
	}
	s.FilePath = m.path(s.ID)
	if err := os.WriteFile(s.FilePath, content, 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes a script file.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) path(id string) string { return filepath.Join(m.dir, id+".lua") }

func (m *Manager) exists(id string) bool {
	_, err := os.Stat(m.path(id))
	return err == nil
}

func readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := decodeScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	s.ID = strings.TrimSuffix(filepath.Base(path), ".lua")
	s.FilePath = path
	return s, nil
}

// decodeScript splits a file into its metadata header and Lua body. Files
// without a header are plain Lua with zero metadata.
func decodeScript(data []byte) (*Script, error) {
	s := &Script{}
	content := string(data)
	if !strings.HasPrefix(content, headerOpen+"\n") {
		s.LuaCode = content
		return s, nil
	}

	rest := content[len(headerOpen)+1:]
	end := strings.Index(rest, "\n"+headerClose)
	if end < 0 {
		return nil, errors.New("unterminated script header")
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &s.Meta); err != nil {
		return nil, fmt.Errorf("script header: %w", err)
	}

	body := rest[end+1+len(headerClose):]
	s.LuaCode = strings.TrimLeft(body, "\r\n")
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	meta, err := yaml.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode script header: %w", err)
	}

	var b strings.Builder
	b.WriteString(headerOpen + "\n")
	b.Write(meta)
	b.WriteString(headerClose + "\n")
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String()), nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
