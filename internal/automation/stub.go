//go:build no_automation

package automation

import (
	"context"
	"log/slog"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

// Gateway is the part of the gateway scripts can reach.
type Gateway interface {
	Events() *gateway.EventBus
	Channels() []tunnel.Channel
	GroupWrite(ctx context.Context, ga telegram.GroupAddr, data []byte) error
	GroupRead(ctx context.Context, ga telegram.GroupAddr) error
}

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(string) (*Manager, error)          { return nil, nil }
func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(string) (*Script, error)     { return nil, nil }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(string) error             { return nil }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

func NewEngine(Gateway, *Manager, *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) Running() []string         { return nil }
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string)         {}

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}

func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}
