//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

// RunTimeout bounds a one-shot script run.
const RunTimeout = 5 * time.Second

// Gateway is the part of the gateway scripts can reach.
type Gateway interface {
	Events() *gateway.EventBus
	Channels() []tunnel.Channel
	GroupWrite(ctx context.Context, ga telegram.GroupAddr, data []byte) error
	GroupRead(ctx context.Context, ga telegram.GroupAddr) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with knx.on.
type luaEventHandler struct {
	eventType   string
	destination string // empty matches any
	source      string // empty matches any
	fn          *lua.LFunction
}

// scriptVM is one Lua state. All access to state goes through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler

	// logf receives knx.log output; nil logs through the engine logger.
	logf func(level, msg string)
}

func (vm *scriptVM) addHandler(h luaEventHandler) {
	vm.mu.Lock()
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
}

func (vm *scriptVM) snapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Engine runs enabled scripts and feeds them gateway events.
type Engine struct {
	gw      Gateway
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(gw Gateway, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		gw:      gw,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to gateway events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.gw.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all scripts and unsubscribes from events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts a script from disk. Disabled scripts stay stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: "script not found: " + err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM. Handlers registered with
// knx.on are called once with a synthetic event of their type so their
// actions can be tried without waiting for the bus.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), RunTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := e.newVM(ctx, cancel)
	vm.logf = func(level, msg string) {
		logMu.Lock()
		logs = append(logs, "["+level+"] "+msg)
		logMu.Unlock()
	}
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		r := &RunResult{OK: err == nil, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.Error = "timeout (" + RunTimeout.String() + ")"
			}
		}
		logMu.Lock()
		r.Logs = append([]string(nil), logs...)
		logMu.Unlock()
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}
	for _, h := range vm.snapshot() {
		ev := syntheticEvent(h)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()

	// No file, process or module loading from scripts.
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerKNXModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshot()))
	return nil
}

// dispatchEvent queues matching handlers on their script's command loop.
func (e *Engine) dispatchEvent(event gateway.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshot() {
			if !matchesHandler(h, event) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event gateway.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	if h.destination == "" && h.source == "" {
		return true
	}

	te, ok := event.Data.(gateway.TelegramEvent)
	if !ok {
		return false
	}
	if h.destination != "" && h.destination != te.Destination {
		return false
	}
	if h.source != "" && h.source != te.Source {
		return false
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event gateway.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "type", event.Type, "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}
