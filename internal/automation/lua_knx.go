//go:build !no_automation

package automation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

// WriteTimeout bounds a bus request made from a script.
const WriteTimeout = 3 * time.Second

// maxGroupData is the application data that fits a standard frame.
const maxGroupData = 14

var errBadValue = errors.New("bad group value")

// now is replaced in tests.
var now = time.Now

// registerKNXModule installs the knx global table.
func registerKNXModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return knxOn(L, vm) },
		"after":        func(L *lua.LState) int { return knxAfter(L, vm, e) },
		"log":          func(L *lua.LState) int { return knxLog(L, vm, e) },
		"group_write":  func(L *lua.LState) int { return knxGroupWrite(L, vm, e) },
		"group_read":   func(L *lua.LState) int { return knxGroupRead(L, vm, e) },
		"channels":     func(L *lua.LState) int { return knxChannels(L, e) },
		"clock":        knxClock,
		"time_between": knxTimeBetween,
	}
	L.SetGlobal("knx", L.SetFuncs(L.NewTable(), fns))
}

// knx.on(event_type, [filter], fn). The filter table may name a
// destination and a source address.
func knxOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		h.destination = lua.LVAsString(arg.RawGetString("destination"))
		h.source = lua.LVAsString(arg.RawGetString("source"))
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or function expected")
		return 0
	}
	vm.addHandler(h)
	return 0
}

// knx.after(seconds, fn) runs fn on the script's loop after a delay.
func knxAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// knx.log([level,] msg)
func knxLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level, msg := "info", L.CheckString(1)
	if L.GetTop() >= 2 {
		level, msg = msg, L.CheckString(2)
	}

	if vm.logf != nil {
		vm.logf(level, msg)
		return 0
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// knx.group_write(ga, value) returns true, or nil and an error message.
func knxGroupWrite(L *lua.LState, vm *scriptVM, e *Engine) int {
	ga, err := telegram.ParseGroupAddr(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	data, err := luaToData(L.CheckAny(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}

	ctx, cancel := context.WithTimeout(vm.ctx, WriteTimeout)
	defer cancel()
	return pushResult(L, e.gw.GroupWrite(ctx, ga, data))
}

// knx.group_read(ga) returns true, or nil and an error message. The
// response arrives as a bus.telegram event.
func knxGroupRead(L *lua.LState, vm *scriptVM, e *Engine) int {
	ga, err := telegram.ParseGroupAddr(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}

	ctx, cancel := context.WithTimeout(vm.ctx, WriteTimeout)
	defer cancel()
	return pushResult(L, e.gw.GroupRead(ctx, ga))
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// knx.channels() lists open channels.
func knxChannels(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for _, ch := range e.gw.Channels() {
		tbl.Append(channelTable(L, ch))
	}
	L.Push(tbl)
	return 1
}

// knx.clock(component)
func knxClock(L *lua.LState) int {
	t := now()
	switch c := L.CheckString(1); c {
	case "hour":
		L.Push(lua.LNumber(t.Hour()))
	case "minute":
		L.Push(lua.LNumber(t.Minute()))
	case "second":
		L.Push(lua.LNumber(t.Second()))
	case "weekday":
		L.Push(lua.LNumber(t.Weekday()))
	case "day":
		L.Push(lua.LNumber(t.Day()))
	case "month":
		L.Push(lua.LNumber(t.Month()))
	case "year":
		L.Push(lua.LNumber(t.Year()))
	case "timestamp":
		L.Push(lua.LNumber(t.Unix()))
	case "time":
		L.Push(lua.LString(t.Format("15:04:05")))
	case "date":
		L.Push(lua.LString(t.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+c)
		return 0
	}
	return 1
}

// knx.time_between(from, to) takes hours or "HH:MM" strings. Ranges
// crossing midnight are supported; to is exclusive.
func knxTimeBetween(L *lua.LState) int {
	from, err := minuteOfDay(L.CheckAny(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := minuteOfDay(L.CheckAny(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	t := now()
	L.Push(lua.LBool(inRange(t.Hour()*60+t.Minute(), from, to)))
	return 1
}

func inRange(m, from, to int) bool {
	if from <= to {
		return m >= from && m < to
	}
	return m >= from || m < to
}

func minuteOfDay(v lua.LValue) (int, error) {
	switch v := v.(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			return 0, fmt.Errorf("hour %d out of range", h)
		}
		return h * 60, nil
	case lua.LString:
		t, err := time.Parse("15:04", string(v))
		if err != nil {
			return 0, fmt.Errorf("time %q: want HH:MM", string(v))
		}
		return t.Hour()*60 + t.Minute(), nil
	}
	return 0, fmt.Errorf("hour or HH:MM expected, got %s", v.Type())
}

// luaToData converts a script value to group data: booleans become 0/1,
// numbers a single byte, strings are hex.
func luaToData(v lua.LValue) ([]byte, error) {
	switch v := v.(type) {
	case lua.LBool:
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case lua.LNumber:
		n := float64(v)
		if n != float64(int(n)) || n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: number %v is not a byte, use a hex string", errBadValue, n)
		}
		return []byte{byte(n)}, nil
	case lua.LString:
		s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(string(v))), "0x")
		s = strings.Join(strings.Fields(s), "")
		if len(s)%2 == 1 {
			s = "0" + s
		}
		data, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadValue, err)
		}
		if len(data) == 0 || len(data) > maxGroupData {
			return nil, fmt.Errorf("%w: %d bytes", errBadValue, len(data))
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", errBadValue, v.Type())
}

// eventTable is the Lua view of a gateway event.
func eventTable(L *lua.LState, event gateway.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))

	switch d := event.Data.(type) {
	case gateway.TelegramEvent:
		t.RawSetString("source", lua.LString(d.Source))
		t.RawSetString("destination", lua.LString(d.Destination))
		t.RawSetString("group", lua.LBool(d.Group))
		t.RawSetString("command", lua.LString(d.Command))
		t.RawSetString("priority", lua.LString(d.Priority))
		t.RawSetString("data", lua.LString(d.Data))
		if raw, err := hex.DecodeString(d.Data); err == nil {
			bytes := L.NewTable()
			for _, b := range raw {
				bytes.Append(lua.LNumber(b))
			}
			t.RawSetString("bytes", bytes)
			if len(raw) == 1 {
				t.RawSetString("value", lua.LNumber(raw[0]))
			}
		}
		if d.Result != "" {
			t.RawSetString("result", lua.LString(d.Result))
			t.RawSetString("channel", lua.LNumber(d.Channel))
		}
	case gateway.ChannelEvent:
		t.RawSetString("channel", channelTable(L, d.Channel))
		if d.Reason != "" {
			t.RawSetString("reason", lua.LString(d.Reason))
		}
	case gateway.BusStateEvent:
		t.RawSetString("state", lua.LNumber(d.State))
		faults := L.NewTable()
		for _, f := range d.Faults {
			faults.Append(lua.LString(f))
		}
		t.RawSetString("faults", faults)
	case tunnel.Features:
		t.RawSetString("bus_connected", lua.LBool(d.BusConnected))
		t.RawSetString("info_service_enable", lua.LBool(d.InfoServiceEnable))
		t.RawSetString("active_emi", lua.LNumber(d.ActiveEMI))
	}
	return t
}

func channelTable(L *lua.LState, ch tunnel.Channel) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LNumber(ch.ID))
	t.RawSetString("type", lua.LString(ch.Type.String()))
	t.RawSetString("address", lua.LString(ch.Address.String()))
	t.RawSetString("endpoint", lua.LString(ch.Endpoint))
	return t
}

// syntheticEvent is the event a handler sees during a one-shot run: a
// switch-on write to the filtered addresses for telegram handlers.
func syntheticEvent(h luaEventHandler) gateway.Event {
	switch h.eventType {
	case gateway.EventBusTelegram, gateway.EventBusSent:
		return gateway.Event{Type: h.eventType, Data: gateway.TelegramEvent{
			Time:        now(),
			Source:      h.source,
			Destination: h.destination,
			Group:       true,
			Command:     telegram.CommandValueWrite.String(),
			Priority:    telegram.PriorityNormal.String(),
			Data:        "01",
		}}
	}
	return gateway.Event{Type: h.eventType}
}
