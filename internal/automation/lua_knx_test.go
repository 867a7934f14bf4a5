//go:build !no_automation

package automation

import (
	"bytes"
	"errors"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/knxnet"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestLuaToData(t *testing.T) {
	tests := []struct {
		name    string
		in      lua.LValue
		want    []byte
		wantErr bool
	}{
		{"true", lua.LTrue, []byte{1}, false},
		{"false", lua.LFalse, []byte{0}, false},
		{"byte", lua.LNumber(200), []byte{200}, false},
		{"fraction", lua.LNumber(1.5), nil, true},
		{"too large", lua.LNumber(256), nil, true},
		{"negative", lua.LNumber(-1), nil, true},
		{"hex", lua.LString("0C1A"), []byte{0x0C, 0x1A}, false},
		{"hex prefix and spaces", lua.LString("0x0c 1a"), []byte{0x0C, 0x1A}, false},
		{"odd hex", lua.LString("A"), []byte{0x0A}, false},
		{"empty", lua.LString(""), nil, true},
		{"not hex", lua.LString("zz"), nil, true},
		{"too long", lua.LString("000102030405060708090A0B0C0D0E"), nil, true},
		{"nil", lua.LNil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := luaToData(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errBadValue) {
					t.Fatalf("err = %v, want errBadValue", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("data = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestInRange(t *testing.T) {
	tests := []struct {
		m, from, to int
		want        bool
	}{
		{9 * 60, 8 * 60, 22 * 60, true},
		{22 * 60, 8 * 60, 22 * 60, false},
		{7*60 + 59, 8 * 60, 22 * 60, false},
		{23 * 60, 22 * 60, 6 * 60, true},
		{5*60 + 30, 22 * 60, 6 * 60, true},
		{12 * 60, 22 * 60, 6 * 60, false},
	}
	for _, tt := range tests {
		if got := inRange(tt.m, tt.from, tt.to); got != tt.want {
			t.Errorf("inRange(%d, %d, %d) = %v, want %v", tt.m, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestKNXTimeBetween(t *testing.T) {
	withClock(t, time.Date(2026, 3, 14, 22, 30, 0, 0, time.Local))
	e, _, _ := newTestEngine(t)

	r := e.RunLuaCode(`
assert(knx.time_between(22, 6), "22-6")
assert(knx.time_between("22:15", "22:45"), "22:15-22:45")
assert(not knx.time_between("08:00", "22:30"), "08:00-22:30")
assert(knx.clock("hour") == 22)
assert(knx.clock("minute") == 30)
assert(knx.clock("date") == "2026-03-14")
`)
	if !r.OK {
		t.Fatalf("run failed: %s", r.Error)
	}

	if r := e.RunLuaCode(`knx.time_between("25:00", 6)`); r.OK {
		t.Error("bad time accepted")
	}
	if r := e.RunLuaCode(`knx.clock("fortnight")`); r.OK {
		t.Error("unknown clock component accepted")
	}
}

func TestKNXChannels(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	gw.channels = []tunnel.Channel{{
		ID:       1,
		Type:     knxnet.TunnelConnection,
		Address:  telegram.IndividualAddr(0x1105),
		Endpoint: "192.168.1.20:3671",
	}}

	r := e.RunLuaCode(`
local chs = knx.channels()
knx.log(#chs .. " " .. chs[1].id .. " " .. chs[1].address .. " " .. chs[1].endpoint)`)
	if !r.OK {
		t.Fatalf("run failed: %s", r.Error)
	}
	if len(r.Logs) != 1 || r.Logs[0] != "[info] 1 1 1.1.5 192.168.1.20:3671" {
		t.Errorf("logs = %v", r.Logs)
	}
}

func TestEventTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := eventTable(L, gateway.Event{Type: gateway.EventBusSent, Data: gateway.TelegramEvent{
		Source:      "1.0.0",
		Destination: "3/1/7",
		Group:       true,
		Command:     "GroupValueWrite",
		Priority:    "low",
		Data:        "0c1a",
		Result:      "ack",
		Channel:     2,
	}})
	checks := map[string]lua.LValue{
		"type":        lua.LString(gateway.EventBusSent),
		"source":      lua.LString("1.0.0"),
		"destination": lua.LString("3/1/7"),
		"group":       lua.LTrue,
		"data":        lua.LString("0c1a"),
		"result":      lua.LString("ack"),
		"channel":     lua.LNumber(2),
		"value":       lua.LNil,
	}
	for k, want := range checks {
		if got := tbl.RawGetString(k); got != want {
			t.Errorf("%s = %v, want %v", k, got, want)
		}
	}
	if b, ok := tbl.RawGetString("bytes").(*lua.LTable); !ok || b.Len() != 2 || b.RawGetInt(2) != lua.LNumber(0x1A) {
		t.Errorf("bytes = %v", tbl.RawGetString("bytes"))
	}

	tbl = eventTable(L, gateway.Event{Type: gateway.EventBusState, Data: gateway.BusStateEvent{State: 0x07, Faults: []string{"slave collision"}}})
	if faults, ok := tbl.RawGetString("faults").(*lua.LTable); !ok || faults.Len() != 1 {
		t.Errorf("faults = %v", tbl.RawGetString("faults"))
	}

	tbl = eventTable(L, gateway.Event{Type: gateway.EventTunnelDisconnected, Data: gateway.ChannelEvent{
		Channel: tunnel.Channel{ID: 4, Type: knxnet.TunnelConnection},
		Reason:  "client",
	}})
	ch, ok := tbl.RawGetString("channel").(*lua.LTable)
	if !ok || ch.RawGetString("id") != lua.LNumber(4) {
		t.Errorf("channel = %v", tbl.RawGetString("channel"))
	}
	if tbl.RawGetString("reason") != lua.LString("client") {
		t.Errorf("reason = %v", tbl.RawGetString("reason"))
	}
}

func TestKNXAfterRunsOnScriptLoop(t *testing.T) {
	e, gw, mgr := newTestEngine(t)

	if _, err := mgr.Save(&Script{
		Meta:    ScriptMeta{Name: "Delayed", Enabled: true},
		LuaCode: `knx.after(0.05, function() knx.group_write("4/0/1", true) end)`,
	}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	if c := gw.next(t); c.ga.String() != "4/0/1" {
		t.Errorf("write to %s, want 4/0/1", c.ga)
	}
}

func TestKNXAfterCancelledOnStop(t *testing.T) {
	e, gw, mgr := newTestEngine(t)

	if _, err := mgr.Save(&Script{
		Meta:    ScriptMeta{Name: "Late", Enabled: true},
		LuaCode: `knx.after(0.2, function() knx.group_write("4/0/2", true) end)`,
	}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	e.StopScript("late")
	select {
	case c := <-gw.calls:
		t.Fatalf("stopped script wrote to %s", c.ga)
	case <-time.After(400 * time.Millisecond):
	}
	e.Stop()
}
