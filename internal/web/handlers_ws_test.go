package web

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"knx-gateway/internal/gateway"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func clientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func busTelegram(dst string) gateway.Event {
	return gateway.Event{Type: gateway.EventBusTelegram, Data: gateway.TelegramEvent{
		Source: "1.1.1", Destination: dst, Group: true, Command: "GroupValueWrite", Data: "01",
	}}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub(t)

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}

	// A client that was never registered keeps its channel open.
	unknown := &wsClient{send: make(chan []byte, 1)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)
	select {
	case unknown.send <- []byte("x"):
	default:
		t.Error("unregistered client channel closed")
	}
}

func TestWSHubBroadcastFilters(t *testing.T) {
	hub := newTestHub(t)

	all := &wsClient{send: make(chan []byte, 16)}
	sent := &wsClient{send: make(chan []byte, 16), filter: wsFilter{types: []string{gateway.EventBusSent}}}
	group := &wsClient{send: make(chan []byte, 16), filter: wsFilter{destination: "1/2/3"}}
	for _, c := range []*wsClient{all, sent, group} {
		hub.register <- c
	}
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(busTelegram("1/2/3"))
	hub.Broadcast(busTelegram("4/4/4"))
	hub.Broadcast(gateway.Event{Type: gateway.EventBusReset})
	time.Sleep(20 * time.Millisecond)

	if n := len(all.send); n != 3 {
		t.Errorf("unfiltered client got %d events, want 3", n)
	}
	if n := len(sent.send); n != 0 {
		t.Errorf("bus.sent client got %d events, want 0", n)
	}
	if n := len(group.send); n != 1 {
		t.Fatalf("destination client got %d events, want 1", n)
	}

	var ev struct {
		Type string                `json:"type"`
		Data gateway.TelegramEvent `json:"data"`
	}
	if err := json.Unmarshal(<-group.send, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != gateway.EventBusTelegram || ev.Data.Destination != "1/2/3" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(busTelegram("0/0/1"))
	hub.Broadcast(busTelegram("0/0/2"))
	time.Sleep(20 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDoesNotBlock(t *testing.T) {
	hub := NewWSHub(testLogger())

	done := make(chan struct{})
	go func() {
		for range 300 {
			hub.Broadcast(busTelegram("0/0/1"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked with a full queue")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestParseWSFilter(t *testing.T) {
	tests := []struct {
		query string
		event gateway.Event
		want  bool
	}{
		{"", busTelegram("1/1/1"), true},
		{"types=bus.telegram", busTelegram("1/1/1"), true},
		{"types=bus.sent,+tunnel.connected", busTelegram("1/1/1"), false},
		{"types=bus.sent,tunnel.connected", gateway.Event{Type: gateway.EventTunnelConnected}, true},
		{"destination=1/1/1", busTelegram("1/1/1"), true},
		{"destination=1/1/2", busTelegram("1/1/1"), false},
		{"destination=1/1/1", gateway.Event{Type: gateway.EventBusReset}, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws?"+tt.query, nil)
		if got := parseWSFilter(r).match(tt.event); got != tt.want {
			t.Errorf("%q match %s = %v, want %v", tt.query, tt.event.Type, got, tt.want)
		}
	}
}
