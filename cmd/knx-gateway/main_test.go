package main

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/knxnet"
	"knx-gateway/internal/store"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustConfig(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := parseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestParseConfigDefaults(t *testing.T) {
	cfg := mustConfig(t, "bus:\n  port: /dev/ttyAMA0\n")

	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.KNXnet.ListenUDP != ":3671" || cfg.KNXnet.ListenTCP != ":3671" {
		t.Errorf("listen = %q / %q", cfg.KNXnet.ListenUDP, cfg.KNXnet.ListenTCP)
	}
	if cfg.KNXnet.MulticastGroup != "224.0.23.12" {
		t.Errorf("multicast = %q", cfg.KNXnet.MulticastGroup)
	}
	if cfg.KNXnet.Channels != tunnel.DefaultChannels {
		t.Errorf("channels = %d", cfg.KNXnet.Channels)
	}
	if cfg.KNXnet.HeartbeatTimeout != 120*time.Second {
		t.Errorf("heartbeat = %v", cfg.KNXnet.HeartbeatTimeout)
	}
	if cfg.KNXnet.SequenceModulus != 16 {
		t.Errorf("sequence modulus = %d", cfg.KNXnet.SequenceModulus)
	}
	if cfg.Bus.Repetitions != 3 {
		t.Errorf("repetitions = %d", cfg.Bus.Repetitions)
	}
	addrs, err := cfg.tunnelAddresses()
	if err != nil || len(addrs) != 4 || addrs[0] != telegram.NewIndividualAddr(1, 0, 250) {
		t.Errorf("tunnel addresses = %v, %v", addrs, err)
	}
	if !cfg.tcpEnabled() {
		t.Error("tcp disabled by default")
	}
	if cfg.MQTT.TopicPrefix != "knx" || cfg.Store.KeepSessions != 1000 {
		t.Errorf("mqtt prefix %q, keep %d", cfg.MQTT.TopicPrefix, cfg.Store.KeepSessions)
	}
}

func TestParseConfigValues(t *testing.T) {
	cfg := mustConfig(t, `
bus:
  port: /dev/ttyUSB0
  group_addresses: ["1/2/3", "0/0/1"]
knxnet:
  listen_tcp: "off"
  heartbeat_timeout: 30s
  tunnel_addresses: ["1.1.10"]
device:
  friendly_name: Office
  address: 1.1.0
`)
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.tcpEnabled() {
		t.Error("tcp should be disabled")
	}
	if cfg.KNXnet.HeartbeatTimeout != 30*time.Second {
		t.Errorf("heartbeat = %v", cfg.KNXnet.HeartbeatTimeout)
	}
	groups, err := cfg.groupAddresses()
	if err != nil || len(groups) != 2 || groups[0] != telegram.NewGroupAddr(1, 2, 3) {
		t.Errorf("groups = %v, %v", groups, err)
	}
}

func TestParseConfigBadYAML(t *testing.T) {
	if _, err := parseConfig([]byte("bus: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing port", "{}", "bus.port"},
		{"repetitions", "bus: {port: x, repetitions: 8}", "bus.repetitions"},
		{"group address", "bus: {port: x, group_addresses: [\"32/0/0\"]}", "bus.group_addresses"},
		{"device address", "bus: {port: x}\ndevice: {address: \"1.2\"}", "device.address"},
		{"duplicate tunnel", "bus: {port: x}\nknxnet: {tunnel_addresses: [1.0.9, 1.0.9]}", "listed twice"},
		{"channels", "bus: {port: x}\nknxnet: {channels: 300}", "knxnet.channels"},
		{"sequence modulus", "bus: {port: x}\nknxnet: {sequence_modulus: 32}", "knxnet.sequence_modulus"},
		{"multicast", "bus: {port: x}\nknxnet: {multicast_group: 10.0.0.1}", "knxnet.multicast_group"},
		{"friendly name", "bus: {port: x}\ndevice: {friendly_name: " + strings.Repeat("a", 31) + "}", "friendly_name"},
		{"mqtt broker", "bus: {port: x}\nmqtt: {enabled: true}", "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mustConfig(t, tt.yaml).validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestBuildIdentityDefaults(t *testing.T) {
	cfg := mustConfig(t, "bus: {port: x}")
	id, err := buildIdentity(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	def := gateway.DefaultIdentity()
	if id.FriendlyName != def.FriendlyName || id.Serial != def.Serial || id.MAC != def.MAC {
		t.Errorf("identity = %+v, want defaults", id)
	}
	if id.Address != telegram.NewIndividualAddr(1, 0, 0) {
		t.Errorf("address = %s", id.Address)
	}
	if id.Multicast != netip.MustParseAddr("224.0.23.12") {
		t.Errorf("multicast = %s", id.Multicast)
	}
}

func TestBuildIdentityLayers(t *testing.T) {
	cfg := mustConfig(t, `
bus: {port: x}
device:
  friendly_name: Config Name
  address: 1.1.0
  serial: "00fa:12345678"
  mac: "02:00:00:00:00:01"
  programming_mode: false
  ip: 192.168.1.20
  mask: 255.255.255.0
`)
	on := true
	id, err := buildIdentity(cfg, &store.Identity{FriendlyName: "Stored Name", ProgrammingMode: &on, ProjectID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if id.FriendlyName != "Stored Name" {
		t.Errorf("friendly name = %q, stored override should win", id.FriendlyName)
	}
	if id.Address != telegram.NewIndividualAddr(1, 1, 0) {
		t.Errorf("address = %s", id.Address)
	}
	if id.Serial != [6]byte{0x00, 0xFA, 0x12, 0x34, 0x56, 0x78} {
		t.Errorf("serial = % X", id.Serial)
	}
	if id.MAC != [6]byte{0x02, 0, 0, 0, 0, 0x01} {
		t.Errorf("mac = % X", id.MAC)
	}
	if !id.ProgrammingMode || id.ProjectID != 7 {
		t.Errorf("programming mode %v, project %d", id.ProgrammingMode, id.ProjectID)
	}
	if id.IP != netip.MustParseAddr("192.168.1.20") || id.Mask != netip.MustParseAddr("255.255.255.0") {
		t.Errorf("ip = %s mask = %s", id.IP, id.Mask)
	}
}

func TestBuildIdentityErrors(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		override *store.Identity
	}{
		{"serial", "device: {serial: zz}", nil},
		{"mac", "device: {mac: \"01:02\"}", nil},
		{"ip", "device: {ip: nope}", nil},
		{"stored address", "{}", &store.Identity{Address: "99.0.0"}},
		{"stored serial", "{}", &store.Identity{Serial: "01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildIdentity(mustConfig(t, tt.yaml), tt.override); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse6(t *testing.T) {
	want := [6]byte{0x00, 0x01, 0x11, 0x11, 0x11, 0x11}
	for _, in := range []string{"000111111111", "00:01:11:11:11:11", "00-01-11-11-11-11", "0001 1111 1111"} {
		got, err := parse6(in)
		if err != nil || got != want {
			t.Errorf("parse6(%q) = % X, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "0001", "00011111111122", "gg0111111111"} {
		if _, err := parse6(in); err == nil {
			t.Errorf("parse6(%q) should fail", in)
		}
	}
}

func TestRestoreFeatures(t *testing.T) {
	db := newTestStore(t)

	f, err := restoreFeatures(db)
	if err != nil {
		t.Fatal(err)
	}
	if f != tunnel.DefaultFeatures() {
		t.Errorf("empty store features = %+v, want defaults", f)
	}

	if err := db.SaveFeatures(&store.Features{InfoServiceEnable: true, ActiveEMI: 0x03}); err != nil {
		t.Fatal(err)
	}
	f, err = restoreFeatures(db)
	if err != nil {
		t.Fatal(err)
	}
	if !f.InfoServiceEnable || f.ActiveEMI != 0x03 || f.MaxAPDU != 15 {
		t.Errorf("features = %+v", f)
	}
}

func TestPersisterFeaturesAndSessions(t *testing.T) {
	db := newTestStore(t)
	eb := gateway.NewEventBus(testLogger())
	p := newPersister(db, 2, testLogger())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	unsub := p.subscribe(eb)

	f := tunnel.DefaultFeatures()
	f.InfoServiceEnable = true
	eb.Emit(gateway.Event{Type: gateway.EventTunnelFeatures, Data: f})

	saved, err := db.GetFeatures()
	if err != nil {
		t.Fatal(err)
	}
	if !saved.InfoServiceEnable || !saved.UpdatedAt.Equal(fixed) {
		t.Errorf("saved features = %+v", saved)
	}

	ch := tunnel.Channel{
		ID:       1,
		Type:     knxnet.TunnelConnection,
		Address:  telegram.NewIndividualAddr(1, 0, 250),
		Endpoint: "udp4/192.168.1.5:3671",
	}
	eb.Emit(gateway.Event{Type: gateway.EventTunnelDisconnected, Data: gateway.ChannelEvent{Channel: ch, Reason: "client"}})
	eb.Emit(gateway.Event{Type: gateway.EventTunnelTimeout, Data: gateway.ChannelEvent{Channel: ch}})
	mgmt := tunnel.Channel{ID: 2, Type: knxnet.DeviceMgmtConnection}
	eb.Emit(gateway.Event{Type: gateway.EventTunnelDisconnected, Data: gateway.ChannelEvent{Channel: mgmt, Reason: "client"}})

	sessions, err := db.ListSessions(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2 after pruning", len(sessions))
	}
	if sessions[0].Type != "device-management" || sessions[0].Address != "" {
		t.Errorf("newest = %+v", sessions[0])
	}
	if sessions[1].Reason != "timeout" || sessions[1].Address != "1.0.250" {
		t.Errorf("timeout session = %+v", sessions[1])
	}

	unsub()
	eb.Emit(gateway.Event{Type: gateway.EventTunnelDisconnected, Data: gateway.ChannelEvent{Channel: ch}})
	if sessions, _ := db.ListSessions(0); len(sessions) != 2 {
		t.Errorf("sessions after unsubscribe = %d", len(sessions))
	}
}

func TestPersisterIgnoresForeignData(t *testing.T) {
	db := newTestStore(t)
	eb := gateway.NewEventBus(testLogger())
	defer newPersister(db, 0, testLogger()).subscribe(eb)()

	eb.Emit(gateway.Event{Type: gateway.EventTunnelFeatures, Data: "bogus"})
	eb.Emit(gateway.Event{Type: gateway.EventTunnelDisconnected, Data: nil})

	if _, err := db.GetFeatures(); err == nil {
		t.Error("features saved from bogus event")
	}
	if sessions, _ := db.ListSessions(0); len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0", len(sessions))
	}
}
