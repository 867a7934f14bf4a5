package busmon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"knx-gateway/internal/telegram"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := Open(filepath.Join(t.TempDir(), "busmon.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRecordDevicesAndGroups(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	src := telegram.NewIndividualAddr(1, 1, 5)
	light := telegram.NewGroupAddr(1, 2, 3)
	temp := telegram.NewGroupAddr(3, 0, 1)

	m.Record(telegram.NewGroupWrite(src, light, []byte{1}), t0)
	m.Record(telegram.NewGroupWrite(src, light, []byte{0}), t0.Add(time.Second))
	m.Record(telegram.NewGroupRead(telegram.NewIndividualAddr(1, 1, 6), temp), t0.Add(2*time.Second))

	resp := telegram.NewGroupWrite(telegram.NewIndividualAddr(1, 1, 7), temp, []byte{0x0C, 0x1A})
	resp.Payload[1] = resp.Payload[1]&0x3F | 0x40 // GroupValueResponse
	m.Record(resp, t0.Add(3*time.Second))

	devices, err := m.Devices(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 3 {
		t.Fatalf("devices = %d, want 3", len(devices))
	}
	if devices[0].Address != "1.1.7" {
		t.Errorf("most recent device = %s, want 1.1.7", devices[0].Address)
	}
	for _, d := range devices {
		if d.Address == "1.1.5" && d.MessageCount != 2 {
			t.Errorf("1.1.5 message count = %d, want 2", d.MessageCount)
		}
		if d.Address == "1.1.5" && !d.FirstSeen.Equal(t0) {
			t.Errorf("1.1.5 first seen = %v, want %v", d.FirstSeen, t0)
		}
	}

	groups, err := m.Groups(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Address != "3/0/1" || !groups[0].HasReadResponse {
		t.Errorf("first group = %+v, want 3/0/1 with read response", groups[0])
	}
	if groups[0].LastValue != "0C1A" {
		t.Errorf("3/0/1 last value = %q, want 0C1A", groups[0].LastValue)
	}
	if groups[1].LastValue != "00" || groups[1].MessageCount != 2 {
		t.Errorf("1/2/3 = %+v", groups[1])
	}
}

func TestRecordSkipsZeroAddresses(t *testing.T) {
	m := newTestMonitor(t)

	m.Record(telegram.NewGroupWrite(0, 0, []byte{1}), time.Now())

	devices, err := m.Devices(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	groups, err := m.Groups(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 0 || len(groups) != 0 {
		t.Errorf("recorded %d devices, %d groups", len(devices), len(groups))
	}
}

func TestDevicesLimit(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()
	for i := uint8(1); i <= 5; i++ {
		m.Record(telegram.NewGroupRead(telegram.NewIndividualAddr(1, 1, i), 1), now.Add(time.Duration(i)*time.Second))
	}
	devices, err := m.Devices(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].Address != "1.1.5" {
		t.Errorf("devices = %+v", devices)
	}
}
