package gateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"knx-gateway/internal/knxnet"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tpuart"
	"knx-gateway/internal/tunnel"
)

type fakeBus struct {
	mu     sync.Mutex
	sent   [][]byte
	result tpuart.Result
	events chan tpuart.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{events: make(chan tpuart.Event, 16)}
}

func (b *fakeBus) Transmit(_ context.Context, frame []byte) (tpuart.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, bytes.Clone(frame))
	return b.result, nil
}

func (b *fakeBus) Events() <-chan tpuart.Event { return b.events }

func (b *fakeBus) Address() telegram.IndividualAddr { return telegram.NewIndividualAddr(1, 1, 0) }

func (b *fakeBus) transmitted() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

type harness struct {
	g      *Gateway
	bus    *fakeBus
	udp    *UDPServer
	client *net.UDPConn
	events chan Event
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := testLogger()
	bus := newFakeBus()
	tunnels := tunnel.NewManager(tunnel.Config{
		Addresses: []telegram.IndividualAddr{
			telegram.NewIndividualAddr(1, 1, 250),
			telegram.NewIndividualAddr(1, 1, 251),
		},
	})
	eb := NewEventBus(logger)
	h := &harness{bus: bus, events: make(chan Event, 64)}
	eb.OnAll(func(e Event) {
		select {
		case h.events <- e:
		default:
		}
	})
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 100 * time.Millisecond
	}
	h.g = New(cfg, bus, tunnels, eb, logger)
	h.g.Start()

	udp, err := ListenUDP(h.g, "127.0.0.1:0", "", "")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h.udp = udp
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		udp.Serve(ctx)
	}()

	h.client, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() {
		h.client.Close()
		h.g.Stop()
		cancel()
		<-done
	})
	return h
}

func (h *harness) hpai(t *testing.T) knxnet.HPAI {
	t.Helper()
	hp, err := knxnet.HPAIFromAddr(h.client.LocalAddr())
	if err != nil {
		t.Fatalf("hpai: %v", err)
	}
	return hp
}

func (h *harness) send(t *testing.T, svc knxnet.Service) {
	t.Helper()
	if _, err := h.client.WriteToUDPAddrPort(knxnet.Encode(svc), h.udp.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (h *harness) recv(t *testing.T) (knxnet.Header, knxnet.Service) {
	t.Helper()
	buf := make([]byte, knxnet.MaxFrameSize)
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := h.client.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	hdr, svc, err := knxnet.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if int(hdr.TotalLength) != n {
		t.Fatalf("total length = %d, datagram %d", hdr.TotalLength, n)
	}
	return hdr, svc
}

// expectNothing fails if a frame arrives within d.
func (h *harness) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	buf := make([]byte, knxnet.MaxFrameSize)
	h.client.SetReadDeadline(time.Now().Add(d))
	if n, _, err := h.client.ReadFromUDPAddrPort(buf); err == nil {
		_, svc, _ := knxnet.Decode(buf[:n])
		t.Fatalf("unexpected frame %T", svc)
	}
}

func (h *harness) connect(t *testing.T) *knxnet.ConnectResponse {
	t.Helper()
	hp := h.hpai(t)
	h.send(t, &knxnet.ConnectRequest{
		Control: hp,
		Data:    hp,
		CRI:     knxnet.CRI{Type: knxnet.TunnelConnection, Layer: knxnet.TunnelLinkLayer},
	})
	_, svc := h.recv(t)
	resp, ok := svc.(*knxnet.ConnectResponse)
	if !ok {
		t.Fatalf("got %T, want ConnectResponse", svc)
	}
	if resp.Status != knxnet.StatusNoError {
		t.Fatalf("connect status = %s", resp.Status)
	}
	return resp
}

func (h *harness) waitEvent(t *testing.T, typ string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func groupWriteReq(ga telegram.GroupAddr, value byte) []byte {
	tg := telegram.NewGroupWrite(0, ga, []byte{value})
	return knxnet.FromTelegram(knxnet.LDataReq, tg).Bytes()
}

func TestSearchAnnouncesBoundEndpoint(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(t, &knxnet.SearchRequest{Discovery: h.hpai(t)})
	_, svc := h.recv(t)
	resp, ok := svc.(*knxnet.SearchResponse)
	if !ok {
		t.Fatalf("got %T, want SearchResponse", svc)
	}
	if resp.Control.Protocol != knxnet.UDP4 {
		t.Errorf("protocol = %s", resp.Control.Protocol)
	}
	if got := resp.Control.AddrPort(); got != h.udp.LocalAddr() {
		t.Errorf("control endpoint = %s, want %s", got, h.udp.LocalAddr())
	}
	if resp.Description.Device.FriendlyName != "KNX IP Gateway" {
		t.Errorf("friendly name = %q", resp.Description.Device.FriendlyName)
	}
	if !resp.Description.Families.Supports(knxnet.FamilyTunnelling) {
		t.Error("tunnelling family not announced")
	}
}

func TestDescriptionRouteBack(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(t, &knxnet.DescriptionRequest{Control: knxnet.HPAI{Protocol: knxnet.UDP4}})
	_, svc := h.recv(t)
	resp, ok := svc.(*knxnet.DescriptionResponse)
	if !ok {
		t.Fatalf("got %T, want DescriptionResponse", svc)
	}
	if resp.Description.Tunnelling == nil || len(resp.Description.Tunnelling.Slots) != 2 {
		t.Fatalf("tunnelling info = %+v", resp.Description.Tunnelling)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	hp := h.hpai(t)

	resp := h.connect(t)
	if resp.Channel == 0 {
		t.Fatal("channel id 0")
	}
	if resp.CRD.Address != telegram.NewIndividualAddr(1, 1, 250) {
		t.Errorf("tunnel address = %s", resp.CRD.Address)
	}
	h.waitEvent(t, EventTunnelConnected)

	h.send(t, knxnet.NewConnectionStateRequest(resp.Channel, hp))
	_, svc := h.recv(t)
	if st, ok := svc.(*knxnet.ConnectionStateResponse); !ok || st.Status != knxnet.StatusNoError {
		t.Fatalf("connectionstate = %#v", svc)
	}

	h.send(t, knxnet.NewDisconnectRequest(resp.Channel, hp))
	_, svc = h.recv(t)
	if dr, ok := svc.(*knxnet.DisconnectResponse); !ok || dr.Status != knxnet.StatusNoError {
		t.Fatalf("disconnect = %#v", svc)
	}
	h.waitEvent(t, EventTunnelDisconnected)

	h.send(t, knxnet.NewConnectionStateRequest(resp.Channel, hp))
	_, svc = h.recv(t)
	if st, ok := svc.(*knxnet.ConnectionStateResponse); !ok || st.Status != knxnet.StatusConnectionID {
		t.Fatalf("connectionstate after disconnect = %#v", svc)
	}
}

func TestConnectRejects(t *testing.T) {
	h := newHarness(t, Config{})
	hp := h.hpai(t)

	tests := []struct {
		name string
		cri  knxnet.CRI
		want knxnet.Status
	}{
		{"busmonitor layer", knxnet.CRI{Type: knxnet.TunnelConnection, Layer: knxnet.TunnelBusmonitor}, knxnet.StatusTunnelingLayer},
		{"remote logging", knxnet.CRI{Type: knxnet.RemLogConnection}, knxnet.StatusConnectionType},
		{"foreign address", knxnet.CRI{
			Type: knxnet.TunnelConnection, Layer: knxnet.TunnelLinkLayer,
			Address: telegram.NewIndividualAddr(2, 2, 2), HasAddress: true,
		}, knxnet.StatusConnectionOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(t, &knxnet.ConnectRequest{Control: hp, Data: hp, CRI: tt.cri})
			_, svc := h.recv(t)
			resp, ok := svc.(*knxnet.ConnectResponse)
			if !ok {
				t.Fatalf("got %T", svc)
			}
			if resp.Status != tt.want {
				t.Errorf("status = %s, want %s", resp.Status, tt.want)
			}
		})
	}
	if n := len(h.g.Channels()); n != 0 {
		t.Errorf("%d channels allocated after rejects", n)
	}
}

func TestConnectPoolExhausted(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)
	h.connect(t)

	hp := h.hpai(t)
	h.send(t, &knxnet.ConnectRequest{
		Control: hp,
		Data:    hp,
		CRI:     knxnet.CRI{Type: knxnet.TunnelConnection, Layer: knxnet.TunnelLinkLayer},
	})
	_, svc := h.recv(t)
	if resp, ok := svc.(*knxnet.ConnectResponse); !ok || resp.Status != knxnet.StatusNoMoreConnections {
		t.Fatalf("third connect = %#v", svc)
	}
}

// recvTunnel reads frames until a TUNNELLING_REQUEST arrives, returning the
// acks seen on the way.
func (h *harness) recvTunnel(t *testing.T) (*knxnet.TunnelRequest, []*knxnet.TunnelAck) {
	t.Helper()
	var acks []*knxnet.TunnelAck
	for {
		_, svc := h.recv(t)
		switch s := svc.(type) {
		case *knxnet.TunnelAck:
			acks = append(acks, s)
		case *knxnet.TunnelRequest:
			return s, acks
		default:
			t.Fatalf("unexpected %T", svc)
		}
	}
}

func TestTunnelRequestTransmitsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.connect(t)
	ga := telegram.NewGroupAddr(1, 2, 3)

	req := &knxnet.TunnelRequest{
		ConnHeader: knxnet.ConnHeader{Channel: resp.Channel, Seq: 0},
		CEMI:       groupWriteReq(ga, 1),
	}
	h.send(t, req)
	con, acks := h.recvTunnel(t)
	if len(acks) != 1 || acks[0].Seq != 0 || acks[0].Status != knxnet.StatusNoError {
		t.Fatalf("acks = %+v", acks)
	}
	l, err := knxnet.DecodeLData(con.CEMI)
	if err != nil {
		t.Fatalf("decode con: %v", err)
	}
	if l.Code != knxnet.LDataCon || l.Failed() {
		t.Errorf("con = %s failed=%v", l.Code, l.Failed())
	}
	if l.Source != telegram.NewIndividualAddr(1, 1, 250) {
		t.Errorf("con source = %s, want tunnel address", l.Source)
	}
	if con.Seq != 0 {
		t.Errorf("con seq = %d", con.Seq)
	}
	h.send(t, &knxnet.TunnelAck{ConnHeader: knxnet.ConnHeader{Channel: resp.Channel, Seq: con.Seq}})

	sent := h.bus.transmitted()
	if len(sent) != 1 {
		t.Fatalf("transmitted %d frames, want 1", len(sent))
	}
	tg, v := telegram.Decode(sent[0])
	if v != telegram.Valid {
		t.Fatalf("frame validity %s", v)
	}
	if !tg.Group || telegram.GroupAddr(tg.Destination) != ga {
		t.Errorf("destination = %s", tg.DestinationString())
	}

	// A repeat of the same counter is acknowledged but not sent again.
	h.send(t, req)
	_, svc := h.recv(t)
	if ack, ok := svc.(*knxnet.TunnelAck); !ok || ack.Seq != 0 || ack.Status != knxnet.StatusNoError {
		t.Fatalf("duplicate ack = %#v", svc)
	}
	h.expectNothing(t, 200*time.Millisecond)
	if n := len(h.bus.transmitted()); n != 1 {
		t.Errorf("transmitted %d frames after duplicate", n)
	}
}

func TestTunnelRequestWrongSequence(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.connect(t)

	h.send(t, &knxnet.TunnelRequest{
		ConnHeader: knxnet.ConnHeader{Channel: resp.Channel, Seq: 5},
		CEMI:       groupWriteReq(telegram.NewGroupAddr(1, 2, 3), 1),
	})
	_, svc := h.recv(t)
	ack, ok := svc.(*knxnet.TunnelAck)
	if !ok || ack.Status != knxnet.StatusSequenceNumber {
		t.Fatalf("ack = %#v", svc)
	}
	h.expectNothing(t, 200*time.Millisecond)
	if n := len(h.bus.transmitted()); n != 0 {
		t.Errorf("transmitted %d frames", n)
	}
}

func TestTunnelRequestNack(t *testing.T) {
	h := newHarness(t, Config{})
	h.bus.result = tpuart.ResultNack
	resp := h.connect(t)

	h.send(t, &knxnet.TunnelRequest{
		ConnHeader: knxnet.ConnHeader{Channel: resp.Channel},
		CEMI:       groupWriteReq(telegram.NewGroupAddr(1, 2, 3), 0),
	})
	con, _ := h.recvTunnel(t)
	l, err := knxnet.DecodeLData(con.CEMI)
	if err != nil {
		t.Fatal(err)
	}
	if !l.Failed() {
		t.Error("confirmation not marked failed")
	}
}

func TestBusTelegramForwarded(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.connect(t)
	ga := telegram.NewGroupAddr(0, 0, 1)

	for want := uint8(0); want < 2; want++ {
		h.bus.events <- tpuart.Event{
			Type:      tpuart.EventTelegramReceived,
			Telegram:  telegram.NewGroupWrite(telegram.NewIndividualAddr(1, 1, 5), ga, []byte{want}),
			Addressed: true,
		}
		ind, _ := h.recvTunnel(t)
		if ind.Channel != resp.Channel || ind.Seq != want {
			t.Fatalf("indication %d: channel %d seq %d", want, ind.Channel, ind.Seq)
		}
		l, err := knxnet.DecodeLData(ind.CEMI)
		if err != nil {
			t.Fatal(err)
		}
		if l.Code != knxnet.LDataInd || l.Destination != uint16(ga) {
			t.Errorf("indication %d = %+v", want, l)
		}
		h.send(t, &knxnet.TunnelAck{ConnHeader: knxnet.ConnHeader{Channel: resp.Channel, Seq: ind.Seq}})
	}
	ev := h.waitEvent(t, EventBusTelegram)
	if te, ok := ev.Data.(TelegramEvent); !ok || te.Destination != "0/0/1" {
		t.Errorf("event = %+v", ev.Data)
	}
}

func TestUnaddressedNotForwarded(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)

	h.bus.events <- tpuart.Event{
		Type:     tpuart.EventTelegramReceived,
		Telegram: telegram.NewGroupWrite(telegram.NewIndividualAddr(1, 1, 5), 1, []byte{1}),
	}
	h.waitEvent(t, EventBusTelegram)
	h.expectNothing(t, 200*time.Millisecond)
}

func TestUnackedRequestClosesChannel(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: 50 * time.Millisecond})
	resp := h.connect(t)

	h.bus.events <- tpuart.Event{
		Type:      tpuart.EventTelegramReceived,
		Telegram:  telegram.NewGroupWrite(telegram.NewIndividualAddr(1, 1, 5), 1, []byte{1}),
		Addressed: true,
	}
	first, _ := h.recvTunnel(t)
	second, _ := h.recvTunnel(t)
	if first.Seq != second.Seq {
		t.Errorf("repeat seq = %d, want %d", second.Seq, first.Seq)
	}
	_, svc := h.recv(t)
	dr, ok := svc.(*knxnet.DisconnectRequest)
	if !ok || dr.Channel != resp.Channel {
		t.Fatalf("got %#v, want DisconnectRequest", svc)
	}
	h.waitEvent(t, EventTunnelDisconnected)
	if n := len(h.g.Channels()); n != 0 {
		t.Errorf("%d channels left", n)
	}
}

func TestSweepClosesIdleChannel(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.connect(t)

	h.g.sweep(time.Now().Add(tunnel.DefaultHeartbeatTimeout - time.Second))
	if n := len(h.g.Channels()); n != 1 {
		t.Fatalf("channel closed early")
	}

	h.g.sweep(time.Now().Add(tunnel.DefaultHeartbeatTimeout + time.Second))
	_, svc := h.recv(t)
	if dr, ok := svc.(*knxnet.DisconnectRequest); !ok || dr.Channel != resp.Channel {
		t.Fatalf("got %#v, want DisconnectRequest", svc)
	}
	ev := h.waitEvent(t, EventTunnelTimeout)
	if ce, ok := ev.Data.(ChannelEvent); !ok || ce.Channel.ID != resp.Channel {
		t.Errorf("event = %+v", ev.Data)
	}
}

func TestFeatureGetAndSet(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.connect(t)
	hdr := func(seq uint8) knxnet.ConnHeader { return knxnet.ConnHeader{Channel: resp.Channel, Seq: seq} }

	recvFeature := func() *knxnet.FeatureResponse {
		t.Helper()
		for {
			_, svc := h.recv(t)
			switch s := svc.(type) {
			case *knxnet.TunnelAck:
				continue
			case *knxnet.FeatureResponse:
				h.send(t, &knxnet.TunnelAck{ConnHeader: hdr(s.Seq)})
				return s
			default:
				t.Fatalf("unexpected %T", svc)
			}
		}
	}

	h.send(t, knxnet.NewFeatureGet(hdr(0), knxnet.FeatureBusConnectionStatus))
	fr := recvFeature()
	if fr.Return != knxnet.FeatureReturnSuccess || !bytes.Equal(fr.Value, []byte{1}) {
		t.Errorf("bus connection status = %d % X", fr.Return, fr.Value)
	}

	h.send(t, knxnet.NewFeatureSet(hdr(1), knxnet.FeatureMaxAPDULength, []byte{0, 50}))
	fr = recvFeature()
	if fr.Return != knxnet.FeatureReturnUnsupported {
		t.Errorf("read-only set return = %d", fr.Return)
	}

	h.send(t, knxnet.NewFeatureSet(hdr(2), knxnet.FeatureInfoServiceEnable, []byte{1}))
	fr = recvFeature()
	if fr.Return != knxnet.FeatureReturnSuccess {
		t.Errorf("info service enable return = %d", fr.Return)
	}
	h.waitEvent(t, EventTunnelFeatures)
	if !h.g.Features().InfoServiceEnable {
		t.Error("info service not enabled")
	}

	// A lost bus is now announced.
	h.bus.result = tpuart.ResultTimeout
	if err := h.g.GroupWrite(context.Background(), 1, []byte{1}); err == nil {
		t.Error("group write succeeded on a dead bus")
	}
	for {
		_, svc := h.recv(t)
		if fi, ok := svc.(*knxnet.FeatureInfo); ok {
			if fi.Feature != knxnet.FeatureBusConnectionStatus || !bytes.Equal(fi.Value, []byte{0}) {
				t.Errorf("feature info = %+v", fi)
			}
			break
		}
	}
}

func TestDeviceManagementPropertyRead(t *testing.T) {
	h := newHarness(t, Config{})
	hp := h.hpai(t)
	h.send(t, &knxnet.ConnectRequest{Control: hp, Data: hp, CRI: knxnet.CRI{Type: knxnet.DeviceMgmtConnection}})
	_, svc := h.recv(t)
	resp, ok := svc.(*knxnet.ConnectResponse)
	if !ok || resp.Status != knxnet.StatusNoError {
		t.Fatalf("connect = %#v", svc)
	}

	read := knxnet.PropertyRead{Code: knxnet.MPropReadReq, ObjectType: 11, Instance: 1, Property: 52, Count: 1, Start: 1}
	h.send(t, &knxnet.DeviceConfigRequest{
		ConnHeader: knxnet.ConnHeader{Channel: resp.Channel},
		CEMI:       read.Bytes(),
	})
	_, svc = h.recv(t)
	if ack, ok := svc.(*knxnet.DeviceConfigAck); !ok || ack.Status != knxnet.StatusNoError {
		t.Fatalf("ack = %#v", svc)
	}
	_, svc = h.recv(t)
	dc, ok := svc.(*knxnet.DeviceConfigRequest)
	if !ok {
		t.Fatalf("got %T, want DeviceConfigRequest", svc)
	}
	p, err := knxnet.DecodePropertyRead(dc.CEMI)
	if err != nil {
		t.Fatal(err)
	}
	if p.Code != knxnet.MPropReadCon || p.Count != 0 {
		t.Errorf("con = %+v", p)
	}
}

func TestTCPSession(t *testing.T) {
	h := newHarness(t, Config{})
	srv, err := ListenTCP(h.g, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.Dial("tcp4", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	write := func(svc knxnet.Service) {
		t.Helper()
		if _, err := conn.Write(knxnet.Encode(svc)); err != nil {
			t.Fatal(err)
		}
	}
	read := func() knxnet.Service {
		t.Helper()
		frame, err := readFrame(conn)
		if err != nil {
			t.Fatal(err)
		}
		_, svc, err := knxnet.Decode(frame)
		if err != nil {
			t.Fatal(err)
		}
		return svc
	}

	routeBack := knxnet.HPAI{Protocol: knxnet.TCP4}
	write(&knxnet.ConnectRequest{
		Control: routeBack,
		Data:    routeBack,
		CRI:     knxnet.CRI{Type: knxnet.TunnelConnection, Layer: knxnet.TunnelLinkLayer},
	})
	resp, ok := read().(*knxnet.ConnectResponse)
	if !ok || resp.Status != knxnet.StatusNoError {
		t.Fatalf("connect = %#v", resp)
	}
	if !resp.Data.IsRouteBack() || resp.Data.Protocol != knxnet.TCP4 {
		t.Errorf("data endpoint = %s", resp.Data)
	}

	// Two frames in one write must both be handled.
	req := func(seq uint8) []byte {
		return knxnet.Encode(&knxnet.TunnelRequest{
			ConnHeader: knxnet.ConnHeader{Channel: resp.Channel, Seq: seq},
			CEMI:       groupWriteReq(telegram.NewGroupAddr(1, 2, 3), seq),
		})
	}
	if _, err := conn.Write(append(req(0), req(1)...)); err != nil {
		t.Fatal(err)
	}
	for want := uint8(0); want < 2; want++ {
		con, ok := read().(*knxnet.TunnelRequest)
		if !ok {
			t.Fatalf("got %T, want TunnelRequest", con)
		}
		if con.Seq != want {
			t.Errorf("con seq = %d, want %d", con.Seq, want)
		}
	}
	if n := len(h.bus.transmitted()); n != 2 {
		t.Errorf("transmitted %d frames", n)
	}

	conn.Close()
	h.waitEvent(t, EventTunnelDisconnected)
	if n := len(h.g.Channels()); n != 0 {
		t.Errorf("%d channels after close", n)
	}
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		wantLen int
		wantErr error
	}{
		{"complete", []byte{0x06, 0x10, 0x02, 0x09, 0x00, 0x08, 0x01, 0x00}, 8, nil},
		{"bad header size", []byte{0x05, 0x10, 0x02, 0x09, 0x00, 0x08}, 0, knxnet.ErrHeaderSize},
		{"too short", []byte{0x06, 0x10, 0x02, 0x09, 0x00, 0x04}, 0, errFrameSize},
		{"too long", []byte{0x06, 0x10, 0x02, 0x09, 0x02, 0x00}, 0, errFrameSize},
		{"truncated", []byte{0x06, 0x10, 0x02, 0x09, 0x00, 0x0A, 0x01}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := readFrame(bytes.NewReader(tt.in))
			if tt.wantLen > 0 {
				if err != nil || len(frame) != tt.wantLen {
					t.Fatalf("readFrame = %d bytes, %v", len(frame), err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointHPAISubstitutesIdentityIP(t *testing.T) {
	g := New(Config{Identity: Identity{FriendlyName: "x", IP: netip.MustParseAddr("192.168.1.10")}},
		newFakeBus(), tunnel.NewManager(tunnel.Config{}), NewEventBus(testLogger()), testLogger())
	tr := &UDPServer{local: netip.MustParseAddrPort("0.0.0.0:3671")}
	got := g.endpointHPAI(tr)
	if got.AddrPort() != netip.MustParseAddrPort("192.168.1.10:3671") {
		t.Errorf("endpoint = %s", got)
	}
}
