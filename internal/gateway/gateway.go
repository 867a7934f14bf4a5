// Package gateway is the KNXnet/IP tunnelling server. It dispatches decoded
// network frames to the channel pool and the bus, and wraps bus telegrams
// for the connected tunnels.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"knx-gateway/internal/knxnet"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tpuart"
	"knx-gateway/internal/tunnel"
)

var ErrStopped = errors.New("gateway: stopped")

// Transport is the network side a frame arrived on.
type Transport interface {
	// Send delivers a frame. Stream transports ignore the address.
	Send(frame []byte, to netip.AddrPort) error
	Protocol() knxnet.HostProtocol
	LocalAddr() netip.AddrPort
}

// Bus is the bus side, implemented by *tpuart.Adapter.
type Bus interface {
	Transmit(ctx context.Context, frame []byte) (tpuart.Result, error)
	Events() <-chan tpuart.Event
	Address() telegram.IndividualAddr
}

// Config tunes the gateway. Zero fields take defaults.
type Config struct {
	Identity Identity
	// AckTimeout bounds the wait for a client's TUNNELLING_ACK.
	AckTimeout time.Duration // default 1s
	// SweepInterval is how often idle channels are checked.
	SweepInterval time.Duration // default 10s
	// ForwardUnaddressed also forwards telegrams the coupler did not
	// acknowledge, turning tunnels into a line monitor.
	ForwardUnaddressed bool
	QueueSize          int // default 32
}

func (c *Config) setDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 32
	}
	if c.Identity.FriendlyName == "" && c.Identity.Address == 0 {
		c.Identity = DefaultIdentity()
	}
}

type busJob struct {
	tg      telegram.Telegram
	channel uint8      // originating tunnel, 0 for local requests
	done    chan error // nil unless the caller waits
}

// Gateway couples the bus with the KNXnet/IP channels.
type Gateway struct {
	cfg      Config
	identity Identity
	bus      Bus
	tunnels  *tunnel.Manager
	events   *EventBus
	logger   *slog.Logger
	now      func() time.Time

	busQueue chan busJob

	sendersMu sync.Mutex
	senders   map[uint8]*sender

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once
}

// New creates a gateway. Start launches its loops.
func New(cfg Config, bus Bus, tunnels *tunnel.Manager, events *EventBus, logger *slog.Logger) *Gateway {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		identity: cfg.Identity,
		bus:      bus,
		tunnels:  tunnels,
		events:   events,
		logger:   logger.With("component", "gateway"),
		now:      time.Now,
		busQueue: make(chan busJob, cfg.QueueSize),
		senders:  make(map[uint8]*sender),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the bus reader, the bus writer and the heartbeat sweeper.
func (g *Gateway) Start() {
	g.started.Do(func() {
		g.wg.Add(3)
		go g.busLoop()
		go g.busWriter()
		go g.sweeper()
		g.logger.Info("gateway started", "address", g.identity.Address.String(), "channels", g.tunnels.Capacity())
	})
}

// Stop closes every channel with a DISCONNECT_REQUEST and waits for the
// loops to exit.
func (g *Gateway) Stop() {
	for _, ch := range g.tunnels.Channels() {
		g.closeChannel(ch, EventTunnelDisconnected, "shutdown")
	}
	g.cancel()
	g.wg.Wait()
}

// Events returns the event bus.
func (g *Gateway) Events() *EventBus { return g.events }

// Identity returns the device identity.
func (g *Gateway) Identity() Identity { return g.identity }

// Channels returns the connected channels.
func (g *Gateway) Channels() []tunnel.Channel { return g.tunnels.Channels() }

// Features returns the tunnelling feature block.
func (g *Gateway) Features() tunnel.Features { return g.tunnels.Features() }

// BusAddress returns the individual address of the bus coupler.
func (g *Gateway) BusAddress() telegram.IndividualAddr { return g.bus.Address() }

// GroupWrite sends a GroupValue_Write from the gateway's own address and
// waits for the bus confirmation.
func (g *Gateway) GroupWrite(ctx context.Context, ga telegram.GroupAddr, data []byte) error {
	return g.submit(ctx, telegram.NewGroupWrite(g.bus.Address(), ga, data))
}

// GroupRead sends a GroupValue_Read; the response arrives as a bus.telegram event.
func (g *Gateway) GroupRead(ctx context.Context, ga telegram.GroupAddr) error {
	return g.submit(ctx, telegram.NewGroupRead(g.bus.Address(), ga))
}

func (g *Gateway) submit(ctx context.Context, tg telegram.Telegram) error {
	job := busJob{tg: tg, done: make(chan error, 1)}
	select {
	case g.busQueue <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrStopped
	}
}

// link binds a channel to the transport it was opened on.
type link struct {
	tr      Transport
	control netip.AddrPort
	data    netip.AddrPort
}

func (l *link) SendControl(frame []byte) error { return l.tr.Send(frame, l.control) }
func (l *link) SendData(frame []byte) error    { return l.tr.Send(frame, l.data) }
func (l *link) Protocol() knxnet.HostProtocol  { return l.tr.Protocol() }
func (l *link) String() string                 { return fmt.Sprintf("%s/%s", l.tr.Protocol(), l.data) }

// endpointHPAI is the server endpoint announced to clients. Stream
// transports announce the route-back endpoint.
func (g *Gateway) endpointHPAI(tr Transport) knxnet.HPAI {
	if tr.Protocol() == knxnet.TCP4 {
		return knxnet.HPAI{Protocol: knxnet.TCP4}
	}
	local := tr.LocalAddr()
	if local.Addr().IsUnspecified() && g.identity.IP.IsValid() {
		local = netip.AddrPortFrom(g.identity.IP, local.Port())
	}
	h, err := knxnet.HPAIFromAddrPort(knxnet.UDP4, local)
	if err != nil {
		return knxnet.HPAI{Protocol: knxnet.UDP4}
	}
	return h
}

func (g *Gateway) reply(tr Transport, to netip.AddrPort, svc knxnet.Service) {
	if err := tr.Send(knxnet.Encode(svc), to); err != nil {
		g.logger.Warn("send failed", "service", svc.Service().String(), "to", to.String(), "err", err)
	}
}

// answerTo resolves where a response to hpai goes.
func answerTo(tr Transport, hpai knxnet.HPAI, from netip.AddrPort) netip.AddrPort {
	if tr.Protocol() == knxnet.TCP4 {
		return from
	}
	return hpai.Resolve(from)
}

// HandleDatagram dispatches one complete KNXnet/IP frame received from
// from on tr. It never blocks on the bus.
func (g *Gateway) HandleDatagram(frame []byte, from netip.AddrPort, tr Transport) {
	h, svc, err := knxnet.Decode(frame)
	if err != nil {
		g.reject(h, err, from, tr)
		return
	}
	g.logger.Debug("frame received", "service", h.Service.String(), "from", from.String())

	switch s := svc.(type) {
	case *knxnet.SearchRequest:
		g.reply(tr, answerTo(tr, s.Discovery, from), &knxnet.SearchResponse{
			Control:     g.endpointHPAI(tr),
			Description: g.describe(false),
		})
	case *knxnet.SearchRequestExt:
		g.reply(tr, answerTo(tr, s.Discovery, from), &knxnet.SearchResponse{
			Extended:    true,
			Control:     g.endpointHPAI(tr),
			Description: g.describe(true),
		})
	case *knxnet.DescriptionRequest:
		g.reply(tr, answerTo(tr, s.Control, from), &knxnet.DescriptionResponse{Description: g.describe(true)})
	case *knxnet.ConnectRequest:
		g.handleConnect(s, from, tr)
	case *knxnet.ConnectionStateRequest:
		g.handleConnectionState(s, from, tr)
	case *knxnet.DisconnectRequest:
		g.handleDisconnect(s, from, tr)
	case *knxnet.DisconnectResponse:
		g.logger.Debug("disconnect confirmed", "channel", s.Channel)
	case *knxnet.TunnelRequest:
		g.handleTunnelRequest(s, from, tr)
	case *knxnet.TunnelAck:
		g.handleAck(s.ConnHeader)
	case *knxnet.DeviceConfigRequest:
		g.handleDeviceConfig(s, from, tr)
	case *knxnet.DeviceConfigAck:
		g.handleAck(s.ConnHeader)
	case *knxnet.FeatureGet:
		g.handleFeature(s.ConnHeader, s.Feature, nil, false, from, tr)
	case *knxnet.FeatureSet:
		g.handleFeature(s.ConnHeader, s.Feature, s.Value, true, from, tr)
	case *knxnet.RoutingIndication:
		g.logger.Debug("routing indication ignored", "from", from.String())
	default:
		g.logger.Debug("service ignored", "service", h.Service.String(), "from", from.String())
	}
}

func (g *Gateway) reject(h knxnet.Header, err error, from netip.AddrPort, tr Transport) {
	if errors.Is(err, knxnet.ErrUnknownService) {
		g.logger.Debug("service ignored", "service", h.Service.String(), "from", from.String())
		return
	}
	status := knxnet.StatusOf(err)
	if h.Service == knxnet.ServiceConnectRequest && status == knxnet.StatusHostProtocolType {
		g.reply(tr, from, &knxnet.ConnectResponse{Status: status})
		return
	}
	g.logger.Debug("frame rejected", "from", from.String(), "status", status.String(), "err", err)
}

func (g *Gateway) handleConnect(req *knxnet.ConnectRequest, from netip.AddrPort, tr Transport) {
	to := answerTo(tr, req.Control, from)
	if req.Control.Protocol != tr.Protocol() || req.Data.Protocol != tr.Protocol() {
		g.reply(tr, to, &knxnet.ConnectResponse{Status: knxnet.StatusHostProtocolType})
		return
	}
	l := &link{tr: tr, control: to, data: answerTo(tr, req.Data, from)}
	ch, err := g.tunnels.Allocate(tunnel.Request{CRI: req.CRI, Link: l})
	if err != nil {
		g.logger.Info("connect refused", "from", from.String(), "type", req.CRI.Type.String(), "err", err)
		g.reply(tr, to, &knxnet.ConnectResponse{Status: knxnet.StatusOf(err)})
		return
	}
	g.startSender(ch.ID)
	g.reply(tr, to, &knxnet.ConnectResponse{
		Channel: ch.ID,
		Status:  knxnet.StatusNoError,
		Data:    g.endpointHPAI(tr),
		CRD:     knxnet.CRD{Type: ch.Type, Address: ch.Address},
	})
	g.logger.Info("channel connected", "channel", ch.ID, "type", ch.Type.String(),
		"address", ch.Address.String(), "endpoint", ch.Endpoint)
	g.events.Emit(Event{Type: EventTunnelConnected, Data: ChannelEvent{Channel: ch}})
}

func (g *Gateway) handleConnectionState(req *knxnet.ConnectionStateRequest, from netip.AddrPort, tr Transport) {
	status := knxnet.StatusNoError
	ch, err := g.tunnels.Lookup(req.Channel)
	switch {
	case err != nil:
		status = knxnet.StatusOf(err)
	case ch.Tunnel() && !g.tunnels.Features().BusConnected:
		status = knxnet.StatusKNXConnection
	}
	if err == nil {
		_ = g.tunnels.Touch(req.Channel)
	}
	g.reply(tr, answerTo(tr, req.Control, from), knxnet.NewConnectionStateResponse(req.Channel, status))
}

func (g *Gateway) handleDisconnect(req *knxnet.DisconnectRequest, from netip.AddrPort, tr Transport) {
	ch, err := g.tunnels.Release(req.Channel)
	g.reply(tr, answerTo(tr, req.Control, from), knxnet.NewDisconnectResponse(req.Channel, knxnet.StatusOf(err)))
	if err != nil {
		g.logger.Debug("disconnect for unknown channel", "channel", req.Channel)
		return
	}
	g.stopSender(ch.ID)
	g.logger.Info("channel disconnected", "channel", ch.ID, "reason", "client")
	g.events.Emit(Event{Type: EventTunnelDisconnected, Data: ChannelEvent{Channel: ch, Reason: "client"}})
}

// closeChannel tells the client the channel is gone, then frees it.
func (g *Gateway) closeChannel(ch tunnel.Channel, event, reason string) {
	if l, ok := ch.Link.(*link); ok {
		req := knxnet.NewDisconnectRequest(ch.ID, g.endpointHPAI(l.tr))
		if err := l.SendControl(knxnet.Encode(req)); err != nil {
			g.logger.Debug("disconnect request not sent", "channel", ch.ID, "err", err)
		}
	}
	if _, err := g.tunnels.Release(ch.ID); err != nil {
		return
	}
	g.stopSender(ch.ID)
	g.logger.Info("channel closed", "channel", ch.ID, "reason", reason)
	g.events.Emit(Event{Type: event, Data: ChannelEvent{Channel: ch, Reason: reason}})
}

// DropTransport releases every channel opened on tr, used when a TCP
// connection ends.
func (g *Gateway) DropTransport(tr Transport) {
	for _, ch := range g.tunnels.Channels() {
		l, ok := ch.Link.(*link)
		if !ok || l.tr != tr {
			continue
		}
		if _, err := g.tunnels.Release(ch.ID); err != nil {
			continue
		}
		g.stopSender(ch.ID)
		g.logger.Info("channel closed", "channel", ch.ID, "reason", "connection closed")
		g.events.Emit(Event{Type: EventTunnelDisconnected, Data: ChannelEvent{Channel: ch, Reason: "connection closed"}})
	}
}

// sendAck acknowledges a request on a datagram link. Stream links carry
// no acknowledgements.
func (g *Gateway) sendAck(tr Transport, to netip.AddrPort, ack knxnet.Service) {
	if tr.Protocol() == knxnet.TCP4 {
		return
	}
	g.reply(tr, to, ack)
}

// accept applies the sequence rule and acknowledges. It reports whether
// the request body should be processed.
func (g *Gateway) accept(h knxnet.ConnHeader, from netip.AddrPort, tr Transport,
	ack func(knxnet.ConnHeader) knxnet.Service, want func(tunnel.Channel) bool) (tunnel.Channel, bool) {
	ackHdr := knxnet.ConnHeader{Channel: h.Channel, Seq: h.Seq}
	ch, err := g.tunnels.Lookup(h.Channel)
	if err != nil {
		ackHdr.Status = knxnet.StatusOf(err)
		g.sendAck(tr, from, ack(ackHdr))
		return ch, false
	}
	to := from
	if l, ok := ch.Link.(*link); ok {
		to = l.data
	}
	if !want(ch) {
		ackHdr.Status = knxnet.StatusConnectionType
		g.sendAck(tr, to, ack(ackHdr))
		return ch, false
	}
	ch, dup, err := g.tunnels.Accept(h.Channel, h.Seq)
	if err != nil {
		g.logger.Debug("request discarded", "channel", h.Channel, "err", err)
		ackHdr.Status = knxnet.StatusOf(err)
		g.sendAck(tr, to, ack(ackHdr))
		return ch, false
	}
	g.sendAck(tr, to, ack(ackHdr))
	if dup {
		g.logger.Debug("duplicate request", "channel", h.Channel, "seq", h.Seq)
		return ch, false
	}
	return ch, true
}

func tunnelAck(h knxnet.ConnHeader) knxnet.Service { return &knxnet.TunnelAck{ConnHeader: h} }
func configAck(h knxnet.ConnHeader) knxnet.Service { return &knxnet.DeviceConfigAck{ConnHeader: h} }

func isTunnel(ch tunnel.Channel) bool { return ch.Tunnel() }
func isMgmt(ch tunnel.Channel) bool   { return ch.Type == knxnet.DeviceMgmtConnection }

func (g *Gateway) handleTunnelRequest(req *knxnet.TunnelRequest, from netip.AddrPort, tr Transport) {
	ch, ok := g.accept(req.ConnHeader, from, tr, tunnelAck, isTunnel)
	if !ok {
		return
	}
	l, err := knxnet.DecodeLData(req.CEMI)
	if err != nil {
		g.logger.Debug("cemi dropped", "channel", ch.ID, "err", err)
		return
	}
	if l.Code != knxnet.LDataReq {
		g.logger.Debug("cemi dropped", "channel", ch.ID, "code", l.Code.String())
		return
	}
	tg, err := l.Telegram(ch.Address)
	if err != nil {
		g.logger.Debug("cemi not transmittable", "channel", ch.ID, "err", err)
		g.sendCEMI(ch.ID, l.Confirm(false).Bytes())
		return
	}
	select {
	case g.busQueue <- busJob{tg: tg, channel: ch.ID}:
	default:
		g.logger.Warn("bus queue full, telegram dropped", "channel", ch.ID, "destination", tg.DestinationString())
		g.sendCEMI(ch.ID, knxnet.FromTelegram(knxnet.LDataReq, tg).Confirm(false).Bytes())
	}
}

func (g *Gateway) handleDeviceConfig(req *knxnet.DeviceConfigRequest, from netip.AddrPort, tr Transport) {
	ch, ok := g.accept(req.ConnHeader, from, tr, configAck, isMgmt)
	if !ok {
		return
	}
	p, err := knxnet.DecodePropertyRead(req.CEMI)
	if err != nil || p.Code != knxnet.MPropReadReq {
		g.logger.Debug("management request ignored", "channel", ch.ID, "err", err)
		return
	}
	con := p.Reject(knxnet.PropErrVoid).Bytes()
	g.enqueue(ch.ID, outbound{
		what: "M_PropRead.con",
		build: func(h knxnet.ConnHeader) knxnet.Service {
			return &knxnet.DeviceConfigRequest{ConnHeader: h, CEMI: con}
		},
	})
}

func (g *Gateway) handleFeature(h knxnet.ConnHeader, id knxnet.FeatureID, value []byte, set bool, from netip.AddrPort, tr Transport) {
	ch, ok := g.accept(h, from, tr, tunnelAck, isTunnel)
	if !ok {
		return
	}
	var (
		v   []byte
		err error
	)
	if set {
		v, err = g.tunnels.SetFeature(ch.ID, id, value)
	} else {
		v, err = g.tunnels.Feature(ch.ID, id)
	}
	ret := knxnet.FeatureReturnSuccess
	if err != nil {
		g.logger.Debug("feature request refused", "channel", ch.ID, "feature", id.String(), "err", err)
		ret, v = knxnet.FeatureReturnUnsupported, nil
	}
	g.enqueue(ch.ID, outbound{
		what: "TUNNELLING_FEATURE_RESPONSE",
		build: func(h knxnet.ConnHeader) knxnet.Service {
			return knxnet.NewFeatureResponse(h, id, ret, v)
		},
	})
	if set && err == nil {
		g.events.Emit(Event{Type: EventTunnelFeatures, Data: g.tunnels.Features()})
	}
}

func (g *Gateway) handleAck(h knxnet.ConnHeader) {
	if h.Status != knxnet.StatusNoError {
		g.logger.Debug("negative ack", "channel", h.Channel, "seq", h.Seq, "status", h.Status.String())
		_ = g.tunnels.Touch(h.Channel)
		return
	}
	ok, err := g.tunnels.Acknowledge(h.Channel, h.Seq)
	if err != nil || !ok {
		g.logger.Debug("unexpected ack", "channel", h.Channel, "seq", h.Seq)
		return
	}
	g.notifyAck(h.Channel, h.Seq)
}

// sendCEMI queues a cEMI frame as TUNNELLING_REQUEST on a channel.
func (g *Gateway) sendCEMI(id uint8, cemi []byte) {
	g.enqueue(id, outbound{
		what: "TUNNELLING_REQUEST",
		build: func(h knxnet.ConnHeader) knxnet.Service {
			return &knxnet.TunnelRequest{ConnHeader: h, CEMI: cemi}
		},
	})
}

// forward wraps a telegram as L_Data.ind for every tunnel except the one
// it came from.
func (g *Gateway) forward(tg telegram.Telegram, except uint8) {
	ind := knxnet.FromTelegram(knxnet.LDataInd, tg).Bytes()
	for _, ch := range g.tunnels.Channels() {
		if ch.Tunnel() && ch.ID != except {
			g.sendCEMI(ch.ID, ind)
		}
	}
}

// setBusConnected updates the bus connection feature and tells tunnels
// that asked for feature info.
func (g *Gateway) setBusConnected(connected bool) {
	if !g.tunnels.SetBusConnected(connected) {
		return
	}
	g.logger.Info("bus connection status changed", "connected", connected)
	feat := g.tunnels.Features()
	if !feat.InfoServiceEnable {
		return
	}
	value := []byte{0}
	if connected {
		value[0] = 1
	}
	for _, ch := range g.tunnels.Channels() {
		if !ch.Tunnel() {
			continue
		}
		g.enqueue(ch.ID, outbound{
			what: "TUNNELLING_FEATURE_INFO",
			build: func(h knxnet.ConnHeader) knxnet.Service {
				return knxnet.NewFeatureInfo(h, knxnet.FeatureBusConnectionStatus, value)
			},
		})
	}
}
