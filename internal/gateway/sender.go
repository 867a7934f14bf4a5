package gateway

import (
	"time"

	"knx-gateway/internal/knxnet"
)

// outbound is a frame waiting for its connection header.
type outbound struct {
	what  string
	build func(h knxnet.ConnHeader) knxnet.Service
}

// sender delivers server-originated requests on one channel, one at a time.
// On datagram links each request waits for the matching ack, is repeated
// once after AckTimeout and closes the channel when the repeat is not
// acknowledged either.
type sender struct {
	id    uint8
	queue chan outbound
	acks  chan uint8
	done  chan struct{}
}

func (g *Gateway) startSender(id uint8) {
	s := &sender{
		id:    id,
		queue: make(chan outbound, g.cfg.QueueSize),
		acks:  make(chan uint8, 4),
		done:  make(chan struct{}),
	}
	g.sendersMu.Lock()
	if old, ok := g.senders[id]; ok {
		close(old.done)
	}
	g.senders[id] = s
	g.sendersMu.Unlock()

	g.wg.Add(1)
	go g.runSender(s)
}

func (g *Gateway) stopSender(id uint8) {
	g.sendersMu.Lock()
	defer g.sendersMu.Unlock()
	if s, ok := g.senders[id]; ok {
		close(s.done)
		delete(g.senders, id)
	}
}

func (g *Gateway) senderFor(id uint8) *sender {
	g.sendersMu.Lock()
	defer g.sendersMu.Unlock()
	return g.senders[id]
}

func (g *Gateway) enqueue(id uint8, ob outbound) {
	s := g.senderFor(id)
	if s == nil {
		return
	}
	select {
	case s.queue <- ob:
	default:
		g.logger.Warn("channel queue full, frame dropped", "channel", id, "frame", ob.what)
	}
}

func (g *Gateway) notifyAck(id, seq uint8) {
	s := g.senderFor(id)
	if s == nil {
		return
	}
	select {
	case s.acks <- seq:
	default:
	}
}

func (g *Gateway) runSender(s *sender) {
	defer g.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-g.ctx.Done():
			return
		case ob := <-s.queue:
			if !g.deliver(s, ob) {
				return
			}
		}
	}
}

// deliver sends one frame and reports whether the channel is still usable.
func (g *Gateway) deliver(s *sender, ob outbound) bool {
	ch, err := g.tunnels.Lookup(s.id)
	if err != nil {
		return false
	}
	frame := knxnet.Encode(ob.build(knxnet.ConnHeader{Channel: ch.ID, Seq: ch.SendSeq}))

	if ch.Link.Protocol() == knxnet.TCP4 {
		if err := ch.Link.SendData(frame); err != nil {
			g.logger.Warn("send failed", "channel", ch.ID, "frame", ob.what, "err", err)
		}
		return g.tunnels.Skip(ch.ID) == nil
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if err := ch.Link.SendData(frame); err != nil {
			g.logger.Warn("send failed", "channel", ch.ID, "frame", ob.what, "err", err)
		}
		acked, alive := g.waitAck(s, ch.SendSeq)
		if !alive {
			return false
		}
		if acked {
			return true
		}
		g.logger.Debug("no ack", "channel", ch.ID, "seq", ch.SendSeq, "attempt", attempt)
	}
	g.logger.Warn("tunnelling ack timeout", "channel", ch.ID, "frame", ob.what)
	g.closeChannel(ch, EventTunnelDisconnected, "ack timeout")
	return false
}

func (g *Gateway) waitAck(s *sender, seq uint8) (acked, alive bool) {
	timer := time.NewTimer(g.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case got := <-s.acks:
			if got == seq {
				return true, true
			}
		case <-timer.C:
			return false, true
		case <-s.done:
			return false, false
		case <-g.ctx.Done():
			return false, false
		}
	}
}

func (g *Gateway) sweeper() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.sweep(g.now())
		}
	}
}

// sweep closes channels whose heartbeat expired.
func (g *Gateway) sweep(now time.Time) {
	for _, ch := range g.tunnels.CheckTimeout(now) {
		g.logger.Info("channel heartbeat timeout", "channel", ch.ID, "last_seen", ch.LastSeen)
		g.closeChannel(ch, EventTunnelTimeout, "heartbeat timeout")
	}
}
