package main

import (
	"log/slog"
	"time"

	"knx-gateway/internal/busmon"
	"knx-gateway/internal/gateway"
	"knx-gateway/internal/store"
	"knx-gateway/internal/tunnel"
)

// persister writes feature changes and closed sessions to the store.
type persister struct {
	db     store.Store
	keep   int
	now    func() time.Time
	logger *slog.Logger
}

func newPersister(db store.Store, keep int, logger *slog.Logger) *persister {
	return &persister{db: db, keep: keep, now: time.Now, logger: logger.With("component", "persist")}
}

// subscribe registers the persister and returns the unsubscribe function.
func (p *persister) subscribe(eb *gateway.EventBus) func() {
	unsubs := []func(){
		eb.On(gateway.EventTunnelFeatures, p.handleFeatures),
		eb.On(gateway.EventTunnelDisconnected, p.handleClosed),
		eb.On(gateway.EventTunnelTimeout, p.handleClosed),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (p *persister) handleFeatures(e gateway.Event) {
	f, ok := e.Data.(tunnel.Features)
	if !ok {
		return
	}
	err := p.db.SaveFeatures(&store.Features{
		InfoServiceEnable: f.InfoServiceEnable,
		ActiveEMI:         f.ActiveEMI,
		UpdatedAt:         p.now(),
	})
	if err != nil {
		p.logger.Error("save features", "err", err)
	}
}

func (p *persister) handleClosed(e gateway.Event) {
	ce, ok := e.Data.(gateway.ChannelEvent)
	if !ok {
		return
	}
	rec := &store.Session{
		Channel:      ce.Channel.ID,
		Type:         ce.Channel.Type.String(),
		Endpoint:     ce.Channel.Endpoint,
		Connected:    ce.Channel.Connected,
		Disconnected: p.now(),
		Reason:       ce.Reason,
	}
	if ce.Channel.Tunnel() {
		rec.Address = ce.Channel.Address.String()
	}
	if e.Type == gateway.EventTunnelTimeout && rec.Reason == "" {
		rec.Reason = "timeout"
	}
	if err := p.db.AppendSession(rec); err != nil {
		p.logger.Error("append session", "err", err)
		return
	}
	if p.keep > 0 {
		if n, err := p.db.PruneSessions(p.keep); err != nil {
			p.logger.Error("prune sessions", "err", err)
		} else if n > 0 {
			p.logger.Debug("pruned sessions", "removed", n)
		}
	}
}

// recordTelegrams feeds received telegrams into the bus monitor.
func recordTelegrams(eb *gateway.EventBus, mon *busmon.Monitor) func() {
	return eb.On(gateway.EventBusTelegram, func(e gateway.Event) {
		if te, ok := e.Data.(gateway.TelegramEvent); ok {
			mon.Record(te.Telegram, te.Time)
		}
	})
}
