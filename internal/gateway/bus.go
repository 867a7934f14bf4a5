package gateway

import (
	"context"
	"fmt"
	"time"

	"knx-gateway/internal/knxnet"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tpuart"
)

// transmitTimeout bounds one bus transmission including the coupler's own
// confirmation timeout and repetitions.
const transmitTimeout = 3 * time.Second

func (g *Gateway) busLoop() {
	defer g.wg.Done()
	events := g.bus.Events()
	for {
		select {
		case <-g.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				g.logger.Warn("bus event stream closed")
				return
			}
			g.handleBusEvent(ev)
		}
	}
}

func (g *Gateway) handleBusEvent(ev tpuart.Event) {
	switch ev.Type {
	case tpuart.EventTelegramReceived:
		te := newTelegramEvent(ev.Telegram, g.now())
		te.Addressed = ev.Addressed
		g.events.Emit(Event{Type: EventBusTelegram, Data: te})
		if ev.Addressed || g.cfg.ForwardUnaddressed {
			g.forward(ev.Telegram, 0)
		}
	case tpuart.EventReset:
		g.logger.Warn("bus coupler reset")
		g.events.Emit(Event{Type: EventBusReset, Data: nil})
		g.setBusConnected(true)
	case tpuart.EventStateIndication:
		g.logger.Warn("bus coupler state", "state", ev.State.String())
		g.events.Emit(Event{Type: EventBusState, Data: BusStateEvent{State: uint8(ev.State), Faults: ev.State.Faults()}})
	case tpuart.EventReceptionError:
		g.logger.Debug("bus frame dropped", "validity", ev.Validity.String(), "raw", fmt.Sprintf("% X", ev.Raw))
	}
}

// busWriter serializes all bus transmissions in arrival order.
func (g *Gateway) busWriter() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case job := <-g.busQueue:
			g.transmit(job)
		}
	}
}

func (g *Gateway) transmit(job busJob) {
	raw, err := telegram.Encode(job.tg)
	res := tpuart.ResultNack
	if err == nil {
		ctx, cancel := context.WithTimeout(g.ctx, transmitTimeout)
		res, err = g.bus.Transmit(ctx, raw)
		cancel()
	}
	ok := err == nil && res == tpuart.ResultAck

	log := g.logger.With("destination", job.tg.DestinationString(), "command", job.tg.Command().String(), "channel", job.channel)
	if ok {
		log.Debug("telegram sent")
	} else {
		log.Warn("telegram not confirmed", "result", res.String(), "err", err)
	}
	g.setBusConnected(res != tpuart.ResultTimeout)

	te := newTelegramEvent(job.tg, g.now())
	te.Result = res.String()
	te.Channel = job.channel
	g.events.Emit(Event{Type: EventBusSent, Data: te})

	if job.channel != 0 {
		g.sendCEMI(job.channel, knxnet.FromTelegram(knxnet.LDataReq, job.tg).Confirm(ok).Bytes())
	}
	if ok {
		g.forward(job.tg, job.channel)
	}
	if job.done != nil {
		if err == nil && !ok {
			err = fmt.Errorf("gateway: transmit: %s", res)
		}
		job.done <- err
	}
}
