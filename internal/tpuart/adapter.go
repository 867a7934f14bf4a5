// Package tpuart drives a TP-UART bus coupler over a byte-oriented serial
// line and turns its service byte stream into KNX telegram events.
package tpuart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"knx-gateway/internal/telegram"
)

var (
	ErrClosed     = errors.New("tpuart: adapter closed")
	ErrNack       = errors.New("tpuart: negative confirmation")
	ErrAckTimeout = errors.New("tpuart: confirmation timeout")
	ErrReset      = errors.New("tpuart: coupler reset during transmission")
)

// Port is the serial line to the coupler. Read must return (0, nil) when the
// read timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Config tunes the adapter. Zero fields take defaults.
type Config struct {
	Address        telegram.IndividualAddr
	GroupAddresses []telegram.GroupAddr
	AckTimeout     time.Duration // default 500ms
	ResetAttempts  int           // default 9
	ResetTimeout   time.Duration // default 1s
	InterByteGap   time.Duration // default 2ms
	Repetitions    uint8         // coupler repetitions on NACK and BUSY, default 3
}

func (c *Config) setDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 500 * time.Millisecond
	}
	if c.ResetAttempts == 0 {
		c.ResetAttempts = 9
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = time.Second
	}
	if c.InterByteGap == 0 {
		c.InterByteGap = 2 * time.Millisecond
	}
	if c.Repetitions == 0 {
		c.Repetitions = 3
	}
}

// EventType classifies adapter events.
type EventType int

const (
	EventReset EventType = iota
	EventTelegramReceived
	EventReceptionError
	EventStateIndication
)

func (t EventType) String() string {
	switch t {
	case EventReset:
		return "RESET"
	case EventTelegramReceived:
		return "TELEGRAM_RECEIVED"
	case EventReceptionError:
		return "RECEPTION_ERROR"
	case EventStateIndication:
		return "STATE_INDICATION"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted by the adapter on its event channel.
type Event struct {
	Type      EventType
	Telegram  telegram.Telegram
	Addressed bool
	Raw       []byte
	Validity  telegram.Validity
	State     StateIndication
}

type txResult struct {
	res Result
	err error
}

type txRequest struct {
	ctx    context.Context
	frame  []byte
	result chan txResult
}

// Adapter owns the receive and transmit state machines. Both are only
// touched by the run goroutine; other goroutines talk to it via channels.
type Adapter struct {
	port   Port
	cfg    Config
	logger *slog.Logger

	events chan Event
	rxCh   chan []byte // nil chunk marks an inter-byte gap
	txReq  chan *txRequest
	ready  chan error

	addrMu      sync.RWMutex
	groups      []uint16
	individuals []uint16

	rxState atomic.Int32
	txState atomic.Int32

	// Owned by run.
	rx            RxState
	tx            TxState
	rxBuf         []byte
	queue         []*txRequest
	cur           *txRequest
	resetAttempts int
	readySent     bool
	deadline      *time.Timer

	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	started     bool
	closed      bool
	wg          sync.WaitGroup
}

// New creates an adapter on port. Call Start to reset the coupler.
func New(port Port, cfg Config, logger *slog.Logger) *Adapter {
	cfg.setDefaults()
	a := &Adapter{
		port:   port,
		cfg:    cfg,
		logger: logger.With("component", "tpuart"),
		events: make(chan Event, 64),
		rxCh:   make(chan []byte, 16),
		txReq:  make(chan *txRequest),
		ready:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	a.SetGroupAddresses(cfg.GroupAddresses)
	a.SetIndividualAddresses(nil)
	return a
}

// Events returns the channel of bus events. It is never closed.
func (a *Adapter) Events() <-chan Event { return a.events }

// States returns a snapshot of both state machines.
func (a *Adapter) States() (RxState, TxState) {
	return RxState(a.rxState.Load()), TxState(a.txState.Load())
}

// Address returns the coupler's own individual address.
func (a *Adapter) Address() telegram.IndividualAddr { return a.cfg.Address }

// SetGroupAddresses replaces the group addresses the coupler acknowledges.
func (a *Adapter) SetGroupAddresses(addrs []telegram.GroupAddr) {
	sorted := make([]uint16, 0, len(addrs))
	for _, g := range addrs {
		sorted = append(sorted, uint16(g))
	}
	slices.Sort(sorted)
	a.addrMu.Lock()
	a.groups = slices.Compact(sorted)
	a.addrMu.Unlock()
}

// SetIndividualAddresses replaces the extra individual addresses (tunnel
// slots) acknowledged besides the coupler's own.
func (a *Adapter) SetIndividualAddresses(addrs []telegram.IndividualAddr) {
	sorted := []uint16{uint16(a.cfg.Address)}
	for _, ia := range addrs {
		sorted = append(sorted, uint16(ia))
	}
	slices.Sort(sorted)
	a.addrMu.Lock()
	a.individuals = slices.Compact(sorted)
	a.addrMu.Unlock()
}

func (a *Adapter) isAddressed(group bool, dst uint16) bool {
	a.addrMu.RLock()
	defer a.addrMu.RUnlock()
	table := a.individuals
	if group {
		table = a.groups
	}
	_, found := slices.BinarySearch(table, dst)
	return found
}

// Start launches the I/O goroutines and blocks until the coupler has
// answered a reset request and been initialised.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	if a.closed {
		a.lifecycleMu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.lifecycleMu.Unlock()
		return errors.New("tpuart: already started")
	}
	if err := a.port.SetReadTimeout(a.cfg.InterByteGap); err != nil {
		a.lifecycleMu.Unlock()
		return fmt.Errorf("tpuart: set read timeout: %w", err)
	}
	a.started = true
	a.wg.Add(2)
	go a.readLoop()
	go a.run()
	a.lifecycleMu.Unlock()

	select {
	case err := <-a.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

// Transmit sends one encoded L_Data frame and waits for the coupler's
// confirmation. A non-ACK result is also reported as an error.
func (a *Adapter) Transmit(ctx context.Context, frame []byte) (Result, error) {
	if len(frame) < telegram.MinSize || len(frame) > telegram.MaxSize {
		return ResultNack, fmt.Errorf("tpuart: frame length %d out of range", len(frame))
	}
	req := &txRequest{
		ctx:    ctx,
		frame:  append([]byte(nil), frame...),
		result: make(chan txResult, 1),
	}
	select {
	case a.txReq <- req:
	case <-ctx.Done():
		return ResultTimeout, ctx.Err()
	case <-a.done:
		return ResultReset, ErrClosed
	}
	select {
	case r := <-req.result:
		return r.res, r.err
	case <-ctx.Done():
		return ResultTimeout, ctx.Err()
	case <-a.done:
		return ResultReset, ErrClosed
	}
}

// Close stops the adapter and waits for its goroutines to exit.
func (a *Adapter) Close() error {
	a.lifecycleMu.Lock()
	if a.closed {
		a.lifecycleMu.Unlock()
		return nil
	}
	a.closed = true
	a.closeOnce.Do(func() { close(a.done) })
	err := a.port.Close()
	a.lifecycleMu.Unlock()

	a.wg.Wait()
	return err
}

// --- I/O goroutines ---

func (a *Adapter) readLoop() {
	defer a.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	buf := make([]byte, 64)
	pending := false
	for {
		select {
		case <-a.done:
			return
		default:
		}

		n, err := a.port.Read(buf)
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				a.logger.Error("tpuart read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-a.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		var chunk []byte
		if n == 0 {
			if !pending {
				continue
			}
			pending = false
		} else {
			pending = true
			chunk = append([]byte(nil), buf[:n]...)
		}
		select {
		case a.rxCh <- chunk:
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) run() {
	defer a.wg.Done()

	a.deadline = time.NewTimer(time.Hour)
	a.deadline.Stop()
	defer a.deadline.Stop()

	a.sendReset()
	for {
		select {
		case <-a.done:
			if a.cur != nil {
				a.cur.result <- txResult{ResultReset, ErrClosed}
			}
			for _, req := range a.queue {
				req.result <- txResult{ResultReset, ErrClosed}
			}
			return
		case chunk := <-a.rxCh:
			if chunk == nil {
				a.handleGap()
			} else {
				for _, c := range chunk {
					a.handleByte(c)
				}
			}
		case req := <-a.txReq:
			a.queue = append(a.queue, req)
		case <-a.deadline.C:
			a.handleDeadline()
		}
		a.pump()
	}
}

// --- state handling (run goroutine only) ---

func (a *Adapter) rxTo(ev rxEvent) {
	s, ok := a.rx.next(ev)
	if !ok {
		a.logger.Debug("rx transition ignored", "state", a.rx, "event", int(ev))
		return
	}
	a.rx = s
	a.rxState.Store(int32(s))
}

func (a *Adapter) txTo(ev txEvent) {
	s, ok := a.tx.next(ev)
	if !ok {
		a.logger.Debug("tx transition ignored", "state", a.tx, "event", int(ev))
		return
	}
	a.tx = s
	a.txState.Store(int32(s))
}

func (a *Adapter) arm(d time.Duration) {
	a.disarm()
	a.deadline.Reset(d)
}

func (a *Adapter) disarm() {
	if !a.deadline.Stop() {
		select {
		case <-a.deadline.C:
		default:
		}
	}
}

func (a *Adapter) write(b []byte) error {
	if _, err := a.port.Write(b); err != nil {
		return fmt.Errorf("tpuart: write: %w", err)
	}
	return nil
}

func (a *Adapter) sendReset() {
	a.resetAttempts++
	a.logger.Debug("sending reset request", "attempt", a.resetAttempts)
	if err := a.write([]byte{svcResetRequest}); err != nil {
		a.logger.Error("reset request", "err", err)
	}
	a.arm(a.cfg.ResetTimeout)
}

func (a *Adapter) signalReady(err error) {
	if a.readySent {
		return
	}
	a.readySent = true
	a.ready <- err
}

func (a *Adapter) handleDeadline() {
	switch {
	case a.tx == TxWaitingAck:
		a.logger.Warn("no confirmation from coupler", "timeout", a.cfg.AckTimeout)
		a.finish(ResultTimeout, ErrAckTimeout)
	case a.rx == RxReset:
		if a.resetAttempts >= a.cfg.ResetAttempts {
			a.logger.Error("coupler did not answer reset", "attempts", a.resetAttempts)
			a.signalReady(fmt.Errorf("tpuart: no reset indication after %d attempts", a.resetAttempts))
			return
		}
		a.sendReset()
	case a.rx == RxInit:
		a.logger.Warn("no state indication after init, continuing")
		a.completeInit()
	}
}

func (a *Adapter) handleByte(c byte) {
	if a.rx.receiving() {
		a.collect(c)
		return
	}
	switch {
	case c == indReset:
		a.onReset()
	case c == indDataConOK || c == indDataConFail:
		a.onConfirm(c == indDataConOK)
	case isStateIndication(c):
		a.onState(StateIndication(c))
	case c == indFrameAck || c == indFrameNack || c == indFrameBusy:
		a.logger.Debug("bus acknowledge frame", "byte", fmt.Sprintf("0x%02X", c))
	case a.rx == RxIdle && telegram.IsStartByte(c):
		a.rxTo(rxStartByte)
		a.rxBuf = append(a.rxBuf[:0], c)
	default:
		a.logger.Debug("unexpected byte from coupler", "byte", fmt.Sprintf("0x%02X", c), "rx", a.rx)
	}
}

func (a *Adapter) onReset() {
	a.logger.Info("coupler reset indication")
	a.rxTo(rxResetInd)
	a.txTo(txResetInd)
	a.rxBuf = a.rxBuf[:0]
	if a.cur != nil {
		a.cur.result <- txResult{ResultReset, ErrReset}
		a.cur = nil
	}
	a.disarm()
	a.emit(Event{Type: EventReset})

	a.rxTo(rxInitStarted)
	a.txTo(txInitStarted)
	cmds := setAddress(uint16(a.cfg.Address))
	cmds = append(cmds, maxRepetitions(a.cfg.Repetitions, a.cfg.Repetitions)...)
	cmds = append(cmds, svcStateRequest)
	if err := a.write(cmds); err != nil {
		a.logger.Error("coupler init", "err", err)
	}
	a.arm(a.cfg.ResetTimeout)
}

func (a *Adapter) completeInit() {
	a.disarm()
	a.rxTo(rxInitDone)
	a.txTo(txInitDone)
	a.logger.Info("coupler ready", "address", a.cfg.Address.String())
	a.signalReady(nil)
}

func (a *Adapter) onState(s StateIndication) {
	if faults := s.Faults(); len(faults) > 0 {
		a.logger.Warn("coupler state anomaly", "faults", strings.Join(faults, ", "))
		a.emit(Event{Type: EventStateIndication, State: s})
	}
	if a.rx == RxInit {
		a.completeInit()
	}
}

func (a *Adapter) onConfirm(ok bool) {
	if a.tx != TxWaitingAck || a.cur == nil {
		a.logger.Debug("unexpected data confirmation", "ok", ok, "tx", a.tx)
		return
	}
	if ok {
		a.finish(ResultAck, nil)
		return
	}
	a.finish(ResultNack, ErrNack)
}

func (a *Adapter) finish(res Result, err error) {
	a.disarm()
	if res == ResultAck {
		a.txTo(txConfirmed)
	} else {
		a.txTo(txTimeout)
	}
	if a.cur != nil {
		a.cur.result <- txResult{res, err}
		a.cur = nil
	}
}

// pump starts the next queued transmission when both sides are idle.
func (a *Adapter) pump() {
	for a.cur == nil && a.tx == TxIdle && a.rx == RxIdle && len(a.queue) > 0 {
		req := a.queue[0]
		a.queue = a.queue[1:]
		if err := req.ctx.Err(); err != nil {
			req.result <- txResult{ResultTimeout, err}
			continue
		}
		a.cur = req
		a.txTo(txSend)
		err := a.write(encodeFrame(req.frame))
		a.txTo(txWritten)
		if err != nil {
			a.logger.Error("transmit", "err", err)
			a.finish(ResultTimeout, err)
			continue
		}
		a.arm(a.cfg.AckTimeout)
	}
}

func (a *Adapter) collect(c byte) {
	a.rxBuf = append(a.rxBuf, c)
	if a.rx == RxReceptionLengthInvalid {
		return
	}
	if len(a.rxBuf) > telegram.MaxSize {
		a.lengthInvalid(telegram.IncorrectPayloadLength)
		return
	}
	if len(a.rxBuf) == telegram.HeaderSize {
		if a.rxBuf[0]&0xC0 != 0x80 {
			a.lengthInvalid(telegram.UnsupportedFrameFormat)
			return
		}
		group := a.rxBuf[5]&0x80 != 0
		dst := uint16(a.rxBuf[3])<<8 | uint16(a.rxBuf[4])
		if a.isAddressed(group, dst) {
			if err := a.write([]byte{ackInfo(true, false, false)}); err != nil {
				a.logger.Error("ack info", "err", err)
			}
			a.rxTo(rxHeaderAddressed)
		} else {
			a.rxTo(rxHeaderNotAddressed)
		}
	}
	if len(a.rxBuf) >= telegram.HeaderSize && len(a.rxBuf) == telegram.FrameSize(a.rxBuf) {
		a.completeFrame(a.rxBuf)
	}
}

func (a *Adapter) lengthInvalid(v telegram.Validity) {
	a.logger.Debug("reception length invalid", "validity", v, "len", len(a.rxBuf))
	a.rxTo(rxLengthInvalid)
	a.emit(Event{Type: EventReceptionError, Validity: v, Raw: append([]byte(nil), a.rxBuf...)})
}

// handleGap closes an unfinished reception after the line has been quiet
// for the inter-byte gap.
func (a *Adapter) handleGap() {
	if !a.rx.receiving() {
		return
	}
	if a.rx == RxReceptionLengthInvalid {
		a.rxTo(rxFrameDone)
		a.rxBuf = a.rxBuf[:0]
		return
	}
	n, ok := DetectEOP(a.rxBuf)
	if !ok {
		a.lengthInvalid(telegram.IncorrectPayloadLength)
		a.rxTo(rxFrameDone)
		a.rxBuf = a.rxBuf[:0]
		return
	}
	leftover := append([]byte(nil), a.rxBuf[n:]...)
	a.completeFrame(a.rxBuf[:n])
	for _, c := range leftover {
		a.handleByte(c)
	}
}

func (a *Adapter) completeFrame(frame []byte) {
	raw := append([]byte(nil), frame...)
	var addressed bool
	switch a.rx {
	case RxReceptionAddressed:
		addressed = true
	case RxReceptionStart:
		if len(raw) >= telegram.HeaderSize {
			addressed = a.isAddressed(raw[5]&0x80 != 0, uint16(raw[3])<<8|uint16(raw[4]))
		}
	}
	a.rxTo(rxFrameDone)
	a.rxBuf = a.rxBuf[:0]

	if a.tx == TxWaitingAck && a.cur != nil && isEcho(a.cur.frame, raw) {
		a.logger.Debug("own frame echoed by coupler")
		return
	}

	t, v := telegram.Decode(raw)
	if v != telegram.Valid {
		a.logger.Debug("dropping malformed telegram", "validity", v, "raw", fmt.Sprintf("% X", raw))
		a.emit(Event{Type: EventReceptionError, Validity: v, Raw: raw})
		return
	}
	a.emit(Event{Type: EventTelegramReceived, Telegram: t, Addressed: addressed, Raw: raw})
}

// isEcho compares frames ignoring the repeat flag and checksum.
func isEcho(sent, got []byte) bool {
	if len(sent) != len(got) {
		return false
	}
	if sent[0]&^0x20 != got[0]&^0x20 {
		return false
	}
	for i := 1; i < len(sent)-1; i++ {
		if sent[i] != got[i] {
			return false
		}
	}
	return true
}

func (a *Adapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event queue full, dropping", "type", ev.Type)
	}
}
