// Package tunnel owns the KNXnet/IP channel pool: allocation of channel ids
// and tunnelling addresses, sequence counters, heartbeats and the shared
// interface feature block. All state sits behind one mutex.
package tunnel

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"knx-gateway/internal/knxnet"
	"knx-gateway/internal/telegram"
)

// Session errors carry the status code reported to the client.
var (
	ErrNoMoreConnections = fmt.Errorf("tunnel: no free channel: %w", knxnet.StatusNoMoreConnections)
	ErrConnectionID      = fmt.Errorf("tunnel: unknown channel: %w", knxnet.StatusConnectionID)
	ErrConnectionType    = fmt.Errorf("tunnel: unsupported connection type: %w", knxnet.StatusConnectionType)
	ErrConnectionOption  = fmt.Errorf("tunnel: unsupported connection option: %w", knxnet.StatusConnectionOption)
	ErrTunnelingLayer    = fmt.Errorf("tunnel: unsupported tunnelling layer: %w", knxnet.StatusTunnelingLayer)
	ErrSequenceNumber    = fmt.Errorf("tunnel: unexpected sequence counter: %w", knxnet.StatusSequenceNumber)
)

// Defaults.
const (
	DefaultChannels         = 4
	DefaultHeartbeatTimeout = 120 * time.Second
	DefaultSequenceModulus  = 16
)

// Link delivers frames to a connected client. UDP links address the
// client's control and data endpoints; a TCP link sends both on its stream.
type Link interface {
	SendControl(frame []byte) error
	SendData(frame []byte) error
	Protocol() knxnet.HostProtocol
	String() string
}

// Request describes a CONNECT_REQUEST after endpoint resolution.
type Request struct {
	CRI  knxnet.CRI
	Link Link
}

// Channel is a snapshot of one connected channel.
type Channel struct {
	ID        uint8                   `json:"id"`
	Type      knxnet.ConnectionType   `json:"type"`
	Address   telegram.IndividualAddr `json:"address"`
	Link      Link                    `json:"-"`
	Endpoint  string                  `json:"endpoint"`
	RecvSeq   uint8                   `json:"recv_seq"`
	SendSeq   uint8                   `json:"send_seq"`
	Connected time.Time               `json:"connected"`
	LastSeen  time.Time               `json:"last_seen"`
}

// Tunnel reports whether the channel is a tunnelling connection.
func (c Channel) Tunnel() bool { return c.Type == knxnet.TunnelConnection }

type slot struct {
	connected bool
	ch        Channel
	addrIdx   int // index into Manager.addresses, -1 if none
}

// Config configures a Manager.
type Config struct {
	// Channels is the pool size.
	Channels int
	// Addresses are the individual addresses handed to tunnel connections.
	// Their number bounds the concurrent tunnels.
	Addresses []telegram.IndividualAddr
	// HeartbeatTimeout expires idle channels.
	HeartbeatTimeout time.Duration
	Features         Features
	// SequenceModulus is where the connection header counters wrap, 16 by
	// default. 256 uses the full octet.
	SequenceModulus int
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Manager owns the channel pool.
type Manager struct {
	mu        sync.Mutex
	slots     []slot
	addresses []telegram.IndividualAddr
	addrUsed  []bool
	timeout   time.Duration
	features  Features
	seqMod    int
	now       func() time.Time
}

// NewManager creates a channel pool.
func NewManager(cfg Config) *Manager {
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Features == (Features{}) {
		cfg.Features = DefaultFeatures()
	}
	if cfg.SequenceModulus <= 0 || cfg.SequenceModulus > 256 {
		cfg.SequenceModulus = DefaultSequenceModulus
	}
	return &Manager{
		slots:     make([]slot, min(cfg.Channels, 255)),
		addresses: slices.Clone(cfg.Addresses),
		addrUsed:  make([]bool, len(cfg.Addresses)),
		timeout:   cfg.HeartbeatTimeout,
		features:  cfg.Features,
		seqMod:    cfg.SequenceModulus,
		now:       cfg.Now,
	}
}

// Allocate connects a channel in the first free slot. Tunnel connections
// also take a tunnelling address, the one named in an extended CRI if any.
// Nothing is allocated on failure.
func (m *Manager) Allocate(req Request) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrIdx := -1
	switch req.CRI.Type {
	case knxnet.TunnelConnection:
		if req.CRI.Layer != knxnet.TunnelLinkLayer {
			return Channel{}, ErrTunnelingLayer
		}
		var err error
		if addrIdx, err = m.pickAddress(req.CRI); err != nil {
			return Channel{}, err
		}
	case knxnet.DeviceMgmtConnection:
	default:
		return Channel{}, fmt.Errorf("%w: %s", ErrConnectionType, req.CRI.Type)
	}

	for i := range m.slots {
		if m.slots[i].connected {
			continue
		}
		now := m.now()
		ch := Channel{
			ID:        uint8(i + 1),
			Type:      req.CRI.Type,
			Link:      req.Link,
			Connected: now,
			LastSeen:  now,
		}
		if req.Link != nil {
			ch.Endpoint = req.Link.String()
		}
		if addrIdx >= 0 {
			m.addrUsed[addrIdx] = true
			ch.Address = m.addresses[addrIdx]
		}
		m.slots[i] = slot{connected: true, ch: ch, addrIdx: addrIdx}
		return ch, nil
	}
	return Channel{}, ErrNoMoreConnections
}

func (m *Manager) pickAddress(cri knxnet.CRI) (int, error) {
	if cri.HasAddress {
		i := slices.Index(m.addresses, cri.Address)
		if i < 0 {
			return -1, fmt.Errorf("%w: address %s is not a tunnelling address", ErrConnectionOption, cri.Address)
		}
		if m.addrUsed[i] {
			return -1, fmt.Errorf("%w: address %s in use", ErrNoMoreConnections, cri.Address)
		}
		return i, nil
	}
	for i, used := range m.addrUsed {
		if !used {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: all tunnelling addresses in use", ErrNoMoreConnections)
}

// Release frees a channel and its tunnelling address.
func (m *Manager) Release(id uint8) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return Channel{}, err
	}
	ch := s.ch
	if s.addrIdx >= 0 {
		m.addrUsed[s.addrIdx] = false
	}
	*s = slot{}
	return ch, nil
}

func (m *Manager) slot(id uint8) (*slot, error) {
	if id == 0 || int(id) > len(m.slots) || !m.slots[id-1].connected {
		return nil, fmt.Errorf("%w: %d", ErrConnectionID, id)
	}
	return &m.slots[id-1], nil
}

// Lookup returns a connected channel.
func (m *Manager) Lookup(id uint8) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return Channel{}, err
	}
	return s.ch, nil
}

// Touch records activity on a channel.
func (m *Manager) Touch(id uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return err
	}
	s.ch.LastSeen = m.now()
	return nil
}

// CheckTimeout returns the channels idle for longer than the heartbeat
// timeout. They stay allocated until released.
func (m *Manager) CheckTimeout(now time.Time) []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []Channel
	for _, s := range m.slots {
		if s.connected && now.Sub(s.ch.LastSeen) > m.timeout {
			expired = append(expired, s.ch)
		}
	}
	return expired
}

// Accept applies the inbound sequence rule to a request on channel id.
// The expected counter is accepted and advanced; the previous counter is a
// retransmission, accepted with duplicate set. Anything else fails with
// ErrSequenceNumber and changes nothing. Accepted requests touch the
// channel.
func (m *Manager) Accept(id, seq uint8) (ch Channel, duplicate bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return Channel{}, false, err
	}
	switch seq {
	case s.ch.RecvSeq:
		s.ch.RecvSeq = m.nextSeq(s.ch.RecvSeq)
	case m.prevSeq(s.ch.RecvSeq):
		duplicate = true
	default:
		return s.ch, false, fmt.Errorf("%w: got %d, expected %d", ErrSequenceNumber, seq, s.ch.RecvSeq)
	}
	s.ch.LastSeen = m.now()
	return s.ch, duplicate, nil
}

// Acknowledge matches an inbound TUNNELLING_ACK against the channel's send
// counter and advances it on a match.
func (m *Manager) Acknowledge(id, seq uint8) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return false, err
	}
	s.ch.LastSeen = m.now()
	if seq != s.ch.SendSeq {
		return false, nil
	}
	s.ch.SendSeq = m.nextSeq(s.ch.SendSeq)
	return true, nil
}

// Skip advances the send counter without an acknowledgement, used on
// stream links which have none.
func (m *Manager) Skip(id uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return err
	}
	s.ch.SendSeq = m.nextSeq(s.ch.SendSeq)
	return nil
}

func (m *Manager) nextSeq(v uint8) uint8 { return uint8((int(v) + 1) % m.seqMod) }
func (m *Manager) prevSeq(v uint8) uint8 { return uint8((int(v) + m.seqMod - 1) % m.seqMod) }

// Channels returns all connected channels ordered by id.
func (m *Manager) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Channel, 0, len(m.slots))
	for _, s := range m.slots {
		if s.connected {
			out = append(out, s.ch)
		}
	}
	return out
}

// Capacity returns the pool size.
func (m *Manager) Capacity() int { return len(m.slots) }

// Slots describes the tunnelling addresses for the tunnelling info DIB.
func (m *Manager) Slots() []knxnet.TunnelSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]knxnet.TunnelSlot, len(m.addresses))
	for i, a := range m.addresses {
		st := knxnet.SlotUsable | knxnet.SlotAuthorised
		if !m.addrUsed[i] {
			st |= knxnet.SlotFree
		}
		out[i] = knxnet.TunnelSlot{Address: a, Status: st}
	}
	return out
}

// Addresses returns the tunnelling addresses.
func (m *Manager) Addresses() []telegram.IndividualAddr {
	return slices.Clone(m.addresses)
}

// Features returns the current feature block.
func (m *Manager) Features() Features {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features
}

// Feature reads a feature as seen from channel id.
func (m *Manager) Feature(id uint8, f knxnet.FeatureID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	return m.features.value(f, uint16(s.ch.Address))
}

// SetFeature writes a feature from channel id and returns the new value.
func (m *Manager) SetFeature(id uint8, f knxnet.FeatureID, v []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	if err := m.features.set(f, v); err != nil {
		return nil, fmt.Errorf("%w: %s", err, f)
	}
	return m.features.value(f, uint16(s.ch.Address))
}

// SetBusConnected updates the bus connection status feature and reports
// whether it changed.
func (m *Manager) SetBusConnected(connected bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.features.BusConnected != connected
	m.features.BusConnected = connected
	return changed
}
