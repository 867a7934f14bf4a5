package tpuart

import "fmt"

// Host to TP-UART services.
const (
	svcResetRequest  byte = 0x01
	svcStateRequest  byte = 0x02
	svcAckInfo       byte = 0x10
	svcMxRstCnt      byte = 0x24
	svcSetAddress    byte = 0x28
	svcLDataStart    byte = 0x80
	svcLDataContinue byte = 0x80
	svcLDataEnd      byte = 0x40
)

// U_AckInfo flags.
const (
	ackInfoAddressed byte = 0x01
	ackInfoBusy      byte = 0x02
	ackInfoNack      byte = 0x04
)

// TP-UART to host services.
const (
	indReset       byte = 0x03
	indStateMask   byte = 0x07
	indState       byte = 0x07
	indDataConOK   byte = 0x8B
	indDataConFail byte = 0x0B
	indFrameAck    byte = 0xCC
	indFrameNack   byte = 0x0C
	indFrameBusy   byte = 0xC0
)

// StateIndication is the decoded U_State.ind byte.
type StateIndication byte

const (
	StateSlaveCollision StateIndication = 0x80
	StateReceiveError   StateIndication = 0x40
	StateTransmitError  StateIndication = 0x20
	StateProtocolError  StateIndication = 0x10
	StateTempWarning    StateIndication = 0x08
)

// Faults lists the anomaly names set in s.
func (s StateIndication) Faults() []string {
	var out []string
	for _, f := range []struct {
		bit  StateIndication
		name string
	}{
		{StateSlaveCollision, "slave collision"},
		{StateReceiveError, "receive error"},
		{StateTransmitError, "transmit error"},
		{StateProtocolError, "protocol error"},
		{StateTempWarning, "temperature warning"},
	} {
		if s&f.bit != 0 {
			out = append(out, f.name)
		}
	}
	return out
}

func (s StateIndication) String() string {
	return fmt.Sprintf("state(0x%02X)", byte(s))
}

func isStateIndication(c byte) bool { return c&indStateMask == indState }

// encodeFrame wraps a raw L_Data frame in U_L_DataStart/Continue/End
// services: one service byte in front of every frame byte.
func encodeFrame(frame []byte) []byte {
	out := make([]byte, 0, 2*len(frame))
	last := len(frame) - 1
	for i, c := range frame {
		switch {
		case i == 0:
			out = append(out, svcLDataStart, c)
		case i == last:
			out = append(out, svcLDataEnd|byte(i), c)
		default:
			out = append(out, svcLDataContinue|byte(i), c)
		}
	}
	return out
}

func ackInfo(addressed, busy, nack bool) byte {
	b := svcAckInfo
	if addressed {
		b |= ackInfoAddressed
	}
	if busy {
		b |= ackInfoBusy
	}
	if nack {
		b |= ackInfoNack
	}
	return b
}

func setAddress(addr uint16) []byte {
	return []byte{svcSetAddress, byte(addr >> 8), byte(addr)}
}

// maxRepetitions builds U_MxRstCnt; both counters are 3 bits.
func maxRepetitions(busy, nack uint8) []byte {
	return []byte{svcMxRstCnt, (busy&0x07)<<5 | nack&0x07}
}
