// Package telegram encodes and validates KNX TP1 L_Data standard frames.
//
// Wire layout (9 to 23 bytes):
//
//	0     control field   FFR1 PP00
//	1..2  source address  (individual, big-endian)
//	3..4  destination     (group or individual, big-endian)
//	5     routing field   TCCC LLLL
//	6..7  command field   00XX XXCC CCDD DDDD
//	8..   additional payload bytes
//	last  checksum        ^(XOR of all prior bytes)
package telegram

import (
	"encoding/binary"
	"fmt"
)

// Frame size limits.
const (
	HeaderSize = 6
	MinSize    = 9
	MaxSize    = 23

	// lengthOffset is the difference between the routing field's payload
	// length and the total frame size.
	lengthOffset = 8
)

// Control field bits.
const (
	ControlDefault      byte = 0xBC // standard frame, not repeated, normal priority
	controlFormatMask   byte = 0xC0
	controlStandard     byte = 0x80
	controlNotRepeated  byte = 0x20
	controlPriorityMask byte = 0x0C
	controlPatternMask  byte = 0x13
	controlValidPattern byte = 0x10
)

// Routing field bits.
const (
	RoutingDefault     byte = 0xE1 // group destination, hop count 6, length 1
	routingGroupMask   byte = 0x80
	routingHopMask     byte = 0x70
	routingLengthMask  byte = 0x0F
	DefaultHopCount         = 6
	commandPatternMask byte = 0xC0
)

// Priority is the two-bit bus priority carried in the control field.
type Priority byte

const (
	PrioritySystem Priority = 0x00
	PriorityHigh   Priority = 0x04
	PriorityAlarm  Priority = 0x08
	PriorityNormal Priority = 0x0C
)

func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityHigh:
		return "high"
	case PriorityAlarm:
		return "alarm"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(0x%02X)", byte(p))
	}
}

// Command is the 4-bit application command split across bytes 6 and 7.
type Command byte

const (
	CommandValueRead     Command = 0x00
	CommandValueResponse Command = 0x01
	CommandValueWrite    Command = 0x02
	CommandMemoryWrite   Command = 0x0A
)

func (c Command) String() string {
	switch c {
	case CommandValueRead:
		return "GroupValueRead"
	case CommandValueResponse:
		return "GroupValueResponse"
	case CommandValueWrite:
		return "GroupValueWrite"
	case CommandMemoryWrite:
		return "MemoryWrite"
	default:
		return fmt.Sprintf("command(0x%X)", byte(c))
	}
}

func (c Command) known() bool {
	switch c {
	case CommandValueRead, CommandValueResponse, CommandValueWrite, CommandMemoryWrite:
		return true
	}
	return false
}

// Validity is the outcome of Decode.
type Validity int

const (
	Valid Validity = iota
	InvalidControlField
	UnsupportedFrameFormat
	IncorrectPayloadLength
	InvalidCommandField
	UnknownCommand
	IncorrectChecksum
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "VALID"
	case InvalidControlField:
		return "INVALID_CONTROL_FIELD"
	case UnsupportedFrameFormat:
		return "UNSUPPORTED_FRAME_FORMAT"
	case IncorrectPayloadLength:
		return "INCORRECT_PAYLOAD_LENGTH"
	case InvalidCommandField:
		return "INVALID_COMMAND_FIELD"
	case UnknownCommand:
		return "UNKNOWN_COMMAND"
	case IncorrectChecksum:
		return "INCORRECT_CHECKSUM"
	default:
		return fmt.Sprintf("validity(%d)", int(v))
	}
}

// Telegram is one decoded L_Data standard frame.
type Telegram struct {
	Priority    Priority
	Repeated    bool
	Source      IndividualAddr
	Destination uint16
	Group       bool  // destination is a group address
	HopCount    uint8 // routing counter, 0-7
	// Payload is the command field followed by any additional data
	// (TPCI/APCI onwards), 2 to 16 bytes.
	Payload []byte
}

// NewGroupWrite builds a GroupValueWrite telegram. A single value of at most
// six bits is packed into the command field, anything else follows it.
func NewGroupWrite(src IndividualAddr, dst GroupAddr, data []byte) Telegram {
	return newGroupTelegram(src, dst, CommandValueWrite, data)
}

// NewGroupRead builds a GroupValueRead telegram.
func NewGroupRead(src IndividualAddr, dst GroupAddr) Telegram {
	return newGroupTelegram(src, dst, CommandValueRead, nil)
}

func newGroupTelegram(src IndividualAddr, dst GroupAddr, cmd Command, data []byte) Telegram {
	payload := []byte{byte(cmd>>2) & 0x03, byte(cmd&0x03) << 6}
	if len(data) == 1 && data[0] <= 0x3F {
		payload[1] |= data[0]
	} else {
		payload = append(payload, data...)
	}
	return Telegram{
		Priority:    PriorityNormal,
		Source:      src,
		Destination: uint16(dst),
		Group:       true,
		HopCount:    DefaultHopCount,
		Payload:     payload,
	}
}

// Command returns the application command carried in the payload.
func (t Telegram) Command() Command {
	if len(t.Payload) < 2 {
		return 0
	}
	return Command((t.Payload[0]&0x03)<<2 | t.Payload[1]>>6)
}

// Data returns the application data: the six low bits of the command field
// for short frames, otherwise the bytes following it.
func (t Telegram) Data() []byte {
	if len(t.Payload) < 2 {
		return nil
	}
	if len(t.Payload) == 2 {
		return []byte{t.Payload[1] & 0x3F}
	}
	return t.Payload[2:]
}

// DestinationString formats the destination according to its address type.
func (t Telegram) DestinationString() string {
	if t.Group {
		return GroupAddr(t.Destination).String()
	}
	return IndividualAddr(t.Destination).String()
}

// Size returns the encoded frame size including the checksum.
func (t Telegram) Size() int {
	return HeaderSize + len(t.Payload) + 1
}

// Control returns the encoded control field.
func (t Telegram) Control() byte {
	c := controlStandard | controlValidPattern | byte(t.Priority)&controlPriorityMask
	if !t.Repeated {
		c |= controlNotRepeated
	}
	return c
}

// Routing returns the encoded routing field.
func (t Telegram) Routing() byte {
	r := (t.HopCount << 4) & routingHopMask
	if t.Group {
		r |= routingGroupMask
	}
	if n := len(t.Payload); n > 0 {
		r |= byte(n-1) & routingLengthMask
	}
	return r
}

// Encode serializes the telegram and appends its checksum.
func Encode(t Telegram) ([]byte, error) {
	if len(t.Payload) < 2 || len(t.Payload) > MaxSize-HeaderSize-1 {
		return nil, fmt.Errorf("telegram: payload length %d out of range 2-%d", len(t.Payload), MaxSize-HeaderSize-1)
	}
	if t.HopCount > 7 {
		return nil, fmt.Errorf("telegram: hop count %d out of range 0-7", t.HopCount)
	}
	buf := make([]byte, t.Size())
	buf[0] = t.Control()
	binary.BigEndian.PutUint16(buf[1:3], uint16(t.Source))
	binary.BigEndian.PutUint16(buf[3:5], t.Destination)
	buf[5] = t.Routing()
	copy(buf[HeaderSize:], t.Payload)
	buf[len(buf)-1] = Checksum(buf[:len(buf)-1])
	return buf, nil
}

// Decode validates and parses a raw frame. Any result other than Valid means
// the frame must be dropped; the returned Telegram is then zero.
func Decode(b []byte) (Telegram, Validity) {
	if len(b) < HeaderSize {
		return Telegram{}, IncorrectPayloadLength
	}
	ctrl := b[0]
	if ctrl&controlPatternMask != controlValidPattern {
		return Telegram{}, InvalidControlField
	}
	if ctrl&controlFormatMask != controlStandard {
		return Telegram{}, UnsupportedFrameFormat
	}
	length := int(b[5] & routingLengthMask)
	if length == 0 || len(b) != lengthOffset+length {
		return Telegram{}, IncorrectPayloadLength
	}
	if b[6]&commandPatternMask != 0 {
		return Telegram{}, InvalidCommandField
	}
	if Checksum(b[:len(b)-1]) != b[len(b)-1] {
		return Telegram{}, IncorrectChecksum
	}

	t := Telegram{
		Priority:    Priority(ctrl & controlPriorityMask),
		Repeated:    ctrl&controlNotRepeated == 0,
		Source:      IndividualAddr(binary.BigEndian.Uint16(b[1:3])),
		Destination: binary.BigEndian.Uint16(b[3:5]),
		Group:       b[5]&routingGroupMask != 0,
		HopCount:    (b[5] & routingHopMask) >> 4,
		Payload:     append([]byte(nil), b[HeaderSize:len(b)-1]...),
	}
	if !t.Command().known() {
		return Telegram{}, UnknownCommand
	}
	return t, Valid
}

// Checksum returns the complemented XOR of b. Pass every byte preceding the
// checksum position.
func Checksum(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return ^x
}

// FrameSize reports the total frame size announced by a header, or 0 if the
// header is too short.
func FrameSize(header []byte) int {
	if len(header) < HeaderSize {
		return 0
	}
	return lengthOffset + int(header[5]&routingLengthMask)
}

// IsStartByte reports whether c looks like an L_Data control field.
func IsStartByte(c byte) bool {
	return c&controlPatternMask == controlValidPattern
}
