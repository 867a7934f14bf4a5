package knxnet

import (
	"errors"
	"fmt"

	"knx-gateway/internal/telegram"
)

// MessageCode is the first byte of a cEMI frame.
type MessageCode uint8

const (
	LDataReq      MessageCode = 0x11
	LDataInd      MessageCode = 0x29
	LDataCon      MessageCode = 0x2E
	MPropReadReq  MessageCode = 0xFC
	MPropReadCon  MessageCode = 0xFB
	MPropWriteReq MessageCode = 0xF6
	MPropWriteCon MessageCode = 0xF5
	MResetReq     MessageCode = 0xF1
	MResetInd     MessageCode = 0xF0
)

func (c MessageCode) String() string {
	switch c {
	case LDataReq:
		return "L_Data.req"
	case LDataInd:
		return "L_Data.ind"
	case LDataCon:
		return "L_Data.con"
	case MPropReadReq:
		return "M_PropRead.req"
	case MPropReadCon:
		return "M_PropRead.con"
	case MPropWriteReq:
		return "M_PropWrite.req"
	case MPropWriteCon:
		return "M_PropWrite.con"
	case MResetReq:
		return "M_Reset.req"
	case MResetInd:
		return "M_Reset.ind"
	default:
		return fmt.Sprintf("cemi(0x%02X)", uint8(c))
	}
}

var (
	ErrNotLData        = errors.New("knxnet: cemi message is not L_Data")
	ErrExtendedFrame   = errors.New("knxnet: extended frame format not supported")
	ErrTPDULength      = errors.New("knxnet: tpdu length out of range")
	ErrNotPropertyRead = errors.New("knxnet: cemi message is not M_PropRead")
)

// Control field 1 bits.
const (
	Ctrl1Standard    byte = 0x80
	Ctrl1NoRepeat    byte = 0x20
	Ctrl1Broadcast   byte = 0x10
	Ctrl1PrioMask    byte = 0x0C
	Ctrl1AckRequest  byte = 0x02
	Ctrl1ConfirmFail byte = 0x01
)

// Control field 2 bits.
const (
	Ctrl2Group   byte = 0x80
	Ctrl2HopMask byte = 0x70
)

// LData is a cEMI L_Data request, indication or confirmation.
type LData struct {
	Code        MessageCode
	AddInfo     []byte
	Ctrl1       byte
	Ctrl2       byte
	Source      telegram.IndividualAddr
	Destination uint16
	// TPDU starts at the TPCI byte; its length is the cEMI length field plus one.
	TPDU []byte
}

func (l LData) Size() int { return 2 + len(l.AddInfo) + 7 + len(l.TPDU) }

func (l LData) Pack(w *Writer) {
	w.Uint8(uint8(l.Code))
	w.Uint8(uint8(len(l.AddInfo)))
	w.Write(l.AddInfo)
	w.Uint8(l.Ctrl1)
	w.Uint8(l.Ctrl2)
	w.Uint16(uint16(l.Source))
	w.Uint16(l.Destination)
	n := len(l.TPDU)
	if n > 0 {
		n--
	}
	w.Uint8(uint8(n))
	w.Write(l.TPDU)
}

// Bytes serializes the frame.
func (l LData) Bytes() []byte {
	w := NewWriter(l.Size())
	l.Pack(w)
	return w.Bytes()
}

// DecodeLData parses an L_Data cEMI frame.
func DecodeLData(b []byte) (LData, error) {
	r := NewReader(b)
	var l LData
	l.Code = MessageCode(r.Uint8("message code"))
	if r.Err() == nil && l.Code != LDataReq && l.Code != LDataInd && l.Code != LDataCon {
		return l, fmt.Errorf("%w: %s", ErrNotLData, l.Code)
	}
	l.AddInfo = r.Bytes(int(r.Uint8("additional info length")), "additional info")
	l.Ctrl1 = r.Uint8("control 1")
	l.Ctrl2 = r.Uint8("control 2")
	l.Source = telegram.IndividualAddr(r.Uint16("source"))
	l.Destination = r.Uint16("destination")
	l.TPDU = r.Bytes(int(r.Uint8("npdu length"))+1, "tpdu")
	if err := r.Err(); err != nil {
		return l, fmt.Errorf("knxnet: decode cemi: %w", err)
	}
	return l, nil
}

// Telegram converts an L_Data.req into a bus telegram. A zero source is
// replaced by src, the individual address of the tunnel.
func (l LData) Telegram(src telegram.IndividualAddr) (telegram.Telegram, error) {
	if l.Ctrl1&Ctrl1Standard == 0 {
		return telegram.Telegram{}, ErrExtendedFrame
	}
	if len(l.TPDU) < 2 || len(l.TPDU) > telegram.MaxSize-telegram.HeaderSize-1 {
		return telegram.Telegram{}, fmt.Errorf("%w: %d bytes", ErrTPDULength, len(l.TPDU))
	}
	if l.Source != 0 {
		src = l.Source
	}
	return telegram.Telegram{
		Priority:    telegram.Priority(l.Ctrl1 & Ctrl1PrioMask),
		Repeated:    l.Ctrl1&Ctrl1NoRepeat == 0,
		Source:      src,
		Destination: l.Destination,
		Group:       l.Ctrl2&Ctrl2Group != 0,
		HopCount:    (l.Ctrl2 & Ctrl2HopMask) >> 4,
		Payload:     append([]byte(nil), l.TPDU...),
	}, nil
}

// FromTelegram wraps a bus telegram as a cEMI L_Data message with code.
func FromTelegram(code MessageCode, t telegram.Telegram) LData {
	return LData{
		Code:        code,
		Ctrl1:       t.Control(),
		Ctrl2:       t.Routing() &^ 0x0F,
		Source:      t.Source,
		Destination: t.Destination,
		TPDU:        append([]byte(nil), t.Payload...),
	}
}

// Confirm derives the L_Data.con for a transmitted L_Data.req.
func (l LData) Confirm(ok bool) LData {
	con := l
	con.Code = LDataCon
	con.AddInfo = nil
	con.Ctrl1 &^= Ctrl1ConfirmFail
	if !ok {
		con.Ctrl1 |= Ctrl1ConfirmFail
	}
	return con
}

// Failed reports whether an L_Data.con signals a failed transmission.
func (l LData) Failed() bool {
	return l.Code == LDataCon && l.Ctrl1&Ctrl1ConfirmFail != 0
}

// Property access error codes returned in a negative M_PropRead.con.
const (
	PropErrUnspecified uint8 = 0x00
	PropErrVoid        uint8 = 0x07
)

// PropertyRead is an M_PropRead.req or .con. A confirmation with Count zero
// is negative and carries one error code in Data.
type PropertyRead struct {
	Code       MessageCode
	ObjectType uint16
	Instance   uint8
	Property   uint8
	Count      uint8
	Start      uint16
	Data       []byte
}

func (p PropertyRead) Size() int { return 7 + len(p.Data) }

func (p PropertyRead) Pack(w *Writer) {
	w.Uint8(uint8(p.Code))
	w.Uint16(p.ObjectType)
	w.Uint8(p.Instance)
	w.Uint8(p.Property)
	w.Uint16(uint16(p.Count&0x0F)<<12 | p.Start&0x0FFF)
	w.Write(p.Data)
}

// Bytes serializes the frame.
func (p PropertyRead) Bytes() []byte {
	w := NewWriter(p.Size())
	p.Pack(w)
	return w.Bytes()
}

// DecodePropertyRead parses an M_PropRead cEMI frame.
func DecodePropertyRead(b []byte) (PropertyRead, error) {
	r := NewReader(b)
	var p PropertyRead
	p.Code = MessageCode(r.Uint8("message code"))
	if r.Err() == nil && p.Code != MPropReadReq && p.Code != MPropReadCon {
		return p, fmt.Errorf("%w: %s", ErrNotPropertyRead, p.Code)
	}
	p.ObjectType = r.Uint16("interface object type")
	p.Instance = r.Uint8("object instance")
	p.Property = r.Uint8("property id")
	ne := r.Uint16("elements")
	p.Count = uint8(ne >> 12)
	p.Start = ne & 0x0FFF
	p.Data = r.Rest()
	if err := r.Err(); err != nil {
		return p, fmt.Errorf("knxnet: decode cemi: %w", err)
	}
	return p, nil
}

// Reject builds the negative confirmation for a property read request.
func (p PropertyRead) Reject(code uint8) PropertyRead {
	return PropertyRead{
		Code:       MPropReadCon,
		ObjectType: p.ObjectType,
		Instance:   p.Instance,
		Property:   p.Property,
		Count:      0,
		Start:      p.Start,
		Data:       []byte{code},
	}
}
