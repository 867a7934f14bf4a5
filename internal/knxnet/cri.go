package knxnet

import (
	"fmt"

	"knx-gateway/internal/telegram"
)

// ConnectionType selects the kind of connection a client asks for.
type ConnectionType uint8

const (
	DeviceMgmtConnection ConnectionType = 0x03
	TunnelConnection     ConnectionType = 0x04
	RemLogConnection     ConnectionType = 0x06
	RemConfConnection    ConnectionType = 0x07
	ObjSvrConnection     ConnectionType = 0x08
)

func (t ConnectionType) String() string {
	switch t {
	case DeviceMgmtConnection:
		return "device-management"
	case TunnelConnection:
		return "tunnel"
	case RemLogConnection:
		return "remote-logging"
	case RemConfConnection:
		return "remote-configuration"
	case ObjSvrConnection:
		return "object-server"
	default:
		return fmt.Sprintf("connection(0x%02X)", uint8(t))
	}
}

// TunnelLayer is the KNX layer requested for a tunnel connection.
type TunnelLayer uint8

const (
	TunnelLinkLayer  TunnelLayer = 0x02
	TunnelRaw        TunnelLayer = 0x04
	TunnelBusmonitor TunnelLayer = 0x80
)

// CRI is the connection request information of a CONNECT_REQUEST. A tunnel
// CRI may name the individual address the client wants (extended CRI).
type CRI struct {
	Type       ConnectionType
	Layer      TunnelLayer
	Address    telegram.IndividualAddr
	HasAddress bool
}

func (c CRI) Size() int {
	switch {
	case c.Type != TunnelConnection:
		return 2
	case c.HasAddress:
		return 6
	default:
		return 4
	}
}

func (c CRI) Pack(w *Writer) {
	w.Uint8(uint8(c.Size()))
	w.Uint8(uint8(c.Type))
	if c.Type != TunnelConnection {
		return
	}
	w.Uint8(uint8(c.Layer))
	w.Uint8(0)
	if c.HasAddress {
		w.Uint16(uint16(c.Address))
	}
}

func (c *CRI) Unpack(r *Reader) error {
	length := int(r.Uint8("cri length"))
	if length < 2 {
		r.Fail(fmt.Errorf("%w: cri length %d", ErrStructureLength, length))
		return r.Err()
	}
	body := r.Bytes(length-1, "cri")
	if err := r.Err(); err != nil {
		return err
	}
	c.Type = ConnectionType(body[0])
	if len(body) >= 3 {
		c.Layer = TunnelLayer(body[1])
	}
	if len(body) >= 5 {
		c.Address = telegram.IndividualAddr(uint16(body[3])<<8 | uint16(body[4]))
		c.HasAddress = true
	}
	return nil
}

// CRD is the connection response data of a successful CONNECT_RESPONSE.
type CRD struct {
	Type    ConnectionType
	Address telegram.IndividualAddr
}

func (c CRD) Size() int {
	if c.Type == TunnelConnection {
		return 4
	}
	return 2
}

func (c CRD) Pack(w *Writer) {
	w.Uint8(uint8(c.Size()))
	w.Uint8(uint8(c.Type))
	if c.Type == TunnelConnection {
		w.Uint16(uint16(c.Address))
	}
}

func (c *CRD) Unpack(r *Reader) error {
	length := r.Uint8("crd length")
	c.Type = ConnectionType(r.Uint8("crd type"))
	if length >= 4 {
		c.Address = telegram.IndividualAddr(r.Uint16("crd address"))
		r.Bytes(int(length)-4, "crd")
	} else if length < 2 {
		r.Fail(fmt.Errorf("%w: crd length %d", ErrStructureLength, length))
	}
	return r.Err()
}
