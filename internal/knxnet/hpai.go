package knxnet

import (
	"fmt"
	"net"
	"net/netip"
)

// HostProtocol is the transport code carried in an HPAI.
type HostProtocol uint8

const (
	UDP4 HostProtocol = 0x01
	TCP4 HostProtocol = 0x02
)

func (p HostProtocol) String() string {
	switch p {
	case UDP4:
		return "udp4"
	case TCP4:
		return "tcp4"
	default:
		return fmt.Sprintf("protocol(0x%02X)", uint8(p))
	}
}

const hpaiSize = 8

// HPAI identifies an endpoint by protocol, IPv4 address and port.
type HPAI struct {
	Protocol HostProtocol
	IP       [4]byte
	Port     uint16
}

// HPAIFromAddrPort builds an HPAI for an IPv4 endpoint.
func HPAIFromAddrPort(proto HostProtocol, ap netip.AddrPort) (HPAI, error) {
	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return HPAI{}, fmt.Errorf("knxnet: %s is not an IPv4 endpoint", ap)
	}
	return HPAI{Protocol: proto, IP: ip.As4(), Port: ap.Port()}, nil
}

// HPAIFromAddr converts a UDP or TCP socket address.
func HPAIFromAddr(addr net.Addr) (HPAI, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return HPAIFromAddrPort(UDP4, a.AddrPort())
	case *net.TCPAddr:
		return HPAIFromAddrPort(TCP4, a.AddrPort())
	default:
		return HPAI{}, fmt.Errorf("knxnet: unsupported address type %T", addr)
	}
}

// AddrPort returns the endpoint as a netip.AddrPort.
func (h HPAI) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(h.IP), h.Port)
}

// IsRouteBack reports whether the endpoint is 0.0.0.0:0, which asks the
// server to answer the address the request came from (NAT mode, and always
// for TCP).
func (h HPAI) IsRouteBack() bool {
	return h.IP == [4]byte{} && h.Port == 0
}

// Resolve returns the endpoint to answer, substituting from for a route-back HPAI.
func (h HPAI) Resolve(from netip.AddrPort) netip.AddrPort {
	if h.IsRouteBack() {
		return from
	}
	return h.AddrPort()
}

func (h HPAI) String() string {
	return fmt.Sprintf("%s/%s", h.Protocol, h.AddrPort())
}

func (HPAI) Size() int { return hpaiSize }

func (h HPAI) Pack(w *Writer) {
	w.Uint8(hpaiSize)
	w.Uint8(uint8(h.Protocol))
	w.Write(h.IP[:])
	w.Uint16(h.Port)
}

// Unpack reads an HPAI. Host protocols other than UDP and TCP over IPv4
// fail with ErrHostProtocol.
func (h *HPAI) Unpack(r *Reader) error {
	length := r.Uint8("hpai length")
	h.Protocol = HostProtocol(r.Uint8("hpai protocol"))
	copy(h.IP[:], r.Bytes(4, "hpai address"))
	h.Port = r.Uint16("hpai port")
	if err := r.Err(); err != nil {
		return err
	}
	if length != hpaiSize {
		return fmt.Errorf("%w: hpai length %d", ErrStructureLength, length)
	}
	if h.Protocol != UDP4 && h.Protocol != TCP4 {
		return fmt.Errorf("%w: %s", ErrHostProtocol, h.Protocol)
	}
	return nil
}
