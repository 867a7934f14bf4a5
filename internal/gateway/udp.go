package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"

	"knx-gateway/internal/knxnet"
)

// UDPServer serves KNXnet/IP over UDP unicast and the discovery multicast
// group.
type UDPServer struct {
	g      *Gateway
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	local  netip.AddrPort
	logger *slog.Logger
}

// ListenUDP binds addr. When group is set, the socket joins it on the
// named interface (all multicast interfaces if empty); a failed join is
// logged and unicast service continues.
func ListenUDP(g *Gateway, addr, group, ifname string) (*UDPServer, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen udp %s: %w", addr, err)
	}
	s := &UDPServer{
		g:      g,
		conn:   conn,
		pc:     ipv4.NewPacketConn(conn),
		local:  conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		logger: g.logger.With("transport", "udp"),
	}
	if group != "" {
		if err := s.join(group, ifname); err != nil {
			s.logger.Warn("multicast join failed", "group", group, "err", err)
		}
	}
	return s, nil
}

func (s *UDPServer) join(group, ifname string) error {
	gaddr := &net.UDPAddr{IP: net.ParseIP(group)}
	if gaddr.IP == nil || !gaddr.IP.IsMulticast() {
		return fmt.Errorf("gateway: %q is not a multicast address", group)
	}
	if ifname != "" {
		ifi, err := net.InterfaceByName(ifname)
		if err != nil {
			return fmt.Errorf("gateway: interface %s: %w", ifname, err)
		}
		if err := s.pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("gateway: multicast interface: %w", err)
		}
		return s.pc.JoinGroup(ifi, gaddr)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := s.pc.JoinGroup(ifi, gaddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		return errors.New("gateway: no multicast capable interface")
	}
	s.logger.Info("joined multicast group", "group", group, "interfaces", joined)
	return nil
}

// Send writes one datagram.
func (s *UDPServer) Send(frame []byte, to netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(frame, to)
	return err
}

func (s *UDPServer) Protocol() knxnet.HostProtocol { return knxnet.UDP4 }

func (s *UDPServer) LocalAddr() netip.AddrPort { return s.local }

// Serve reads datagrams until ctx is cancelled or the socket is closed.
func (s *UDPServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	s.logger.Info("listening", "addr", s.local.String())
	buf := make([]byte, knxnet.MaxFrameSize+1)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("gateway: udp read: %w", err)
		}
		if n > knxnet.MaxFrameSize {
			s.logger.Debug("oversized datagram dropped", "from", from.String(), "size", n)
			continue
		}
		s.g.HandleDatagram(append([]byte(nil), buf[:n]...), netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), s)
	}
}

// Close closes the socket.
func (s *UDPServer) Close() error { return s.conn.Close() }
