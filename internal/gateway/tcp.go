package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"knx-gateway/internal/knxnet"
)

// TCPKeepAlive is the keepalive period of accepted connections.
const TCPKeepAlive = 30 * time.Second

// TCPServer serves KNXnet/IP over TCP. Each connection is a stream of
// frames delimited by their header length.
type TCPServer struct {
	g      *Gateway
	ln     net.Listener
	logger *slog.Logger
	wg     sync.WaitGroup
}

// ListenTCP binds addr.
func ListenTCP(g *Gateway, addr string) (*TCPServer, error) {
	lc := net.ListenConfig{KeepAlive: TCPKeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen tcp %s: %w", addr, err)
	}
	return &TCPServer{g: g, ln: ln, logger: g.logger.With("transport", "tcp")}, nil
}

// Addr returns the bound address.
func (s *TCPServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled, then closes them all.
func (s *TCPServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	s.logger.Info("listening", "addr", s.ln.Addr().String())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("gateway: tcp accept: %w", err)
		}
		sess := newTCPSession(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, sess)
		}()
	}
}

type tcpSession struct {
	conn   net.Conn
	remote netip.AddrPort
	local  netip.AddrPort
	mu     sync.Mutex
}

func newTCPSession(conn net.Conn) *tcpSession {
	sess := &tcpSession{conn: conn}
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sess.remote = a.AddrPort()
	}
	if a, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		sess.local = a.AddrPort()
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(TCPKeepAlive)
	}
	return sess
}

func (t *tcpSession) Send(frame []byte, _ netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(frame)
	return err
}

func (t *tcpSession) Protocol() knxnet.HostProtocol { return knxnet.TCP4 }

func (t *tcpSession) LocalAddr() netip.AddrPort { return t.local }

func (s *TCPServer) serveConn(ctx context.Context, sess *tcpSession) {
	log := s.logger.With("remote", sess.remote.String())
	log.Info("connection opened")
	stop := context.AfterFunc(ctx, func() { sess.conn.Close() })
	defer func() {
		stop()
		sess.conn.Close()
		s.g.DropTransport(sess)
		log.Info("connection closed")
	}()

	for {
		frame, err := readFrame(sess.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Warn("closing connection", "err", err)
			}
			return
		}
		s.g.HandleDatagram(frame, sess.remote, sess)
	}
}

var errFrameSize = errors.New("gateway: frame size out of range")

// readFrame reads one frame, using the header's total length to find its
// end.
func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, knxnet.HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != knxnet.HeaderSize {
		return nil, knxnet.ErrHeaderSize
	}
	total := int(binary.BigEndian.Uint16(hdr[4:6]))
	if total < knxnet.HeaderSize || total > knxnet.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", errFrameSize, total)
	}
	frame := make([]byte, total)
	copy(frame, hdr)
	if _, err := io.ReadFull(r, frame[knxnet.HeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}
