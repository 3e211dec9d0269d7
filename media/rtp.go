package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// DefaultMTU bounds a single forwarded datagram.
const DefaultMTU = 1500

// UDPForwarder writes inbound RTP packets to a local UDP port for an external player.
type UDPForwarder struct {
	conn *net.UDPConn
	log  *slog.Logger

	mx  sync.Mutex
	buf []byte
}

func NewUDPForwarder(addr string, logger *slog.Logger) (*UDPForwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		logger.Error("Failed to resolve UDP address", "addr", addr, "err", err)
		return nil, fmt.Errorf("resolve forward address %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial forward address %s: %w", addr, err)
	}
	logger.Info("forwarding RTP", "addr", udpAddr)
	return &UDPForwarder{
		conn: conn,
		log:  logger,
		buf:  make([]byte, DefaultMTU),
	}, nil
}

func (f *UDPForwarder) WriteRTP(pkt *rtp.Packet) error {
	f.mx.Lock()
	defer f.mx.Unlock()

	if size := pkt.MarshalSize(); size > len(f.buf) {
		f.buf = make([]byte, size)
	}
	n, err := pkt.MarshalTo(f.buf)
	if err != nil {
		return fmt.Errorf("marshal rtp: %w", err)
	}
	if _, err := f.conn.Write(f.buf[:n]); err != nil {
		// nobody listening yet is not fatal for the stream
		if isConnRefused(err) {
			f.log.Debug("forward target not listening", "err", err)
			return nil
		}
		return fmt.Errorf("forward rtp: %w", err)
	}
	return nil
}

func (f *UDPForwarder) Addr() net.Addr {
	return f.conn.RemoteAddr()
}

func (f *UDPForwarder) Close() error {
	return f.conn.Close()
}
