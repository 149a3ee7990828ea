package eia

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Cloud-client socket parameters.
const (
	ReconnectInterval = 1 * time.Second
	RecvBufStart      = 512
	RecvBufCap        = 4 << 20 // 4 MiB hard cap

	// Peer directory names under the socket dir.
	PeerClient = "client"
	PeerApp    = "app"
)

// Socket is one SOCK_SEQPACKET local socket connection to the cloud
// client: single JSON object per packet, geometric receive-buffer
// growth up to the cap, reconnect every second on loss. Go's net
// package has no seqpacket dialer, so this sits directly on
// golang.org/x/sys/unix.
type Socket struct {
	path string

	mu        sync.Mutex
	fd        int
	connected bool
	stop      chan struct{}

	// OnFrame receives each whole packet. OnConnState reports
	// connect/disconnect edges.
	OnFrame     func(data []byte)
	OnConnState func(up bool)
	// OnOversize is invoked with the (best-effort parsed) command id of
	// a packet that exceeded the cap and was dropped.
	OnOversize func(id int)
}

// NewSocket builds a socket for <dir>/<peer>/<name>.
func NewSocket(dir, peer, name string) *Socket {
	return &Socket{
		path: filepath.Join(dir, peer, name),
		fd:   -1,
		stop: make(chan struct{}),
	}
}

// Start runs the connect/receive loop until Close.
func (s *Socket) Start() {
	go s.run()
}

// Close tears the connection down and stops reconnecting.
func (s *Socket) Close() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.closeLocked()
	s.mu.Unlock()
}

func (s *Socket) run() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.connect(); err != nil {
			time.Sleep(ReconnectInterval)
			continue
		}
		s.recvLoop()
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		if s.OnConnState != nil {
			s.OnConnState(false)
		}
		time.Sleep(ReconnectInterval)
	}
}

func (s *Socket) connect() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return errors.Wrap(err, "eia: socket")
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: s.path}); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "eia: connect %s", s.path)
	}
	s.mu.Lock()
	s.fd = fd
	s.connected = true
	s.mu.Unlock()
	logger.WithField("path", s.path).Info("cloud client socket connected")
	if s.OnConnState != nil {
		s.OnConnState(true)
	}
	return nil
}

func (s *Socket) closeLocked() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.connected = false
}

// recvLoop reads packets until error/EOF. The buffer starts small and
// doubles (peeking first) up to the cap; anything larger is discarded
// and reported through OnOversize for the NAK-by-id path.
func (s *Socket) recvLoop() {
	buf := make([]byte, RecvBufStart)
	for {
		s.mu.Lock()
		fd := s.fd
		s.mu.Unlock()
		if fd < 0 {
			return
		}
		n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK|unix.MSG_TRUNC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			return // peer closed
		}
		if n > RecvBufCap {
			// Consume and drop the oversized packet; the id is parsed
			// best-effort from the truncated head.
			if _, _, err := unix.Recvfrom(fd, buf, 0); err != nil {
				return
			}
			if s.OnOversize != nil {
				s.OnOversize(peekCommandID(buf))
			}
			continue
		}
		for n > len(buf) {
			grown := len(buf) * 2
			if grown > RecvBufCap {
				grown = RecvBufCap
			}
			buf = make([]byte, grown)
		}
		n, _, err = unix.Recvfrom(fd, buf, 0)
		if err != nil || n <= 0 {
			return
		}
		if s.OnFrame != nil {
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			s.OnFrame(pkt)
		}
	}
}

// peekCommandID extracts the command id from a (possibly truncated)
// packet head, returning 0 when unparseable.
func peekCommandID(head []byte) int {
	if f, ok := DecodeFrame(head); ok {
		return f.Cmd.ID
	}
	return 0
}

// Send transmits one packet. Not connected is a connection-class
// error.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	fd, up := s.fd, s.connected
	s.mu.Unlock()
	if !up || fd < 0 {
		return errors.New("eia: cloud client socket not connected")
	}
	if err := unix.Send(fd, data, 0); err != nil {
		return errors.Wrap(err, "eia: send")
	}
	return nil
}

// Connected reports the socket's current state.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
