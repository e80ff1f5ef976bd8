package transport

import (
	"fmt"
	"net"
	"sync"

	"tickwire/internal/telemetry"
)

// MaxDatagramSize is the largest packet a UDP link will send or accept.
// Staying under typical path MTU avoids IP fragmentation, which multiplies
// the effective loss rate.
const MaxDatagramSize = 1200

// UDPLink is a Link over a connected UDP socket. A background goroutine
// reads datagrams into the inbound queue until the socket closes.
type UDPLink struct {
	conn   *net.UDPConn
	queue  *InboundQueue
	logger telemetry.Logger
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// DialUDP connects to the remote address and starts the read loop.
func DialUDP(remote string, logger telemetry.Logger, metrics telemetry.Metrics) (*UDPLink, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remote, err)
	}
	link := &UDPLink{
		conn:   conn,
		queue:  NewInboundQueue(1024, metrics),
		logger: logger,
		done:   make(chan struct{}),
	}
	go link.readLoop()
	return link, nil
}

func (l *UDPLink) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			select {
			case <-l.done:
			default:
				if l.logger != nil {
					l.logger.Printf("udp read loop stopped: %v", err)
				}
			}
			return
		}
		if n == 0 {
			continue
		}
		l.queue.Push(append([]byte(nil), buf[:n]...))
	}
}

// Send transmits one datagram. Oversized packets are rejected rather than
// silently fragmented by the IP layer.
func (l *UDPLink) Send(packet []byte) error {
	if l == nil {
		return ErrClosed
	}
	if len(packet) > MaxDatagramSize {
		return ErrPacketTooLarge
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := l.conn.Write(packet)
	return err
}

// Receive drains every datagram read since the previous call.
func (l *UDPLink) Receive() [][]byte {
	if l == nil {
		return nil
	}
	return l.queue.Drain()
}

// IsConnected reports whether the socket is still open. UDP has no liveness
// signal of its own; callers layer timeouts above this.
func (l *UDPLink) IsConnected() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close shuts the socket down and stops the read loop.
func (l *UDPLink) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	return l.conn.Close()
}

// UDPPeerLink is the server-side Link for one remote address, demultiplexed
// by a UDPListener.
type UDPPeerLink struct {
	listener *UDPListener
	remote   *net.UDPAddr
	queue    *InboundQueue
	mu       sync.Mutex
	closed   bool
}

// Send transmits one datagram to this peer's address.
func (l *UDPPeerLink) Send(packet []byte) error {
	if l == nil {
		return ErrClosed
	}
	if len(packet) > MaxDatagramSize {
		return ErrPacketTooLarge
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := l.listener.conn.WriteToUDP(packet, l.remote)
	return err
}

// Receive drains every datagram from this peer since the previous call.
func (l *UDPPeerLink) Receive() [][]byte {
	if l == nil {
		return nil
	}
	return l.queue.Drain()
}

// RemoteAddr returns the peer's address.
func (l *UDPPeerLink) RemoteAddr() *net.UDPAddr {
	if l == nil {
		return nil
	}
	return l.remote
}

// IsConnected reports whether the peer link is still registered.
func (l *UDPPeerLink) IsConnected() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close deregisters the peer; later datagrams from the same address surface
// as a fresh peer link.
func (l *UDPPeerLink) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.listener.forget(l.remote.String())
	return nil
}

// UDPListener owns one server socket and splits its traffic into per-remote
// peer links. New remotes surface on Accept.
type UDPListener struct {
	conn    *net.UDPConn
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.Mutex
	peers  map[string]*UDPPeerLink
	accept chan *UDPPeerLink
	closed bool
	done   chan struct{}
}

// ListenUDP binds the address and starts the demultiplexing read loop.
func ListenUDP(local string, logger telemetry.Logger, metrics telemetry.Metrics) (*UDPListener, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", local, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	l := &UDPListener{
		conn:    conn,
		logger:  logger,
		metrics: metrics,
		peers:   make(map[string]*UDPPeerLink),
		accept:  make(chan *UDPPeerLink, 16),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Accept returns the channel on which previously unseen remotes appear.
func (l *UDPListener) Accept() <-chan *UDPPeerLink {
	return l.accept
}

// LocalAddr returns the bound address.
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *UDPListener) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
			default:
				if l.logger != nil {
					l.logger.Printf("udp listener read loop stopped: %v", err)
				}
			}
			return
		}
		if n == 0 {
			continue
		}
		packet := append([]byte(nil), buf[:n]...)
		peer, fresh := l.peerFor(remote)
		if peer == nil {
			continue
		}
		peer.queue.Push(packet)
		if fresh {
			select {
			case l.accept <- peer:
			default:
				// Accept backlog full; the peer is registered and its
				// packets are queued, the handshake just waits.
			}
		}
	}
}

func (l *UDPListener) peerFor(remote *net.UDPAddr) (*UDPPeerLink, bool) {
	key := remote.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	if peer, ok := l.peers[key]; ok {
		return peer, false
	}
	peer := &UDPPeerLink{
		listener: l,
		remote:   remote,
		queue:    NewInboundQueue(1024, l.metrics),
	}
	l.peers[key] = peer
	return peer, true
}

func (l *UDPListener) forget(key string) {
	l.mu.Lock()
	delete(l.peers, key)
	l.mu.Unlock()
}

// Close shuts the socket down and closes every peer link.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	peers := make([]*UDPPeerLink, 0, len(l.peers))
	for _, peer := range l.peers {
		peers = append(peers, peer)
	}
	l.peers = make(map[string]*UDPPeerLink)
	l.mu.Unlock()

	for _, peer := range peers {
		peer.mu.Lock()
		peer.closed = true
		peer.mu.Unlock()
	}
	return l.conn.Close()
}
