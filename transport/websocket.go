package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickwire/internal/telemetry"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketLink adapts a websocket connection to the Link interface. The
// socket is reliable and ordered underneath, which only makes the layers
// above conservative; the packet protocol is unchanged. Useful where raw UDP
// is unavailable, browsers in particular.
type WebSocketLink struct {
	conn   *websocket.Conn
	queue  *InboundQueue
	logger telemetry.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewWebSocketLink wraps an established connection and starts its read loop.
func NewWebSocketLink(conn *websocket.Conn, logger telemetry.Logger, metrics telemetry.Metrics) *WebSocketLink {
	link := &WebSocketLink{
		conn:   conn,
		queue:  NewInboundQueue(1024, metrics),
		logger: logger,
		done:   make(chan struct{}),
	}
	go link.readLoop()
	return link
}

// DialWebSocket connects to a websocket endpoint and returns the link.
func DialWebSocket(url string, logger telemetry.Logger, metrics telemetry.Metrics) (*WebSocketLink, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketLink(conn, logger, metrics), nil
}

func (l *WebSocketLink) readLoop() {
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				if l.logger != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.logger.Printf("websocket read loop stopped: %v", err)
				}
			}
			l.markClosed()
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		l.queue.Push(data)
	}
}

// Send transmits one packet as a binary websocket message.
func (l *WebSocketLink) Send(packet []byte) error {
	if l == nil {
		return ErrClosed
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return l.conn.WriteMessage(websocket.BinaryMessage, packet)
}

// Receive drains every packet read since the previous call.
func (l *WebSocketLink) Receive() [][]byte {
	if l == nil {
		return nil
	}
	return l.queue.Drain()
}

// IsConnected reports whether the socket is still open.
func (l *WebSocketLink) IsConnected() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *WebSocketLink) markClosed() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Close sends a close frame and shuts the socket down.
func (l *WebSocketLink) Close() error {
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

	l.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	l.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	l.conn.WriteMessage(websocket.CloseMessage, message)
	l.writeMu.Unlock()
	return l.conn.Close()
}

// WSHandlerConfig tunes the server-side websocket acceptor.
type WSHandlerConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// CheckOrigin overrides the origin policy; nil accepts everything, which
	// suits same-binary tooling and tests.
	CheckOrigin func(r *http.Request) bool
}

// WSHandler upgrades HTTP requests to websocket links and hands them to the
// accept callback.
type WSHandler struct {
	cfg      WSHandlerConfig
	upgrader websocket.Upgrader
	accept   func(*WebSocketLink, *http.Request)
}

// NewWSHandler constructs an acceptor. accept is invoked once per upgraded
// connection, on the request goroutine.
func NewWSHandler(cfg WSHandlerConfig, accept func(*WebSocketLink, *http.Request)) *WSHandler {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     checkOrigin,
		},
		accept: accept,
	}
}

// Handle upgrades one request. Suitable as an http.HandlerFunc.
func (h *WSHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.cfg.Logger != nil {
			h.cfg.Logger.Printf("websocket upgrade failed: %v", err)
		}
		return
	}
	link := NewWebSocketLink(conn, h.cfg.Logger, h.cfg.Metrics)
	if h.accept == nil {
		link.Close()
		return
	}
	h.accept(link, r)
}
