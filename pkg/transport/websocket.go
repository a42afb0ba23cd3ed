package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// Options tune a transport instance. Zero values take the documented
// defaults.
type Options struct {
	// MaxFrameSize caps one serialized envelope (default 10 MiB).
	MaxFrameSize int
	// QueueSize bounds each peer's outbound queue (default 1024).
	QueueSize int
	// MaxConnections caps concurrently accepted peers (default 500).
	MaxConnections int
	// TLS enables a TLS listener and wss dialing when set.
	TLS *tls.Config
}

// WebSocket is the reference duplex-stream binding: one JSON envelope per
// text frame over a long-lived websocket connection.
type WebSocket struct {
	handler  Handler
	codec    *protocol.Codec
	opts     Options
	upgrader websocket.Upgrader
	log      *log.Entry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	peers    map[Handle]*Peer
	shutdown bool
}

// NewWebSocket builds the binding; the handler receives every accepted peer
// and every inbound envelope.
func NewWebSocket(handler Handler, opts Options) *WebSocket {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 500
	}
	return &WebSocket{
		handler: handler,
		codec:   &protocol.Codec{MaxFrameSize: opts.MaxFrameSize},
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Agents connect from arbitrary origins; auth is the
			// registration handshake, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   log.WithFields(log.Fields{"component": "transport", "transport": "websocket"}),
		peers: map[Handle]*Peer{},
	}
}

// Name implements Transport.
func (t *WebSocket) Name() string { return "websocket" }

// Listen binds addr and serves upgrades until Shutdown. Bind failures are
// returned synchronously so startup can abort.
func (t *WebSocket) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	if t.opts.TLS != nil {
		lis = tls.NewListener(lis, t.opts.TLS)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.serveUpgrade)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		lis.Close()
		return fmt.Errorf("transport is shut down")
	}
	t.server = srv
	t.listener = lis
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			t.log.Errorf("serve error on %s: %s", addr, err)
		}
	}()
	t.log.Infof("listening on %s", addr)
	return nil
}

// BoundAddr reports the listener's actual address, useful when listening
// on port 0.
func (t *WebSocket) BoundAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *WebSocket) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if len(t.peers) >= t.opts.MaxConnections {
		t.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	t.mu.Unlock()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debugf("upgrade failed from %s: %s", r.RemoteAddr, err)
		return
	}
	t.adopt(conn, nil)
}

// Dial opens an outbound peer. metadata is recorded on the peer for later
// registration payloads.
func (t *WebSocket) Dial(ctx context.Context, addr string, metadata map[string]string) (*Peer, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  t.opts.TLS,
	}
	scheme := "ws"
	if t.opts.TLS != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s/ws", scheme, addr)
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	p := t.adopt(conn, metadata)
	return p, nil
}

// adopt wires a websocket connection into a Peer with reader and writer
// goroutines and hands it to the handler.
func (t *WebSocket) adopt(conn *websocket.Conn, metadata map[string]string) *Peer {
	conn.SetReadLimit(int64(t.opts.MaxFrameSize))
	l := &wsLink{conn: conn}
	p := newPeer(t.Name(), l, t.codec, t.opts.QueueSize)
	if metadata != nil {
		p.BindAgent("", metadata)
	}

	t.mu.Lock()
	t.peers[p.Handle()] = p
	t.mu.Unlock()

	t.handler.HandlePeer(p)
	go t.readPump(p, conn)
	return p
}

func (t *WebSocket) readPump(p *Peer, conn *websocket.Conn) {
	var closeErr error
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeErr = nil
			} else {
				closeErr = err
			}
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		env, err := t.codec.Decode(frame)
		if err != nil {
			// Protocol violation: report it and drop the stream.
			t.sendDecodeError(p, err)
			closeErr = err
			break
		}
		framesReceived.WithLabelValues(t.Name()).Inc()
		p.Touch()
		t.handler.HandleEnvelope(p, env)
	}
	p.Close()
	t.mu.Lock()
	delete(t.peers, p.Handle())
	t.mu.Unlock()
	t.handler.HandlePeerClosed(p, closeErr)
}

func (t *WebSocket) sendDecodeError(p *Peer, cause error) {
	kind := protocol.KindOf(cause)
	if kind == "" {
		kind = protocol.ErrInvalidPayload
	}
	env, err := protocol.Envelope{
		Type:      protocol.KindSystemResponse,
		Timestamp: time.Now(),
	}.WithPayload(protocol.ErrorPayload{ErrorKind: kind, Error: cause.Error()})
	if err != nil {
		return
	}
	if err := p.Send(env); err != nil {
		t.log.Debugf("could not report decode error to peer %d: %s", p.Handle(), err)
	}
}

// Shutdown stops accepting, then closes every peer, draining outbound
// queues up to the context deadline.
func (t *WebSocket) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.shutdown = true
	srv := t.server
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && err != context.DeadlineExceeded {
			t.log.Debugf("http shutdown: %s", err)
		}
	}
	for _, p := range peers {
		p.Close()
	}
	done := make(chan struct{})
	go func() {
		for _, p := range peers {
			p.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wsLink adapts a gorilla connection to the peer's writer side. gorilla
// connections allow one concurrent writer; the peer's writer goroutine is
// that writer, so no extra locking is needed for frames. Close racing a
// write is guarded by the mutex.
type wsLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *wsLink) writeFrame(frame []byte, deadline time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if deadline.IsZero() {
		deadline = time.Now().Add(wsWriteTimeout)
	}
	l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

func (l *wsLink) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return l.conn.Close()
}

func (l *wsLink) remoteAddr() string {
	return l.conn.RemoteAddr().String()
}
