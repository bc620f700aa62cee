// Package proxy multiplexes automation clients over a pool of browser
// backends. Each client is lazily bound to exactly one backend, chosen
// round-robin on the client's first message, and keeps that binding for its
// whole lifetime.
package proxy

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
)

// maxCloseReasonBytes is the websocket control-frame payload ceiling (125)
// minus the two-byte status code.
const maxCloseReasonBytes = 123

// ClientConn is the downstream side of a proxied connection. The gateway
// backs it with a websocket; tests use fakes.
type ClientConn interface {
	WriteMessage(messageType int, data []byte) error
	// CloseWith sends a close frame with the given code and reason, then
	// tears the connection down.
	CloseWith(code int, reason string) error
}

// BackendConn is the upstream side. *websocket.Conn satisfies it directly.
type BackendConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens backend connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (BackendConn, error)
}

// WSDialer dials browser backends over plain websocket with compression
// disabled; DevTools endpoints do not negotiate permessage-deflate.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, endpoint string) (BackendConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: false,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.New("unexpected handshake response: " + resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

type queuedMessage struct {
	messageType int
	data        []byte
}

type clientState struct {
	backend    BackendConn
	connecting bool
	queue      []queuedMessage
	gone       bool // client disconnected while dial in flight
	closed     bool // backend failed; the binding is spent, never redialed
}

type Proxy struct {
	mu sync.Mutex

	log     zerolog.Logger
	metrics *obs.Metrics
	dialer  Dialer

	backends []string
	cursor   int
	clients  map[ClientConn]*clientState
}

func New(log zerolog.Logger, metrics *obs.Metrics, dialer Dialer, backends []string) *Proxy {
	return &Proxy{
		log:      log.With().Str("component", "proxy").Logger(),
		metrics:  metrics,
		dialer:   dialer,
		backends: append([]string(nil), backends...),
		clients:  make(map[ClientConn]*clientState),
	}
}

// RegisterClient tracks a freshly accepted automation client. No backend is
// touched until the client sends its first message.
func (p *Proxy) RegisterClient(c ClientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c] = &clientState{}
	p.metrics.ProxyClientsActive.Set(float64(len(p.clients)))
	p.log.Debug().Msg("proxy client connected")
}

// HandleClientDisconnect releases the client's backend connection, if any.
func (p *Proxy) HandleClientDisconnect(c ClientConn) {
	p.mu.Lock()
	st, ok := p.clients[c]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.clients, c)
	st.gone = true
	backend := st.backend
	st.backend = nil
	p.metrics.ProxyClientsActive.Set(float64(len(p.clients)))
	p.mu.Unlock()

	if backend != nil {
		p.log.Debug().Msg("closing backend connection after client disconnect")
		_ = backend.Close()
	}
}

// HandleMessage routes one client frame upstream. The first frame triggers
// the backend dial; frames arriving while the dial is in flight are queued
// and flushed in order once it completes.
func (p *Proxy) HandleMessage(c ClientConn, messageType int, data []byte) {
	p.mu.Lock()

	if len(p.backends) == 0 {
		p.mu.Unlock()
		_ = c.CloseWith(websocket.CloseInternalServerErr, "Browser server not available")
		return
	}

	st, ok := p.clients[c]
	if !ok {
		p.mu.Unlock()
		p.log.Error().Msg("message from unregistered proxy client")
		_ = c.CloseWith(websocket.CloseInternalServerErr, "Client not registered")
		return
	}

	if st.closed {
		// The one backend this client was bound to is gone; frames racing
		// the close handshake are dropped rather than rebound elsewhere.
		p.mu.Unlock()
		return
	}

	if st.backend != nil && !st.connecting {
		backend := st.backend
		p.mu.Unlock()
		if err := backend.WriteMessage(messageType, data); err != nil {
			p.metrics.ProxyErrorsTotal.WithLabelValues("forward").Inc()
		}
		return
	}

	if st.connecting {
		st.queue = append(st.queue, queuedMessage{messageType, data})
		p.mu.Unlock()
		return
	}

	endpoint := p.backends[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.backends)
	st.connecting = true
	st.queue = append(st.queue, queuedMessage{messageType, data})
	p.mu.Unlock()

	p.log.Info().Str("endpoint", endpoint).Msg("dialing browser backend")
	go p.connectBackend(c, st, endpoint)
}

func (p *Proxy) connectBackend(c ClientConn, st *clientState, endpoint string) {
	backend, err := p.dialer.Dial(context.Background(), endpoint)
	if err != nil {
		p.metrics.ProxyErrorsTotal.WithLabelValues("dial").Inc()
		p.log.Error().Err(err).Str("endpoint", endpoint).Msg("backend dial failed")
		p.mu.Lock()
		st.connecting = false
		st.closed = true
		st.queue = nil
		p.mu.Unlock()
		_ = c.CloseWith(websocket.CloseInternalServerErr, "Browser connection error")
		return
	}

	p.mu.Lock()
	if st.gone {
		p.mu.Unlock()
		_ = backend.Close()
		return
	}
	st.backend = backend
	st.connecting = false
	pending := st.queue
	st.queue = nil
	p.mu.Unlock()

	for _, msg := range pending {
		if err := backend.WriteMessage(msg.messageType, msg.data); err != nil {
			p.metrics.ProxyErrorsTotal.WithLabelValues("forward").Inc()
			break
		}
	}

	p.forwardBackend(c, st, backend)
}

// forwardBackend pumps backend frames down to the client until the backend
// goes away, then propagates the close code and reason.
func (p *Proxy) forwardBackend(c ClientConn, st *clientState, backend BackendConn) {
	for {
		messageType, data, err := backend.ReadMessage()
		if err != nil {
			code, reason := translateClose(err)
			p.log.Debug().Int("code", code).Str("reason", reason).Msg("backend connection closed")

			p.mu.Lock()
			st.backend = nil
			st.closed = true
			st.queue = nil
			gone := st.gone
			p.mu.Unlock()

			if !gone {
				_ = c.CloseWith(code, reason)
			}
			return
		}
		if err := c.WriteMessage(messageType, data); err != nil {
			_ = backend.Close()
			return
		}
	}
}

// SetBackends swaps the backend pool and resets the round-robin cursor.
// Existing client bindings are untouched.
func (p *Proxy) SetBackends(endpoints []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends = append([]string(nil), endpoints...)
	p.cursor = 0
	p.log.Info().Int("backends", len(endpoints)).Msg("backend pool updated")
}

// translateClose maps a backend read error to the close code and reason to
// hand the client. Abnormal terminations surface as 1011.
func translateClose(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, TruncateCloseReason(ce.Text)
	}
	return websocket.CloseInternalServerErr, "Browser connection error"
}

// TruncateCloseReason caps a close reason at the 123-byte control-frame
// payload limit without splitting a UTF-8 sequence.
func TruncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := reason[:maxCloseReasonBytes]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
