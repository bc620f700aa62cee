// Package gateway is the websocket front door. It routes exactly two paths:
// the authenticated automation path, handed to the browser proxy, and the
// unauthenticated replay path, handed to the replay hub.
package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/hub"
	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
	"github.com/CloverLabsAI/roverfox/internal/proxy"
	"github.com/CloverLabsAI/roverfox/pkg/shared/redact"
)

const (
	writeTimeout = 10 * time.Second
	// sendQueueSize bounds how far a replay reader may fall behind before
	// its socket is dropped.
	sendQueueSize = 64
)

var errPeerClosed = errors.New("gateway: peer closed")

type Gateway struct {
	log     zerolog.Logger
	metrics *obs.Metrics

	hub   *hub.Hub
	proxy *proxy.Proxy
	auth  *Authenticator

	proxyPath  string
	replayPath string
}

func New(log zerolog.Logger, metrics *obs.Metrics, h *hub.Hub, p *proxy.Proxy, auth *Authenticator, proxyPath, replayPath string) *Gateway {
	return &Gateway{
		log:        log.With().Str("component", "gateway").Logger(),
		metrics:    metrics,
		hub:        h,
		proxy:      p,
		auth:       auth,
		proxyPath:  proxyPath,
		replayPath: replayPath,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case g.proxyPath:
		g.handleProxy(w, r)
	case g.replayPath:
		g.handleReplay(w, r)
	default:
		g.metrics.GatewayRejections.WithLabelValues("unknown_path").Inc()
		http.NotFound(w, r)
	}
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	if !g.auth.Authorize(r) {
		g.metrics.GatewayRejections.WithLabelValues("unauthorized").Inc()
		tok, _ := bearerToken(r.Header.Get("Authorization"))
		g.log.Warn().
			Str("client", r.RemoteAddr).
			Str("token", redact.Token(tok)).
			Msg("rejected unauthorized automation client")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrade(w, r)
	if err != nil {
		return
	}
	g.log.Info().Str("client", r.RemoteAddr).Msg("automation client connected")

	p := newPeer(conn)
	g.proxy.RegisterClient(p)

	go func() {
		defer func() {
			g.proxy.HandleClientDisconnect(p)
			p.shutdown()
		}()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				g.log.Debug().Err(err).Msg("automation client read ended")
				return
			}
			g.proxy.HandleMessage(p, messageType, data)
		}
	}()
}

func (g *Gateway) handleReplay(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrade(w, r)
	if err != nil {
		return
	}
	g.log.Info().Str("client", r.RemoteAddr).Msg("replay client connected")

	p := newPeer(conn)
	g.hub.AddClient(p)

	go func() {
		defer func() {
			g.hub.RemoveClient(p)
			p.shutdown()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				g.log.Debug().Err(err).Msg("replay client read ended")
				return
			}
			g.hub.HandleMessage(p, data)
		}
	}()
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{r.Header.Get("Sec-WebSocket-Protocol")},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.GatewayRejections.WithLabelValues("upgrade_failed").Inc()
		g.log.Error().Err(err).Msg("websocket upgrade failed")
		return nil, err
	}
	return conn, nil
}

// outFrame is one queued write: a value to JSON-encode, or raw bytes.
type outFrame struct {
	payload any
	raw     []byte
}

// peer serializes all writes to one websocket. It backs both hub.Conn and
// proxy.ClientConn, so replay and automation sockets share one write path.
// Send and SendRaw enqueue onto a per-connection buffer drained by a writer
// goroutine, so a stalled reader never blocks the hub.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn

	sendCh chan outFrame
	done   chan struct{}
	once   sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{
		conn:   conn,
		sendCh: make(chan outFrame, sendQueueSize),
		done:   make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *peer) writeLoop() {
	for {
		select {
		case f := <-p.sendCh:
			var err error
			p.mu.Lock()
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if f.raw != nil {
				err = p.conn.WriteMessage(websocket.TextMessage, f.raw)
			} else {
				err = p.conn.WriteJSON(f.payload)
			}
			p.mu.Unlock()
			if err != nil {
				p.shutdown()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) enqueue(f outFrame) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.sendCh <- f:
		return nil
	default:
		// Queue full: the far side stopped reading. Closing the connection
		// lets its read loop run normal disconnect cleanup.
		p.shutdown()
		return errPeerClosed
	}
}

func (p *peer) Send(v any) error {
	return p.enqueue(outFrame{payload: v})
}

func (p *peer) SendRaw(data []byte) error {
	return p.enqueue(outFrame{raw: data})
}

// WriteMessage writes synchronously. The proxy path uses it so backend frames
// keep their natural backpressure.
func (p *peer) WriteMessage(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(messageType, data)
}

func (p *peer) CloseWith(code int, reason string) error {
	p.mu.Lock()
	msg := websocket.FormatCloseMessage(code, proxy.TruncateCloseReason(reason))
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	p.mu.Unlock()
	p.shutdown()
	return nil
}

func (p *peer) shutdown() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
