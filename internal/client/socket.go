package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/pkg/shared/redact"
)

// ReplaySocket is a lazily-dialed websocket to a replay endpoint. Senders
// may queue behind the dial: SafeSend blocks until the socket is open (or
// the dial failed), so callers never race the handshake.
type ReplaySocket struct {
	endpoint string
	log      zerolog.Logger

	openCh chan struct{} // closed once the dial resolves
	doneCh chan struct{} // closed when the read loop ends

	mu      sync.Mutex // guards conn writes and dialErr
	conn    *websocket.Conn
	dialErr error

	closeOnce sync.Once
	onMessage func(data []byte)
	onClose   func()
}

func dialReplaySocket(log zerolog.Logger, endpoint string, onMessage func([]byte), onClose func()) *ReplaySocket {
	s := &ReplaySocket{
		endpoint:  endpoint,
		log:       log,
		openCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		onMessage: onMessage,
		onClose:   onClose,
	}
	go s.connect()
	return s
}

func (s *ReplaySocket) connect() {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.Dial(s.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s.mu.Lock()
	if err != nil {
		s.dialErr = err
		s.mu.Unlock()
		s.log.Error().Err(err).Str("endpoint", redact.URL(s.endpoint)).Msg("replay socket dial failed")
		close(s.openCh)
		close(s.doneCh)
		if s.onClose != nil {
			s.onClose()
		}
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Str("endpoint", redact.URL(s.endpoint)).Msg("replay socket connected")
	close(s.openCh)
	s.readLoop(conn)
}

func (s *ReplaySocket) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
		close(s.doneCh)
		if s.onClose != nil {
			s.onClose()
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("replay socket read ended")
			return
		}
		if s.onMessage != nil {
			s.onMessage(data)
		}
	}
}

// SafeSend JSON-encodes v and writes it, waiting first for the socket to
// finish connecting.
func (s *ReplaySocket) SafeSend(ctx context.Context, v any) error {
	select {
	case <-s.openCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return s.dialErr
	}
	if s.conn == nil {
		return errors.New("replay socket closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Done is closed when the socket is fully torn down.
func (s *ReplaySocket) Done() <-chan struct{} { return s.doneCh }

// Close starts the websocket close handshake and waits for the peer to
// acknowledge, but never longer than timeout; then the connection is torn
// down regardless.
func (s *ReplaySocket) Close(timeout time.Duration) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		select {
		case <-s.doneCh:
		case <-time.After(timeout):
			s.log.Debug().Str("endpoint", redact.URL(s.endpoint)).Msg("replay socket close timed out, forcing")
		}
		_ = conn.Close()
	})
}
