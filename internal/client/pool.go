// Package client implements the operator side of the relay: it asks the
// manager for a server assignment, connects browsers through the connection
// gateway, and streams live session replay to the replay hub.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/browser"
	"github.com/CloverLabsAI/roverfox/pkg/shared/redact"
)

// BrowserDialer opens a browser automation connection. The default
// implementation speaks CDP over the gateway's automation path.
type BrowserDialer interface {
	Dial(ctx context.Context, endpoint string) (browser.Browser, error)
}

// CDPDialer connects with chromedp, carrying the API key as a query token
// since CDP handshakes cannot set headers.
type CDPDialer struct {
	APIKey string
	Log    zerolog.Logger
}

func (d CDPDialer) Dial(ctx context.Context, endpoint string) (browser.Browser, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse browser endpoint: %w", err)
	}
	if d.APIKey != "" {
		q := u.Query()
		q.Set("access_token", d.APIKey)
		u.RawQuery = q.Encode()
	}
	return browser.Connect(ctx, u.String(), d.Log)
}

type connAttempt struct {
	done chan struct{}
	b    browser.Browser
	err  error
}

// ConnectionPool deduplicates connections per endpoint: at most one browser
// connection and one replay socket exist per endpoint, and concurrent
// callers share a single in-flight dial instead of racing.
type ConnectionPool struct {
	mu sync.Mutex

	log    zerolog.Logger
	dialer BrowserDialer

	browsers map[string]browser.Browser
	attempts map[string]*connAttempt
	replays  map[string]*ReplaySocket

	controlHandler func(data []byte)
}

func NewConnectionPool(log zerolog.Logger, dialer BrowserDialer) *ConnectionPool {
	return &ConnectionPool{
		log:      log.With().Str("component", "pool").Logger(),
		dialer:   dialer,
		browsers: make(map[string]browser.Browser),
		attempts: make(map[string]*connAttempt),
		replays:  make(map[string]*ReplaySocket),
	}
}

// SetControlHandler registers the callback for frames arriving on replay
// sockets (streaming control and remote input).
func (p *ConnectionPool) SetControlHandler(fn func(data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controlHandler = fn
}

// GetBrowserConnection returns the pooled browser for an endpoint, dialing
// it on first use. Concurrent callers for the same endpoint wait on the one
// in-flight dial.
func (p *ConnectionPool) GetBrowserConnection(ctx context.Context, endpoint string) (browser.Browser, error) {
	p.mu.Lock()
	if b, ok := p.browsers[endpoint]; ok {
		p.mu.Unlock()
		p.log.Debug().Str("endpoint", redact.URL(endpoint)).Msg("reusing browser connection")
		return b, nil
	}
	if attempt, ok := p.attempts[endpoint]; ok {
		p.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.b, attempt.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	attempt := &connAttempt{done: make(chan struct{})}
	p.attempts[endpoint] = attempt
	p.mu.Unlock()

	p.log.Info().Str("endpoint", redact.URL(endpoint)).Msg("connecting to browser server")
	b, err := p.dialer.Dial(ctx, endpoint)

	p.mu.Lock()
	delete(p.attempts, endpoint)
	if err == nil {
		p.browsers[endpoint] = b
	}
	p.mu.Unlock()

	attempt.b = b
	attempt.err = err
	close(attempt.done)

	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}

	go func() {
		<-b.Done()
		p.mu.Lock()
		if p.browsers[endpoint] == b {
			delete(p.browsers, endpoint)
		}
		p.mu.Unlock()
		p.log.Info().Str("endpoint", redact.URL(endpoint)).Msg("browser connection dropped")
	}()
	return b, nil
}

// GetReplaySocket returns the pooled replay socket for an endpoint,
// starting a dial if none is live. Connecting sockets are reused rather
// than duplicated.
func (p *ConnectionPool) GetReplaySocket(endpoint string) *ReplaySocket {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.replays[endpoint]; ok {
		return s
	}

	handler := func(data []byte) {
		p.mu.Lock()
		fn := p.controlHandler
		p.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
	var s *ReplaySocket
	s = dialReplaySocket(p.log, endpoint, handler, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.replays[endpoint] == s {
			delete(p.replays, endpoint)
		}
	})
	p.replays[endpoint] = s
	return s
}
