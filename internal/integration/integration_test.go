package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloverLabsAI/roverfox/internal/adapters/store"
	"github.com/CloverLabsAI/roverfox/internal/browser"
	"github.com/CloverLabsAI/roverfox/internal/client"
	"github.com/CloverLabsAI/roverfox/internal/domain"
	"github.com/CloverLabsAI/roverfox/internal/gateway"
	"github.com/CloverLabsAI/roverfox/internal/hub"
	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
	"github.com/CloverLabsAI/roverfox/internal/managerapi"
	"github.com/CloverLabsAI/roverfox/internal/proxy"
)

const relayToken = "integration-token"

// startEchoBackend stands in for a browser automation server.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if conn.WriteMessage(mt, data) != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// recordingSink captures audit and usage records for assertions.
type recordingSink struct {
	mu    sync.Mutex
	usage []domain.UsageRecord
	audit []domain.AuditRecord
}

func (s *recordingSink) RecordAudit(_ context.Context, rec domain.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
}

func (s *recordingSink) RecordUsage(_ context.Context, rec domain.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) usageFor(browserID string) (domain.UsageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.usage {
		if rec.BrowserID == browserID {
			return rec, true
		}
	}
	return domain.UsageRecord{}, false
}

// startRelay assembles the full worker: gateway in front of the hub and the
// backend proxy, plus the embedded manager API. Returns the manager base URL,
// the websocket base, and the sink behind the audit and usage intake.
func startRelay(t *testing.T) (string, string, *recordingSink) {
	t.Helper()
	log := zerolog.Nop()
	metrics := obs.NewMetrics()

	echoURL := startEchoBackend(t)
	h := hub.New(log, metrics)
	p := proxy.New(log, metrics, proxy.WSDialer{HandshakeTimeout: 5 * time.Second}, []string{echoURL})
	auth := gateway.NewAuthenticator(log, []string{relayToken}, "", "", "", false)
	gw := gateway.New(log, metrics, h, p, auth, "/roverfox", "/replay")

	mux := http.NewServeMux()
	mux.Handle("/", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	st := store.NewMemory(0, 0)
	sink := &recordingSink{}
	api := managerapi.New(log, st, st, sink, domain.ServerAssignment{
		BrowserWSURL: wsBase + "/roverfox",
		ReplayWSURL:  wsBase + "/replay",
		ServerID:     "it-worker",
		ServerIP:     "127.0.0.1",
	})
	api.Register(mux)
	return srv.URL, wsBase, sink
}

type fakePage struct {
	mu    sync.Mutex
	id    string
	shot  []byte
	moves [][2]float64
	done  chan struct{}
}

func (p *fakePage) ID() string                                  { return p.id }
func (p *fakePage) Title(context.Context) (string, error)       { return "Integration", nil }
func (p *fakePage) Screenshot(context.Context, int) ([]byte, error) { return p.shot, nil }
func (p *fakePage) MouseMove(_ context.Context, x, y float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moves = append(p.moves, [2]float64{x, y})
	return nil
}
func (p *fakePage) MouseClick(context.Context, float64, float64, string, int) error { return nil }
func (p *fakePage) TypeText(context.Context, string) error                          { return nil }
func (p *fakePage) PressKey(context.Context, string, []string) error                { return nil }
func (p *fakePage) Scroll(context.Context, float64, float64, float64, float64) error {
	return nil
}
func (p *fakePage) Done() <-chan struct{} { return p.done }

func (p *fakePage) moveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.moves)
}

type fakeBrowser struct {
	mu       sync.Mutex
	page     *fakePage
	done     chan struct{}
	bytesCBs []func(string, int64)
}

func (b *fakeBrowser) Pages() []browser.Page     { return []browser.Page{b.page} }
func (b *fakeBrowser) OnPage(func(browser.Page)) {}
func (b *fakeBrowser) OnPageClosed(func(string)) {}
func (b *fakeBrowser) OnNetworkBytes(fn func(string, int64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bytesCBs = append(b.bytesCBs, fn)
}
func (b *fakeBrowser) Done() <-chan struct{} { return b.done }
func (b *fakeBrowser) Close() error          { return nil }

func (b *fakeBrowser) emitNetworkBytes(pageID string, n int64) {
	b.mu.Lock()
	cbs := append(([]func(string, int64))(nil), b.bytesCBs...)
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(pageID, n)
	}
}

type fakeBrowserDialer struct {
	b *fakeBrowser
}

func (d *fakeBrowserDialer) Dial(context.Context, string) (browser.Browser, error) {
	return d.b, nil
}

// viewer is a replay-path websocket that collects every frame it receives.
type viewer struct {
	conn   *websocket.Conn
	frames chan map[string]any
}

func dialViewer(t *testing.T, wsBase string) *viewer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/replay", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v := &viewer{conn: conn, frames: make(chan map[string]any, 256)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(v.frames)
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				v.frames <- m
			}
		}
	}()
	return v
}

func (v *viewer) send(t *testing.T, m map[string]any) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, v.conn.WriteMessage(websocket.TextMessage, data))
}

func (v *viewer) await(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-v.frames:
			if !ok {
				t.Fatalf("viewer closed before %q frame", typ)
			}
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %q frame within deadline", typ)
		}
	}
}

func newOperator(t *testing.T, managerURL string, dialer client.BrowserDialer) *client.Client {
	t.Helper()
	log := zerolog.Nop()
	manager := client.NewManagerClient(log, managerURL, relayToken)
	pool := client.NewConnectionPool(log, dialer)
	replay := client.NewReplayManager(log, 50, time.Second, 70)
	usage := client.NewUsageTracker(log, manager)
	return client.NewClient(log, manager, pool, replay, usage, nil, 2*time.Second)
}

func TestSessionReplayEndToEnd(t *testing.T) {
	managerURL, wsBase, sink := startRelay(t)

	page := &fakePage{id: "p1", shot: []byte("frame-bytes"), done: make(chan struct{})}
	fb := &fakeBrowser{page: page, done: make(chan struct{})}
	dialer := &fakeBrowserDialer{b: fb}
	op := newOperator(t, managerURL, dialer)

	v := dialViewer(t, wsBase)
	first := v.await(t, "profiles-updated")
	assert.Empty(t, first["profiles"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session, err := op.LaunchOneTimeBrowser(ctx)
	require.NoError(t, err)

	// The new session becomes visible to the viewer...
	updated := v.await(t, "profiles-updated")
	assert.Contains(t, updated["profiles"], session.BrowserID)

	// ...and subscribing starts the capture pipeline all the way back at
	// the operator's page.
	v.send(t, map[string]any{"type": "subscribe", "uuid": session.BrowserID})
	frame := v.await(t, "new-screenshot")
	assert.Equal(t, session.BrowserID, frame["uuid"])
	assert.Equal(t, "p1", frame["pageId"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(page.shot), frame["base64"])

	// Remote input rides the same socket in the other direction.
	v.send(t, map[string]any{"type": "mouse-move", "uuid": session.BrowserID, "pageId": "p1", "x": 11.0, "y": 22.0})
	require.Eventually(t, func() bool { return page.moveCount() > 0 }, 5*time.Second, 20*time.Millisecond)

	// Network traffic observed by the browser feeds the usage window.
	fb.emitNetworkBytes("p1", 1500)
	fb.emitNetworkBytes("p1", 2500)

	// Closing the session ends the stream for the viewer and flushes the
	// accumulated usage to the manager.
	op.CloseSession(ctx, session.BrowserID)
	ended := v.await(t, "stream-ended")
	assert.Equal(t, session.BrowserID, ended["uuid"])

	rec, ok := sink.usageFor(session.BrowserID)
	require.True(t, ok, "usage record reported")
	assert.EqualValues(t, 4000, rec.Bytes)
	assert.False(t, rec.End.Before(rec.Start))
}

func TestAutomationPathProxiesToBackend(t *testing.T) {
	_, wsBase, _ := startRelay(t)

	hdr := http.Header{"Authorization": []string{"Bearer " + relayToken}}
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/roverfox", hdr)
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte(`{"id":1,"method":"Target.getTargets"}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)
}

func TestAutomationPathRejectsBadToken(t *testing.T) {
	_, wsBase, _ := startRelay(t)

	hdr := http.Header{"Authorization": []string{"Bearer wrong"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/roverfox", hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
