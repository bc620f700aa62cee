package client

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/browser"
	"github.com/CloverLabsAI/roverfox/internal/protocol"
)

type mousePos struct {
	x, y float64
}

type trackedPage struct {
	page      browser.Page
	pageID    string
	browserID string
	socket    *ReplaySocket
	stop      chan struct{} // non-nil while the capture loop runs
}

// ReplayManager captures page screenshots for live session replay and
// executes remote input commands arriving from viewers. Capture is
// demand-driven: frames are only taken while the hub signals that someone
// is watching.
type ReplayManager struct {
	mu sync.Mutex

	log zerolog.Logger

	captureInterval   time.Duration
	screenshotTimeout time.Duration
	jpegQuality       int

	mousePositions   map[string]mousePos          // pageId -> last pointer position
	streamingEnabled map[string]bool              // browserId
	pages            map[string]map[string]*trackedPage // browserId -> pageId
}

func NewReplayManager(log zerolog.Logger, captureFPS int, screenshotTimeout time.Duration, jpegQuality int) *ReplayManager {
	if captureFPS <= 0 {
		captureFPS = 10
	}
	return &ReplayManager{
		log:               log.With().Str("component", "replay").Logger(),
		captureInterval:   time.Second / time.Duration(captureFPS),
		screenshotTimeout: screenshotTimeout,
		jpegQuality:       jpegQuality,
		mousePositions:    make(map[string]mousePos),
		streamingEnabled:  make(map[string]bool),
		pages:             make(map[string]map[string]*trackedPage),
	}
}

// EnableLiveReplay starts tracking a page for a session: the page is
// announced to the hub immediately, capture starts when a viewer subscribes,
// and page teardown is reported when the tab closes.
func (m *ReplayManager) EnableLiveReplay(page browser.Page, pageID, browserID string, socket *ReplaySocket) {
	m.mu.Lock()
	byPage := m.pages[browserID]
	if byPage == nil {
		byPage = make(map[string]*trackedPage)
		m.pages[browserID] = byPage
	}
	if _, tracked := byPage[pageID]; tracked {
		m.mu.Unlock()
		return
	}
	tp := &trackedPage{page: page, pageID: pageID, browserID: browserID, socket: socket}
	byPage[pageID] = tp
	streaming := m.streamingEnabled[browserID]
	if streaming {
		m.startCaptureLocked(tp)
	}
	m.mu.Unlock()

	go m.announcePage(tp)
	go m.watchPageClose(tp)
}

func (m *ReplayManager) announcePage(tp *trackedPage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	title, err := tp.page.Title(ctx)
	if err != nil {
		title = ""
	}
	if err := tp.socket.SafeSend(ctx, protocol.PageOpened{
		Type:      protocol.TypePageOpened,
		UUID:      tp.browserID,
		PageID:    tp.pageID,
		PageTitle: title,
	}); err != nil {
		m.log.Debug().Err(err).Str("pageId", tp.pageID).Msg("page-opened announce failed")
	}
}

func (m *ReplayManager) watchPageClose(tp *trackedPage) {
	<-tp.page.Done()

	m.mu.Lock()
	m.stopCaptureLocked(tp)
	if byPage, ok := m.pages[tp.browserID]; ok {
		delete(byPage, tp.pageID)
		if len(byPage) == 0 {
			delete(m.pages, tp.browserID)
		}
	}
	delete(m.mousePositions, tp.pageID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Best effort; the hub also cleans up on producer disconnect.
	_ = tp.socket.SafeSend(ctx, protocol.PageClosed{
		Type:   protocol.TypePageClosed,
		UUID:   tp.browserID,
		PageID: tp.pageID,
	})
}

// HandleControlMessage processes one frame from the replay socket: streaming
// control from the hub, or a remote input command relayed from a viewer.
func (m *ReplayManager) HandleControlMessage(data []byte) {
	msg, err := protocol.ParseInbound(data)
	if err != nil {
		m.log.Debug().Err(err).Msg("ignoring unrecognized control frame")
		return
	}

	switch cmd := msg.(type) {
	case *protocol.StartStreaming:
		m.setStreaming(cmd.UUID, true)
	case *protocol.StopStreaming:
		m.setStreaming(cmd.UUID, false)
	case protocol.Input:
		m.executeInput(cmd)
	}
}

func (m *ReplayManager) setStreaming(browserID string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.streamingEnabled[browserID] = enabled
	if enabled {
		m.log.Info().Str("uuid", browserID).Msg("streaming enabled")
		for _, tp := range m.pages[browserID] {
			m.startCaptureLocked(tp)
		}
	} else {
		m.log.Info().Str("uuid", browserID).Msg("streaming disabled")
		for _, tp := range m.pages[browserID] {
			m.stopCaptureLocked(tp)
		}
	}
}

func (m *ReplayManager) startCaptureLocked(tp *trackedPage) {
	if tp.stop != nil {
		return
	}
	tp.stop = make(chan struct{})
	go m.captureLoop(tp, tp.stop)
}

func (m *ReplayManager) stopCaptureLocked(tp *trackedPage) {
	if tp.stop != nil {
		close(tp.stop)
		tp.stop = nil
	}
}

func (m *ReplayManager) captureLoop(tp *trackedPage, stop chan struct{}) {
	ticker := time.NewTicker(m.captureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.captureFrame(tp)
		}
	}
}

func (m *ReplayManager) captureFrame(tp *trackedPage) {
	m.mu.Lock()
	enabled := m.streamingEnabled[tp.browserID]
	pos, hasPos := m.mousePositions[tp.pageID]
	m.mu.Unlock()
	if !enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.screenshotTimeout)
	defer cancel()

	shot, err := tp.page.Screenshot(ctx, m.jpegQuality)
	if err != nil {
		// Pages navigate and close mid-capture; a missed frame is fine.
		return
	}
	title, err := tp.page.Title(ctx)
	if err != nil {
		title = ""
	}

	msg := protocol.Screenshot{
		Type:      protocol.TypeScreenshot,
		UUID:      tp.browserID,
		PageID:    tp.pageID,
		PageTitle: title,
		Base64:    base64.StdEncoding.EncodeToString(shot),
	}
	if hasPos {
		x, y := pos.x, pos.y
		msg.MouseX, msg.MouseY = &x, &y
	}
	if err := tp.socket.SafeSend(ctx, msg); err != nil {
		m.log.Debug().Err(err).Str("pageId", tp.pageID).Msg("screenshot send failed")
	}
}

// executeInput runs one remote input command against the addressed page.
// Failures are swallowed: the page may be navigating or already closed.
func (m *ReplayManager) executeInput(cmd protocol.Input) {
	uuid, pageID := cmd.Target()

	m.mu.Lock()
	var page browser.Page
	if byPage, ok := m.pages[uuid]; ok {
		if tp, ok := byPage[pageID]; ok {
			page = tp.page
		}
	}
	m.mu.Unlock()
	if page == nil {
		m.log.Warn().Str("uuid", uuid).Str("pageId", pageID).Msg("input for unknown page")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch c := cmd.(type) {
	case *protocol.MouseMove:
		err = page.MouseMove(ctx, c.X, c.Y)
		m.recordMouse(pageID, c.X, c.Y)
	case *protocol.MouseClick:
		err = page.MouseClick(ctx, c.X, c.Y, c.Button, c.ClickCount)
		m.recordMouse(pageID, c.X, c.Y)
	case *protocol.KeyboardType:
		err = page.TypeText(ctx, c.Text)
	case *protocol.KeyboardPress:
		err = page.PressKey(ctx, c.Key, modifierNames(c.Modifiers))
	case *protocol.Scroll:
		m.mu.Lock()
		pos := m.mousePositions[pageID]
		m.mu.Unlock()
		err = page.Scroll(ctx, pos.x, pos.y, c.DeltaX, c.DeltaY)
	}
	if err != nil {
		m.log.Debug().Err(err).Str("type", string(cmd.Kind())).Msg("input command failed")
	}
}

func (m *ReplayManager) recordMouse(pageID string, x, y float64) {
	m.mu.Lock()
	m.mousePositions[pageID] = mousePos{x, y}
	m.mu.Unlock()
}

func modifierNames(mods *protocol.Modifiers) []string {
	if mods == nil {
		return nil
	}
	var out []string
	if mods.Ctrl {
		out = append(out, "Control")
	}
	if mods.Shift {
		out = append(out, "Shift")
	}
	if mods.Alt {
		out = append(out, "Alt")
	}
	if mods.Meta {
		out = append(out, "Meta")
	}
	return out
}

// Cleanup drops all replay state for a session and stops its capture loops.
func (m *ReplayManager) Cleanup(browserID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.streamingEnabled, browserID)
	for pageID, tp := range m.pages[browserID] {
		m.stopCaptureLocked(tp)
		delete(m.mousePositions, pageID)
	}
	delete(m.pages, browserID)
}
