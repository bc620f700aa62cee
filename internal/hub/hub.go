// Package hub implements the replay pub/sub core: it tracks which sessions
// have a live producer, which pages each session has, who is watching, and
// the last screenshot per page, and it relays remote input back to producers.
package hub

import (
	"errors"

	"sync"

	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/domain"
	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
	"github.com/CloverLabsAI/roverfox/internal/protocol"
)

// Conn is the transport a hub client speaks through. The gateway provides a
// websocket-backed implementation; tests drive the hub with fakes.
type Conn interface {
	// Send JSON-encodes v and writes it as one text frame.
	Send(v any) error
	// SendRaw writes an already-encoded frame verbatim.
	SendRaw(data []byte) error
}

type clientMeta struct {
	role domain.Role
	uuid string // subscribed session for viewers; empty otherwise
}

// pageRegistry keeps a session's pages in open order so pages-updated
// broadcasts are stable.
type pageRegistry struct {
	order []string
	refs  map[string]protocol.PageRef
}

func newPageRegistry() *pageRegistry {
	return &pageRegistry{refs: make(map[string]protocol.PageRef)}
}

func (r *pageRegistry) put(ref protocol.PageRef) (isNew bool) {
	if _, ok := r.refs[ref.PageID]; !ok {
		r.order = append(r.order, ref.PageID)
		isNew = true
	}
	r.refs[ref.PageID] = ref
	return isNew
}

func (r *pageRegistry) remove(pageID string) {
	if _, ok := r.refs[pageID]; !ok {
		return
	}
	delete(r.refs, pageID)
	for i, id := range r.order {
		if id == pageID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *pageRegistry) list() []protocol.PageRef {
	out := make([]protocol.PageRef, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.refs[id])
	}
	return out
}

// Hub is safe for concurrent use. One mutex guards all state, so every
// inbound message runs to completion before the next is processed, which is
// what keeps the one-producer-per-session and viewer-set invariants simple.
type Hub struct {
	mu sync.Mutex

	log     zerolog.Logger
	metrics *obs.Metrics

	clients      map[Conn]*clientMeta
	producers    map[string]Conn                // uuid -> producer conn
	connProfiles map[Conn]map[string]struct{}   // producer conn -> registered uuids
	viewers      map[string]map[Conn]struct{}   // uuid -> viewer conns
	pages        map[string]*pageRegistry       // uuid -> page registry
	lastShots    map[string]string              // pageId -> base64 screenshot
}

func New(log zerolog.Logger, metrics *obs.Metrics) *Hub {
	return &Hub{
		log:          log.With().Str("component", "hub").Logger(),
		metrics:      metrics,
		clients:      make(map[Conn]*clientMeta),
		producers:    make(map[string]Conn),
		connProfiles: make(map[Conn]map[string]struct{}),
		viewers:      make(map[string]map[Conn]struct{}),
		pages:        make(map[string]*pageRegistry),
		lastShots:    make(map[string]string),
	}
}

// AddClient registers a freshly accepted replay socket, defaulting it to the
// viewer role, and primes it with the current session list and page lists.
func (h *Hub) AddClient(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = &clientMeta{role: domain.RoleViewer}
	h.send(c, protocol.NewProfilesUpdated(h.profileIDs()))
	for uuid, reg := range h.pages {
		if len(reg.refs) > 0 {
			h.send(c, protocol.NewPagesUpdated(uuid, reg.list()))
		}
	}
}

// RemoveClient runs disconnect cleanup for a socket: producers tear down
// every session they registered, viewers leave their session's viewer set.
func (h *Hub) RemoveClient(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	meta, ok := h.clients[c]
	if !ok {
		return
	}
	switch {
	case meta.role == domain.RoleProducer:
		if profiles := h.connProfiles[c]; len(profiles) > 0 {
			h.log.Info().Int("profiles", len(profiles)).Msg("producer disconnected, cleaning up")
			for uuid := range profiles {
				h.cleanupProfile(uuid)
			}
		}
		delete(h.connProfiles, c)
	case meta.role == domain.RoleViewer && meta.uuid != "":
		h.removeViewer(meta.uuid, c)
		h.log.Debug().Str("uuid", meta.uuid).Msg("viewer disconnected")
	}
	delete(h.clients, c)
}

// HandleMessage validates one raw frame and dispatches it. Malformed or
// unrecognized frames are dropped with a warning; they never take the hub
// down.
func (h *Hub) HandleMessage(c Conn, raw []byte) {
	msg, err := protocol.ParseInbound(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		h.metrics.MessagesDropped.WithLabelValues(reason).Inc()
		h.log.Warn().Err(err).Msg("dropping invalid replay message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		// Socket already removed; late frame.
		return
	}

	switch m := msg.(type) {
	case *protocol.RegisterProfile:
		h.registerProfile(c, m.UUID)
	case *protocol.UnregisterProfile:
		h.unregisterProfile(c, m.UUID)
	case *protocol.Screenshot:
		h.screenshot(m)
	case *protocol.Subscribe:
		h.subscribe(c, m.UUID)
	case *protocol.SubscribePage:
		h.subscribePage(c, m.UUID, m.PageID)
	case *protocol.PageOpened:
		h.pageOpened(m)
	case *protocol.PageClosed:
		h.pageClosed(m)
	case *protocol.StartStreaming, *protocol.StopStreaming:
		// Stream control originates from the hub, not from clients.
		h.metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
	case protocol.Input:
		h.relayInput(c, m, raw)
	}
}

func (h *Hub) registerProfile(c Conn, uuid string) {
	if old, ok := h.producers[uuid]; ok && old != c {
		// Last register wins: evict the old registration's bookkeeping but do
		// not force-close the old socket.
		h.log.Info().Str("uuid", uuid).Msg("profile re-registering, dropping old connection bookkeeping")
		if profiles, ok := h.connProfiles[old]; ok {
			delete(profiles, uuid)
			if len(profiles) == 0 {
				delete(h.connProfiles, old)
			}
		}
	}

	h.clients[c] = &clientMeta{role: domain.RoleProducer}
	h.producers[uuid] = c
	if h.connProfiles[c] == nil {
		h.connProfiles[c] = make(map[string]struct{})
	}
	h.connProfiles[c][uuid] = struct{}{}

	h.metrics.ActiveProfiles.Set(float64(len(h.producers)))
	h.log.Info().Str("uuid", uuid).Msg("profile registered")
	h.broadcastAll(protocol.NewProfilesUpdated(h.profileIDs()))
}

func (h *Hub) unregisterProfile(c Conn, uuid string) {
	h.log.Info().Str("uuid", uuid).Msg("profile unregistered")
	if profiles, ok := h.connProfiles[c]; ok {
		delete(profiles, uuid)
		if len(profiles) == 0 {
			delete(h.connProfiles, c)
		}
	}
	h.cleanupProfile(uuid)
}

func (h *Hub) screenshot(m *protocol.Screenshot) {
	if _, ok := h.producers[m.UUID]; !ok {
		return
	}
	reg := h.pages[m.UUID]
	if reg == nil {
		reg = newPageRegistry()
		h.pages[m.UUID] = reg
	}
	isNew := reg.put(protocol.PageRef{PageID: m.PageID, PageTitle: m.PageTitle})
	h.lastShots[m.PageID] = m.Base64

	if isNew {
		h.broadcastAll(protocol.NewPageOpened(m.UUID, m.PageID, m.PageTitle))
	}

	// Screenshot bytes go to subscribed viewers only; everyone else gets the
	// lightweight page-list refresh below.
	h.broadcastToProfile(m.UUID, protocol.NewScreenshot{
		Type:      protocol.TypeNewScreenshot,
		UUID:      m.UUID,
		PageID:    m.PageID,
		PageTitle: m.PageTitle,
		Base64:    m.Base64,
		MouseX:    m.MouseX,
		MouseY:    m.MouseY,
	})
	h.metrics.ScreenshotsRelayed.Inc()

	h.broadcastAll(protocol.NewPagesUpdated(m.UUID, reg.list()))
}

func (h *Hub) subscribe(c Conn, uuid string) {
	h.detachViewer(c, uuid)

	if uuid == "" {
		h.clients[c] = &clientMeta{role: domain.RoleViewer}
		return
	}
	h.clients[c] = &clientMeta{role: domain.RoleViewer, uuid: uuid}
	h.addViewer(uuid, c)

	if reg, ok := h.pages[uuid]; ok {
		h.send(c, protocol.NewPagesUpdated(uuid, reg.list()))
	}
}

func (h *Hub) subscribePage(c Conn, uuid, pageID string) {
	h.detachViewer(c, uuid)

	h.clients[c] = &clientMeta{role: domain.RoleViewer, uuid: uuid}
	h.log.Debug().Str("uuid", uuid).Str("pageId", pageID).Msg("viewer subscribed to page")
	h.addViewer(uuid, c)

	// Replay the cached screenshot immediately so the viewer does not wait a
	// full capture interval for first paint.
	if shot, ok := h.lastShots[pageID]; ok {
		h.send(c, protocol.NewScreenshot{
			Type:   protocol.TypeNewScreenshot,
			UUID:   uuid,
			PageID: pageID,
			Base64: shot,
		})
	}
}

// detachViewer removes c from any previously subscribed session other than
// next, running last-viewer bookkeeping.
func (h *Hub) detachViewer(c Conn, next string) {
	meta := h.clients[c]
	if meta != nil && meta.role == domain.RoleViewer && meta.uuid != "" && meta.uuid != next {
		h.removeViewer(meta.uuid, c)
	}
}

func (h *Hub) pageOpened(m *protocol.PageOpened) {
	if _, ok := h.producers[m.UUID]; !ok {
		return
	}
	reg := h.pages[m.UUID]
	if reg == nil {
		reg = newPageRegistry()
		h.pages[m.UUID] = reg
	}
	reg.put(protocol.PageRef{PageID: m.PageID, PageTitle: m.PageTitle})

	h.log.Debug().Str("uuid", m.UUID).Str("pageId", m.PageID).Msg("page opened")
	h.broadcastAll(protocol.NewPageOpened(m.UUID, m.PageID, m.PageTitle))
	h.broadcastAll(protocol.NewPagesUpdated(m.UUID, reg.list()))
}

func (h *Hub) pageClosed(m *protocol.PageClosed) {
	reg, ok := h.pages[m.UUID]
	if !ok {
		return
	}
	if _, live := h.producers[m.UUID]; !live {
		return
	}
	reg.remove(m.PageID)
	delete(h.lastShots, m.PageID)

	h.log.Debug().Str("uuid", m.UUID).Str("pageId", m.PageID).Msg("page closed")
	h.broadcastAll(protocol.NewPagesUpdated(m.UUID, reg.list()))
	h.broadcastAll(protocol.NewPageClosed(m.UUID, m.PageID))
}

// relayInput forwards a validated input command, verbatim, to the producer
// that owns the session — but only when it comes from a viewer subscribed to
// that same session. This check is the authorization boundary for remote
// control.
func (h *Hub) relayInput(c Conn, m protocol.Input, raw []byte) {
	uuid, _ := m.Target()
	meta := h.clients[c]
	if meta == nil || meta.role != domain.RoleViewer || meta.uuid != uuid {
		h.metrics.MessagesDropped.WithLabelValues("unauthorized_input").Inc()
		return
	}
	producer, ok := h.producers[uuid]
	if !ok {
		return
	}
	if err := producer.SendRaw(raw); err != nil {
		h.log.Debug().Err(err).Str("uuid", uuid).Msg("input relay failed")
		return
	}
	h.metrics.InputCommandsTotal.WithLabelValues(string(m.Kind())).Inc()
}

// addViewer registers a viewer for a session; the first viewer triggers a
// start-streaming signal to the producer.
func (h *Hub) addViewer(uuid string, c Conn) {
	set := h.viewers[uuid]
	if set == nil {
		set = make(map[Conn]struct{})
		h.viewers[uuid] = set
	}
	wasEmpty := len(set) == 0
	if _, dup := set[c]; dup {
		return
	}
	set[c] = struct{}{}
	h.metrics.ActiveViewers.Inc()

	if wasEmpty {
		if producer, ok := h.producers[uuid]; ok {
			if err := producer.Send(protocol.NewStartStreaming(uuid)); err == nil {
				h.log.Info().Str("uuid", uuid).Msg("started streaming (first viewer)")
			}
		}
	}
}

// removeViewer drops a viewer; the last viewer triggers stop-streaming.
func (h *Hub) removeViewer(uuid string, c Conn) {
	set, ok := h.viewers[uuid]
	if !ok {
		return
	}
	if _, had := set[c]; !had {
		return
	}
	delete(set, c)
	h.metrics.ActiveViewers.Dec()

	if len(set) == 0 {
		if producer, ok := h.producers[uuid]; ok {
			if err := producer.Send(protocol.NewStopStreaming(uuid)); err == nil {
				h.log.Info().Str("uuid", uuid).Msg("stopped streaming (no viewers)")
			}
		}
		delete(h.viewers, uuid)
	}
}

// cleanupProfile fully tears a session down: producer mapping, page registry,
// cached screenshots, then stream-ended and session-list broadcasts.
func (h *Hub) cleanupProfile(uuid string) {
	delete(h.producers, uuid)

	if reg, ok := h.pages[uuid]; ok {
		for pageID := range reg.refs {
			delete(h.lastShots, pageID)
		}
		delete(h.pages, uuid)
	}

	h.metrics.ActiveProfiles.Set(float64(len(h.producers)))
	h.broadcastAll(protocol.NewStreamEnded(uuid))
	h.broadcastAll(protocol.NewProfilesUpdated(h.profileIDs()))
}

// ViewerCount reports the live viewer count for a session.
func (h *Hub) ViewerCount(uuid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers[uuid])
}

// ActiveProfiles lists sessions with a live producer.
func (h *Hub) ActiveProfiles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.profileIDs()
}

func (h *Hub) profileIDs() []string {
	ids := make([]string, 0, len(h.producers))
	for uuid := range h.producers {
		ids = append(ids, uuid)
	}
	return ids
}

func (h *Hub) broadcastAll(msg any) {
	for c := range h.clients {
		h.send(c, msg)
	}
}

func (h *Hub) broadcastToProfile(uuid string, msg any) {
	for c, meta := range h.clients {
		if meta.role == domain.RoleViewer && meta.uuid == uuid {
			h.send(c, msg)
		}
	}
}

func (h *Hub) send(c Conn, msg any) {
	if err := c.Send(msg); err != nil {
		h.log.Debug().Err(err).Msg("hub send failed")
	}
}
