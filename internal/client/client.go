package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/adapters/geo"
	"github.com/CloverLabsAI/roverfox/internal/browser"
	"github.com/CloverLabsAI/roverfox/internal/domain"
	"github.com/CloverLabsAI/roverfox/internal/protocol"
)

// GeoResolver looks up geolocation facts for an exit IP. Profile creation
// uses it to pin timezone and coordinates to the session's proxy.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*domain.GeoLocation, error)
}

// Session is one live browser attached through the relay.
type Session struct {
	BrowserID  string
	Assignment *domain.ServerAssignment
	Browser    browser.Browser
	Replay     *ReplaySocket
}

// Client drives a fleet session end to end: server assignment, pooled
// connections, session registration, live replay, and profile lifecycle.
type Client struct {
	log     zerolog.Logger
	manager *ManagerClient
	pool    *ConnectionPool
	replay  *ReplayManager
	usage   *UsageTracker
	geo     GeoResolver

	closeTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewClient(log zerolog.Logger, manager *ManagerClient, pool *ConnectionPool, replay *ReplayManager, usage *UsageTracker, geo GeoResolver, closeTimeout time.Duration) *Client {
	c := &Client{
		log:          log.With().Str("component", "client").Logger(),
		manager:      manager,
		pool:         pool,
		replay:       replay,
		usage:        usage,
		geo:          geo,
		closeTimeout: closeTimeout,
		sessions:     make(map[string]*Session),
	}
	pool.SetControlHandler(replay.HandleControlMessage)
	return c
}

// LaunchProfile attaches a persisted profile to an assigned server and
// starts live replay for it.
func (c *Client) LaunchProfile(ctx context.Context, browserID string) (*Session, error) {
	profile, err := c.manager.GetProfile(ctx, browserID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("profile %s not found", browserID)
	}
	return c.launchInstance(ctx, browserID)
}

// LaunchOneTimeBrowser starts a throwaway session with a fresh id and no
// persisted profile behind it.
func (c *Client) LaunchOneTimeBrowser(ctx context.Context) (*Session, error) {
	return c.launchInstance(ctx, uuid.NewString())
}

func (c *Client) launchInstance(ctx context.Context, browserID string) (*Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[browserID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	assignment, err := c.manager.AssignServer(ctx)
	if err != nil {
		return nil, err
	}
	c.log.Info().
		Str("uuid", browserID).
		Str("server", assignment.ServerID).
		Msg("launching session")

	b, err := c.pool.GetBrowserConnection(ctx, assignment.BrowserWSURL)
	if err != nil {
		return nil, err
	}

	sock := c.pool.GetReplaySocket(assignment.ReplayWSURL)
	if err := sock.SafeSend(ctx, protocol.RegisterProfile{
		Type: protocol.TypeRegisterProfile,
		UUID: browserID,
	}); err != nil {
		return nil, fmt.Errorf("register session %s: %w", browserID, err)
	}

	// Open the usage window before the byte feed attaches so no response
	// lands without a window to count into.
	c.usage.Begin(browserID)
	b.OnNetworkBytes(func(_ string, n int64) {
		c.usage.AddBytes(browserID, n)
	})

	for _, p := range b.Pages() {
		c.replay.EnableLiveReplay(p, p.ID(), browserID, sock)
	}
	b.OnPage(func(p browser.Page) {
		c.replay.EnableLiveReplay(p, p.ID(), browserID, sock)
	})

	s := &Session{
		BrowserID:  browserID,
		Assignment: assignment,
		Browser:    b,
		Replay:     sock,
	}
	c.mu.Lock()
	c.sessions[browserID] = s
	c.mu.Unlock()

	c.manager.RecordAudit(ctx, domain.AuditRecord{
		BrowserID:  browserID,
		ActionType: "session-started",
		Metadata:   map[string]any{"serverId": assignment.ServerID},
		At:         time.Now(),
	})
	return s, nil
}

// CloseSession tears a session down: replay state, hub registration, usage
// window, and the close handshake on the replay socket.
func (c *Client) CloseSession(ctx context.Context, browserID string) {
	c.mu.Lock()
	s, ok := c.sessions[browserID]
	delete(c.sessions, browserID)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.replay.Cleanup(browserID)
	if err := s.Replay.SafeSend(ctx, protocol.UnregisterProfile{
		Type: protocol.TypeUnregisterProfile,
		UUID: browserID,
	}); err != nil {
		c.log.Debug().Err(err).Str("uuid", browserID).Msg("unregister send failed")
	}
	s.Replay.Close(c.closeTimeout)

	c.usage.End(ctx, browserID)
	c.manager.RecordAudit(ctx, domain.AuditRecord{
		BrowserID:  browserID,
		ActionType: "session-stopped",
		Metadata:   map[string]any{},
		At:         time.Now(),
	})
	c.log.Info().Str("uuid", browserID).Msg("session closed")
}

// CreateProfile registers a new persisted identity. Fingerprint seeds are
// randomized at creation so they stay stable for the profile's lifetime,
// and timezone and coordinates follow the proxy exit when one is given.
func (c *Client) CreateProfile(ctx context.Context, proxyURL, exitIP string) (*domain.Profile, error) {
	audioSeed := rand.Int63()
	p := domain.Profile{
		BrowserID: uuid.NewString(),
		Data: domain.ProfileData{
			ProxyURL:             proxyURL,
			StorageState:         domain.StorageState{Cookies: []domain.Cookie{}, Origins: []domain.OriginStorage{}},
			FontSpacingSeed:      rand.Int63(),
			AudioFingerprintSeed: &audioSeed,
		},
	}

	if exitIP == "" {
		exitIP = geo.ExtractIP(proxyURL)
	}
	if c.geo != nil && exitIP != "" {
		if loc, err := c.geo.Resolve(ctx, exitIP); err != nil {
			c.log.Warn().Err(err).Str("ip", exitIP).Msg("geo lookup failed, creating profile without location")
		} else {
			p.Data.Timezone = loc.Timezone
			p.Data.CountryCode = loc.CountryCode
			p.Data.Geolocation = &domain.GeoPoint{Lat: loc.Lat, Lon: loc.Lon}
			p.Data.LastKnownIP = exitIP
		}
	}

	if err := c.manager.CreateProfile(ctx, p); err != nil {
		return nil, err
	}
	c.manager.RecordAudit(ctx, domain.AuditRecord{
		BrowserID:  p.BrowserID,
		ActionType: "profile-created",
		Metadata:   map[string]any{"hasProxy": proxyURL != ""},
		At:         time.Now(),
	})
	return &p, nil
}

// CreateProfileFromProxy resolves stored proxy credentials by id and
// creates a profile tunneling through them.
func (c *Client) CreateProfileFromProxy(ctx context.Context, proxyID int64) (*domain.Profile, error) {
	creds, err := c.manager.GetProxy(ctx, proxyID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("proxy %d not found", proxyID)
	}
	return c.CreateProfile(ctx, creds.URL(), "")
}

func (c *Client) DeleteProfile(ctx context.Context, browserID string) error {
	if err := c.manager.DeleteProfile(ctx, browserID); err != nil {
		return err
	}
	c.manager.RecordAudit(ctx, domain.AuditRecord{
		BrowserID:  browserID,
		ActionType: "profile-deleted",
		Metadata:   map[string]any{},
		At:         time.Now(),
	})
	return nil
}
