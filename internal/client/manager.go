package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/domain"
)

// ManagerClient talks to the fleet manager's HTTP API: server assignment,
// profile persistence, and the fire-and-forget audit and usage feeds.
type ManagerClient struct {
	http *resty.Client
	log  zerolog.Logger
}

func NewManagerClient(log zerolog.Logger, baseURL, apiKey string) *ManagerClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &ManagerClient{
		http: c,
		log:  log.With().Str("component", "manager").Logger(),
	}
}

// AssignServer asks the manager which worker this client should attach to.
func (m *ManagerClient) AssignServer(ctx context.Context) (*domain.ServerAssignment, error) {
	var out domain.ServerAssignment
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/assign-server")
	if err != nil {
		return nil, fmt.Errorf("assign server: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("assign server: manager returned %s", resp.Status())
	}
	return &out, nil
}

func (m *ManagerClient) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	var out []domain.Profile
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/profiles")
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list profiles: manager returned %s", resp.Status())
	}
	return out, nil
}

func (m *ManagerClient) GetProfile(ctx context.Context, browserID string) (*domain.Profile, error) {
	var out domain.Profile
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("browserId", browserID).
		Get("/api/profiles/{browserId}")
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", browserID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get profile %s: manager returned %s", browserID, resp.Status())
	}
	return &out, nil
}

func (m *ManagerClient) CreateProfile(ctx context.Context, p domain.Profile) error {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(p).
		Post("/api/profiles")
	if err != nil {
		return fmt.Errorf("create profile %s: %w", p.BrowserID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("create profile %s: manager returned %s", p.BrowserID, resp.Status())
	}
	return nil
}

func (m *ManagerClient) UpdateProfile(ctx context.Context, browserID string, data domain.ProfileData) error {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(data).
		SetPathParam("browserId", browserID).
		Patch("/api/profiles/{browserId}")
	if err != nil {
		return fmt.Errorf("update profile %s: %w", browserID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("update profile %s: manager returned %s", browserID, resp.Status())
	}
	return nil
}

func (m *ManagerClient) DeleteProfile(ctx context.Context, browserID string) error {
	resp, err := m.http.R().
		SetContext(ctx).
		SetPathParam("browserId", browserID).
		Delete("/api/profiles/{browserId}")
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", browserID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("delete profile %s: manager returned %s", browserID, resp.Status())
	}
	return nil
}

// GetProxy looks up outbound proxy credentials by id.
func (m *ManagerClient) GetProxy(ctx context.Context, id int64) (*domain.ProxyCredentials, error) {
	var out domain.ProxyCredentials
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/proxies/%d", id))
	if err != nil {
		return nil, fmt.Errorf("get proxy %d: %w", id, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get proxy %d: manager returned %s", id, resp.Status())
	}
	return &out, nil
}

// RegisterProxy stores outbound proxy credentials with the manager.
func (m *ManagerClient) RegisterProxy(ctx context.Context, creds domain.ProxyCredentials) error {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(creds).
		Post("/api/proxies")
	if err != nil {
		return fmt.Errorf("register proxy %d: %w", creds.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("register proxy %d: manager returned %s", creds.ID, resp.Status())
	}
	return nil
}

// SaveStorageState persists a session's storage snapshot. Losing one snapshot
// is acceptable, so failures are logged rather than returned.
func (m *ManagerClient) SaveStorageState(ctx context.Context, browserID string, state domain.StorageState) {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(state).
		SetPathParam("browserId", browserID).
		Post("/api/profiles/{browserId}/storage")
	if err != nil {
		m.log.Warn().Err(err).Str("uuid", browserID).Msg("storage state save failed")
		return
	}
	if resp.IsError() {
		m.log.Warn().Str("uuid", browserID).Str("status", resp.Status()).Msg("storage state save rejected")
	}
}

// RecordAudit reports an operator-visible action. Fire and forget.
func (m *ManagerClient) RecordAudit(ctx context.Context, rec domain.AuditRecord) {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(rec).
		Post("/api/audit")
	if err != nil {
		m.log.Warn().Err(err).Str("action", rec.ActionType).Msg("audit report failed")
		return
	}
	if resp.IsError() {
		m.log.Warn().Str("action", rec.ActionType).Str("status", resp.Status()).Msg("audit report rejected")
	}
}

// RecordUsage reports a session's bandwidth consumption. Fire and forget.
func (m *ManagerClient) RecordUsage(ctx context.Context, rec domain.UsageRecord) {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(rec).
		Post("/api/usage")
	if err != nil {
		m.log.Warn().Err(err).Str("uuid", rec.BrowserID).Msg("usage report failed")
		return
	}
	if resp.IsError() {
		m.log.Warn().Str("uuid", rec.BrowserID).Str("status", resp.Status()).Msg("usage report rejected")
	}
}
