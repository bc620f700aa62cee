package managerapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloverLabsAI/roverfox/internal/adapters/audit"
	"github.com/CloverLabsAI/roverfox/internal/adapters/store"
	"github.com/CloverLabsAI/roverfox/internal/client"
	"github.com/CloverLabsAI/roverfox/internal/domain"
)

func startAPI(t *testing.T) (*client.ManagerClient, *store.Memory) {
	t.Helper()
	profiles := store.NewMemory(0, 0)
	api := New(zerolog.Nop(), profiles, profiles, audit.NewLogSink(zerolog.Nop()), domain.ServerAssignment{
		BrowserWSURL: "ws://worker-1/roverfox",
		ReplayWSURL:  "ws://worker-1/replay",
		ServerID:     "worker-1",
		ServerIP:     "10.0.0.5",
	})
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return client.NewManagerClient(zerolog.Nop(), srv.URL, "test-key"), profiles
}

func TestAssignServer(t *testing.T) {
	mc, _ := startAPI(t)
	a, err := mc.AssignServer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "worker-1", a.ServerID)
	assert.Equal(t, "ws://worker-1/roverfox", a.BrowserWSURL)
	assert.Equal(t, "ws://worker-1/replay", a.ReplayWSURL)
}

func TestProfileRoundTrip(t *testing.T) {
	mc, _ := startAPI(t)
	ctx := context.Background()

	p := domain.Profile{BrowserID: "b1", Data: domain.ProfileData{FontSpacingSeed: 11, Timezone: "Europe/Berlin"}}
	require.NoError(t, mc.CreateProfile(ctx, p))

	got, err := mc.GetProfile(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(11), got.Data.FontSpacingSeed)
	assert.Equal(t, "Europe/Berlin", got.Data.Timezone)

	list, err := mc.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	p.Data.Timezone = "America/New_York"
	require.NoError(t, mc.UpdateProfile(ctx, "b1", p.Data))
	got, err = mc.GetProfile(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", got.Data.Timezone)

	require.NoError(t, mc.DeleteProfile(ctx, "b1"))
	got, err = mc.GetProfile(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateDuplicateProfileRejected(t *testing.T) {
	mc, _ := startAPI(t)
	ctx := context.Background()

	p := domain.Profile{BrowserID: "b1"}
	require.NoError(t, mc.CreateProfile(ctx, p))
	assert.Error(t, mc.CreateProfile(ctx, p))
}

func TestStorageStateSaved(t *testing.T) {
	mc, profiles := startAPI(t)
	ctx := context.Background()

	require.NoError(t, mc.CreateProfile(ctx, domain.Profile{BrowserID: "b1"}))
	mc.SaveStorageState(ctx, "b1", domain.StorageState{
		Cookies: []domain.Cookie{{Name: "sid", Value: "v", Domain: "example.com", Path: "/"}},
	})

	got, err := profiles.Get(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got.Data.StorageState.Cookies, 1)
	assert.Equal(t, "sid", got.Data.StorageState.Cookies[0].Name)
}

func TestProxyRoundTrip(t *testing.T) {
	mc, _ := startAPI(t)
	ctx := context.Background()

	got, err := mc.GetProxy(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mc.RegisterProxy(ctx, domain.ProxyCredentials{
		ID:       7,
		Server:   "93.184.216.34:8080",
		Username: "u",
		Password: "p",
	}))

	got, err = mc.GetProxy(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "93.184.216.34:8080", got.Server)
	assert.Equal(t, "http://u:p@93.184.216.34:8080", got.URL())
}

func TestAuditAndUsageAccepted(t *testing.T) {
	mc, _ := startAPI(t)
	ctx := context.Background()

	// Fire-and-forget endpoints must accept well-formed records without
	// surfacing anything to the caller.
	mc.RecordAudit(ctx, domain.AuditRecord{BrowserID: "b1", ActionType: "session-started", At: time.Now()})
	mc.RecordUsage(ctx, domain.UsageRecord{BrowserID: "b1", Start: time.Now(), End: time.Now(), Bytes: 2048})
}
