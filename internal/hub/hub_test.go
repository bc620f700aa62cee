package hub

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
)

// fakeConn records everything the hub sends to it.
type fakeConn struct {
	sent [][]byte
	raw  [][]byte
	fail bool
}

func (f *fakeConn) Send(v any) error {
	if f.fail {
		return assert.AnError
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeConn) SendRaw(data []byte) error {
	if f.fail {
		return assert.AnError
	}
	f.raw = append(f.raw, data)
	return nil
}

// typesOf flattens the message types the conn received, in order.
func (f *fakeConn) typesOf(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, b := range f.sent {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(b, &env))
		out = append(out, env.Type)
	}
	return out
}

// last returns the most recent message of the given type, or nil.
func (f *fakeConn) last(t *testing.T, typ string) map[string]any {
	t.Helper()
	for i := len(f.sent) - 1; i >= 0; i-- {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f.sent[i], &m))
		if m["type"] == typ {
			return m
		}
	}
	return nil
}

func (f *fakeConn) count(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, got := range f.typesOf(t) {
		if got == typ {
			n++
		}
	}
	return n
}

func newHub() *Hub {
	return New(zerolog.Nop(), obs.NewMetrics())
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRegisterBroadcastsProfilesUpdated(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	viewer := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(viewer)

	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))

	msg := viewer.last(t, "profiles-updated")
	require.NotNil(t, msg)
	assert.Equal(t, []any{"s1"}, msg["profiles"])
	assert.Equal(t, []string{"s1"}, h.ActiveProfiles())
}

func TestLastRegisterWins(t *testing.T) {
	h := newHub()
	old := &fakeConn{}
	replacement := &fakeConn{}
	h.AddClient(old)
	h.AddClient(replacement)

	h.HandleMessage(old, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))
	h.HandleMessage(replacement, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))

	// Old socket disconnecting afterwards must not tear down s1.
	h.RemoveClient(old)
	assert.Equal(t, []string{"s1"}, h.ActiveProfiles())
}

func TestScreenshotFlow(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	subscribed := &fakeConn{}
	bystander := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(subscribed)
	h.AddClient(bystander)

	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))
	h.HandleMessage(subscribed, frame(t, map[string]any{"type": "subscribe", "uuid": "s1"}))

	x, y := 10.0, 20.0
	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "screenshot", "uuid": "s1", "pageId": "p1",
		"pageTitle": "Home", "base64": "QUJD", "mouseX": x, "mouseY": y,
	}))

	// Subscribed viewer receives the frame; the bystander only sees the
	// lightweight page-opened / pages-updated notifications.
	shot := subscribed.last(t, "new-screenshot")
	require.NotNil(t, shot)
	assert.Equal(t, "QUJD", shot["base64"])
	assert.Equal(t, x, shot["mouseX"])
	assert.Nil(t, bystander.last(t, "new-screenshot"))

	opened := bystander.last(t, "page-opened")
	require.NotNil(t, opened)
	assert.Equal(t, "p1", opened["pageId"])
	pages := bystander.last(t, "pages-updated")
	require.NotNil(t, pages)
	assert.Len(t, pages["pages"], 1)
}

func TestScreenshotFromUnregisteredSessionIgnored(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	viewer := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(viewer)

	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "screenshot", "uuid": "ghost", "pageId": "p1",
		"pageTitle": "x", "base64": "QUJD",
	}))
	assert.Nil(t, viewer.last(t, "new-screenshot"))
	assert.Nil(t, viewer.last(t, "page-opened"))
}

func TestStreamingControlFollowsViewerCount(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	v1 := &fakeConn{}
	v2 := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(v1)
	h.AddClient(v2)
	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))

	h.HandleMessage(v1, frame(t, map[string]any{"type": "subscribe", "uuid": "s1"}))
	assert.Equal(t, 1, producer.count(t, "start-streaming"))

	// Second viewer must not re-signal.
	h.HandleMessage(v2, frame(t, map[string]any{"type": "subscribe", "uuid": "s1"}))
	assert.Equal(t, 1, producer.count(t, "start-streaming"))
	assert.Equal(t, 2, h.ViewerCount("s1"))

	h.RemoveClient(v1)
	assert.Equal(t, 0, producer.count(t, "stop-streaming"))

	// Last viewer unsubscribing (empty uuid) stops the stream.
	h.HandleMessage(v2, frame(t, map[string]any{"type": "subscribe", "uuid": ""}))
	assert.Equal(t, 1, producer.count(t, "stop-streaming"))
	assert.Equal(t, 0, h.ViewerCount("s1"))
}

func TestSubscribePageReplaysCachedScreenshot(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	viewer := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(viewer)
	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))
	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "screenshot", "uuid": "s1", "pageId": "p1",
		"pageTitle": "Home", "base64": "Q0FDSEVE",
	}))

	h.HandleMessage(viewer, frame(t, map[string]any{"type": "subscribe-page", "uuid": "s1", "pageId": "p1"}))

	shot := viewer.last(t, "new-screenshot")
	require.NotNil(t, shot)
	assert.Equal(t, "Q0FDSEVE", shot["base64"])
}

func TestPageLifecycle(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	viewer := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(viewer)
	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))

	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "page-opened", "uuid": "s1", "pageId": "p1", "pageTitle": "A",
	}))
	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "page-opened", "uuid": "s1", "pageId": "p2", "pageTitle": "B",
	}))
	pages := viewer.last(t, "pages-updated")
	require.NotNil(t, pages)
	assert.Len(t, pages["pages"], 2)

	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "page-closed", "uuid": "s1", "pageId": "p1",
	}))
	closed := viewer.last(t, "page-closed")
	require.NotNil(t, closed)
	assert.Equal(t, "p1", closed["pageId"])
	pages = viewer.last(t, "pages-updated")
	assert.Len(t, pages["pages"], 1)
}

func TestInputRelayedVerbatimToProducer(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	viewer := &fakeConn{}
	intruder := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(viewer)
	h.AddClient(intruder)
	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))
	h.HandleMessage(viewer, frame(t, map[string]any{"type": "subscribe", "uuid": "s1"}))

	click := frame(t, map[string]any{
		"type": "mouse-click", "uuid": "s1", "pageId": "p1",
		"x": 5.0, "y": 6.0, "button": "left", "clickCount": 1,
	})
	h.HandleMessage(viewer, click)
	require.Len(t, producer.raw, 1)
	assert.JSONEq(t, string(click), string(producer.raw[0]))

	// A viewer not subscribed to s1 must not be able to drive it.
	h.HandleMessage(intruder, click)
	assert.Len(t, producer.raw, 1)
}

func TestProducerDisconnectCleansUpEverything(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	viewer := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(viewer)
	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))
	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s2"}))
	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "screenshot", "uuid": "s1", "pageId": "p1", "pageTitle": "A", "base64": "QQ==",
	}))

	h.RemoveClient(producer)

	assert.Empty(t, h.ActiveProfiles())
	assert.Equal(t, 2, viewer.count(t, "stream-ended"))
	updated := viewer.last(t, "profiles-updated")
	require.NotNil(t, updated)
	assert.Empty(t, updated["profiles"])

	// Cached screenshot must be gone: a late subscriber gets nothing.
	late := &fakeConn{}
	h.AddClient(late)
	h.HandleMessage(late, frame(t, map[string]any{"type": "subscribe-page", "uuid": "s1", "pageId": "p1"}))
	assert.Nil(t, late.last(t, "new-screenshot"))
}

func TestNewClientIsPrimedWithState(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	h.AddClient(producer)
	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))
	h.HandleMessage(producer, frame(t, map[string]any{
		"type": "page-opened", "uuid": "s1", "pageId": "p1", "pageTitle": "A",
	}))

	late := &fakeConn{}
	h.AddClient(late)

	profiles := late.last(t, "profiles-updated")
	require.NotNil(t, profiles)
	assert.Equal(t, []any{"s1"}, profiles["profiles"])
	pages := late.last(t, "pages-updated")
	require.NotNil(t, pages)
	assert.Len(t, pages["pages"], 1)
}

func TestMalformedFramesDroppedQuietly(t *testing.T) {
	h := newHub()
	c := &fakeConn{}
	h.AddClient(c)

	h.HandleMessage(c, []byte("not json"))
	h.HandleMessage(c, frame(t, map[string]any{"type": "warp-drive"}))
	h.HandleMessage(c, frame(t, map[string]any{"type": "register-profile"})) // missing uuid

	assert.Empty(t, h.ActiveProfiles())
}

func TestFailingViewerDoesNotBreakBroadcast(t *testing.T) {
	h := newHub()
	producer := &fakeConn{}
	dead := &fakeConn{fail: true}
	healthy := &fakeConn{}
	h.AddClient(producer)
	h.AddClient(dead)
	h.AddClient(healthy)

	h.HandleMessage(producer, frame(t, map[string]any{"type": "register-profile", "uuid": "s1"}))

	require.NotNil(t, healthy.last(t, "profiles-updated"))
}
