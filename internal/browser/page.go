// Package browser wraps remote browser control for the replay client. The
// interfaces here are what the session replay manager drives; the chromedp
// implementation lives alongside, and tests use fakes.
package browser

import "context"

// Page is one live browser tab.
type Page interface {
	// ID is the stable identifier used in replay messages.
	ID() string
	Title(ctx context.Context) (string, error)
	// Screenshot captures the current viewport as JPEG bytes.
	Screenshot(ctx context.Context, quality int) ([]byte, error)

	MouseMove(ctx context.Context, x, y float64) error
	MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error
	TypeText(ctx context.Context, text string) error
	// PressKey presses a named key with held modifiers, e.g. "Enter" or
	// "a" with ["Control", "Shift"].
	PressKey(ctx context.Context, key string, modifiers []string) error
	Scroll(ctx context.Context, x, y, deltaX, deltaY float64) error

	// Done is closed when the tab goes away.
	Done() <-chan struct{}
}

// Browser is a connected browser instance.
type Browser interface {
	// Pages lists the currently open tabs.
	Pages() []Page
	// OnPage registers a callback invoked for every tab, existing and
	// future. Callbacks run on their own goroutine.
	OnPage(fn func(Page))
	// OnPageClosed fires when a tab goes away.
	OnPageClosed(fn func(pageID string))
	// OnNetworkBytes fires as responses finish loading, with the encoded
	// size on the wire. Bandwidth accounting hangs off this.
	OnNetworkBytes(fn func(pageID string, bytes int64))
	// Done is closed when the browser connection drops.
	Done() <-chan struct{}
	Close() error
}
