package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloverLabsAI/roverfox/internal/browser"
)

type fakeBrowser struct {
	done chan struct{}
	once sync.Once
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{done: make(chan struct{})}
}

func (b *fakeBrowser) Pages() []browser.Page              { return nil }
func (b *fakeBrowser) OnPage(func(browser.Page))          {}
func (b *fakeBrowser) OnPageClosed(func(string))          {}
func (b *fakeBrowser) OnNetworkBytes(func(string, int64)) {}
func (b *fakeBrowser) Done() <-chan struct{}              { return b.done }
func (b *fakeBrowser) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

// fakeDialer counts dials and can hold them open until released.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	hold  chan struct{}
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (browser.Browser, error) {
	d.mu.Lock()
	d.dials++
	hold := d.hold
	d.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return newFakeBrowser(), nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestBrowserConnectionReused(t *testing.T) {
	d := &fakeDialer{}
	p := NewConnectionPool(zerolog.Nop(), d)

	b1, err := p.GetBrowserConnection(context.Background(), "ws://one")
	require.NoError(t, err)
	b2, err := p.GetBrowserConnection(context.Background(), "ws://one")
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, 1, d.dialCount())
}

func TestDistinctEndpointsDialSeparately(t *testing.T) {
	d := &fakeDialer{}
	p := NewConnectionPool(zerolog.Nop(), d)

	b1, err := p.GetBrowserConnection(context.Background(), "ws://one")
	require.NoError(t, err)
	b2, err := p.GetBrowserConnection(context.Background(), "ws://two")
	require.NoError(t, err)

	assert.NotSame(t, b1, b2)
	assert.Equal(t, 2, d.dialCount())
}

func TestConcurrentAcquisitionSharesOneDial(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{})}
	p := NewConnectionPool(zerolog.Nop(), d)

	const callers = 5
	results := make(chan browser.Browser, callers)
	for i := 0; i < callers; i++ {
		go func() {
			b, err := p.GetBrowserConnection(context.Background(), "ws://one")
			require.NoError(t, err)
			results <- b
		}()
	}

	// Let the callers pile onto the in-flight attempt before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(d.hold)

	first := <-results
	for i := 1; i < callers; i++ {
		assert.Same(t, first, <-results)
	}
	assert.Equal(t, 1, d.dialCount())
}

func TestDialErrorReachesAllWaiters(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{}), err: assert.AnError}
	p := NewConnectionPool(zerolog.Nop(), d)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.GetBrowserConnection(context.Background(), "ws://one")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(d.hold)

	require.Error(t, <-errs)
	require.Error(t, <-errs)

	// A failed attempt must not poison the endpoint.
	d.err = nil
	d.hold = nil
	_, err := p.GetBrowserConnection(context.Background(), "ws://one")
	assert.NoError(t, err)
}

func TestDroppedBrowserIsRedialed(t *testing.T) {
	d := &fakeDialer{}
	p := NewConnectionPool(zerolog.Nop(), d)

	b1, err := p.GetBrowserConnection(context.Background(), "ws://one")
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	// The watcher drops the pooled entry once the browser signals done.
	require.Eventually(t, func() bool {
		b2, err := p.GetBrowserConnection(context.Background(), "ws://one")
		return err == nil && b2 != b1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, d.dialCount())
}

func TestReplaySocketReused(t *testing.T) {
	_, wsURL := startReplayCollector(t)
	p := NewConnectionPool(zerolog.Nop(), &fakeDialer{})

	s1 := p.GetReplaySocket(wsURL)
	s2 := p.GetReplaySocket(wsURL)
	assert.Same(t, s1, s2)

	s1.Close(time.Second)
}
