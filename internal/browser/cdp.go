package browser

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// Connect attaches to a browser over its websocket automation endpoint. The
// endpoint typically points at the connection gateway, which relays to one
// of the pooled browser servers.
func Connect(ctx context.Context, wsURL string, log zerolog.Logger) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	b := &cdpBrowser{
		ctx:    browserCtx,
		log:    log.With().Str("component", "browser").Logger(),
		pages:  make(map[target.ID]*cdpPage),
		cancel: func() { browserCancel(); allocCancel() },
	}

	if err := chromedp.Run(browserCtx); err != nil {
		b.cancel()
		return nil, err
	}

	chromedp.ListenBrowser(browserCtx, b.handleEvent)
	// Discovery replays already-open targets as created events, so existing
	// tabs are picked up too.
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(ctx)
	})); err != nil {
		b.cancel()
		return nil, err
	}

	return b, nil
}

type cdpBrowser struct {
	mu sync.Mutex

	ctx    context.Context
	cancel func()
	log    zerolog.Logger

	pages     map[target.ID]*cdpPage
	pageCBs   []func(Page)
	closedCBs []func(pageID string)
	bytesCBs  []func(pageID string, bytes int64)
	closeOnce sync.Once
}

func (b *cdpBrowser) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo.Type != "page" {
			return
		}
		b.addPage(e.TargetInfo)
	case *target.EventTargetDestroyed:
		b.removePage(e.TargetID)
	}
}

func (b *cdpBrowser) addPage(info *target.Info) {
	b.mu.Lock()
	if _, exists := b.pages[info.TargetID]; exists {
		b.mu.Unlock()
		return
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(info.TargetID))
	p := &cdpPage{
		id:     string(info.TargetID),
		ctx:    tabCtx,
		cancel: tabCancel,
		done:   make(chan struct{}),
	}
	b.pages[info.TargetID] = p
	cbs := append(([]func(Page))(nil), b.pageCBs...)
	b.mu.Unlock()

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventLoadingFinished); ok {
			b.dispatchBytes(p.id, int64(e.EncodedDataLength))
		}
	})
	go func() {
		if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
			b.log.Debug().Err(err).Str("pageId", p.id).Msg("network domain enable failed")
		}
	}()

	b.log.Debug().Str("pageId", p.id).Msg("page attached")
	for _, cb := range cbs {
		go cb(p)
	}
}

func (b *cdpBrowser) dispatchBytes(pageID string, n int64) {
	b.mu.Lock()
	cbs := append(([]func(string, int64))(nil), b.bytesCBs...)
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(pageID, n)
	}
}

func (b *cdpBrowser) removePage(id target.ID) {
	b.mu.Lock()
	p, ok := b.pages[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pages, id)
	cbs := append(([]func(string))(nil), b.closedCBs...)
	b.mu.Unlock()

	close(p.done)
	p.cancel()
	b.log.Debug().Str("pageId", p.id).Msg("page detached")
	for _, cb := range cbs {
		go cb(p.id)
	}
}

func (b *cdpBrowser) Pages() []Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, p)
	}
	return out
}

func (b *cdpBrowser) OnPage(fn func(Page)) {
	b.mu.Lock()
	b.pageCBs = append(b.pageCBs, fn)
	existing := make([]Page, 0, len(b.pages))
	for _, p := range b.pages {
		existing = append(existing, p)
	}
	b.mu.Unlock()
	for _, p := range existing {
		go fn(p)
	}
}

func (b *cdpBrowser) OnPageClosed(fn func(pageID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closedCBs = append(b.closedCBs, fn)
}

func (b *cdpBrowser) OnNetworkBytes(fn func(pageID string, bytes int64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bytesCBs = append(b.bytesCBs, fn)
}

func (b *cdpBrowser) Done() <-chan struct{} { return b.ctx.Done() }

func (b *cdpBrowser) Close() error {
	b.closeOnce.Do(b.cancel)
	return nil
}

type cdpPage struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *cdpPage) ID() string            { return p.id }
func (p *cdpPage) Done() <-chan struct{} { return p.done }

// run executes actions against the tab, honoring the caller's deadline.
func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := p.ctx
	cancel := func() {}
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(p.ctx, deadline)
	}
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (p *cdpPage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *cdpPage) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (p *cdpPage) MouseMove(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

func (p *cdpPage) MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error {
	btn := input.Left
	switch button {
	case "right":
		btn = input.Right
	case "middle":
		btn = input.Middle
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(btn).
			WithClickCount(int64(clickCount)).
			Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(btn).
			WithClickCount(int64(clickCount)).
			Do(ctx)
	}))
}

func (p *cdpPage) TypeText(ctx context.Context, text string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, r := range text {
			ch := string(r)
			code, vk := charToCodeAndVK(ch)
			if err := input.DispatchKeyEvent(input.KeyDown).
				WithKey(ch).
				WithCode(code).
				WithText(ch).
				WithWindowsVirtualKeyCode(vk).
				WithNativeVirtualKeyCode(vk).
				Do(ctx); err != nil {
				return err
			}
			if err := input.DispatchKeyEvent(input.KeyChar).WithText(ch).Do(ctx); err != nil {
				return err
			}
			if err := input.DispatchKeyEvent(input.KeyUp).
				WithKey(ch).
				WithCode(code).
				WithWindowsVirtualKeyCode(vk).
				WithNativeVirtualKeyCode(vk).
				Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (p *cdpPage) PressKey(ctx context.Context, key string, modifiers []string) error {
	mods := modifierMask(modifiers)
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		// Hold the modifiers down around the main key, the way a real chord
		// is typed.
		for _, m := range modifiers {
			evt := input.DispatchKeyEvent(input.KeyDown).WithKey(m)
			if vk, ok := keyToVirtualKeyCode(m); ok {
				evt = evt.WithWindowsVirtualKeyCode(vk).WithNativeVirtualKeyCode(vk)
			}
			if err := evt.Do(ctx); err != nil {
				return err
			}
		}

		if err := p.pressMainKey(ctx, key, mods); err != nil {
			return err
		}

		for i := len(modifiers) - 1; i >= 0; i-- {
			if err := input.DispatchKeyEvent(input.KeyUp).WithKey(modifiers[i]).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (p *cdpPage) pressMainKey(ctx context.Context, key string, mods input.Modifier) error {
	if len(key) == 1 && mods&(input.ModifierCtrl|input.ModifierMeta) == 0 {
		// Printable character: down, char, up so SPAs listening on keydown
		// see the full sequence.
		code, vk := charToCodeAndVK(key)
		if err := input.DispatchKeyEvent(input.KeyDown).
			WithKey(key).WithCode(code).WithText(key).
			WithModifiers(mods).
			WithWindowsVirtualKeyCode(vk).WithNativeVirtualKeyCode(vk).
			Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchKeyEvent(input.KeyChar).WithText(key).WithModifiers(mods).Do(ctx); err != nil {
			return err
		}
		return input.DispatchKeyEvent(input.KeyUp).
			WithKey(key).WithCode(code).
			WithModifiers(mods).
			WithWindowsVirtualKeyCode(vk).WithNativeVirtualKeyCode(vk).
			Do(ctx)
	}

	down := input.DispatchKeyEvent(input.KeyDown).WithKey(key).WithModifiers(mods)
	if vk, ok := keyToVirtualKeyCode(key); ok {
		down = down.WithWindowsVirtualKeyCode(vk).WithNativeVirtualKeyCode(vk)
	}
	if err := down.Do(ctx); err != nil {
		return err
	}
	return input.DispatchKeyEvent(input.KeyUp).WithKey(key).WithModifiers(mods).Do(ctx)
}

func (p *cdpPage) Scroll(ctx context.Context, x, y, deltaX, deltaY float64) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(deltaX).
			WithDeltaY(deltaY).
			Do(ctx)
	}))
}

func modifierMask(modifiers []string) input.Modifier {
	var mods input.Modifier
	for _, m := range modifiers {
		switch m {
		case "Alt":
			mods |= input.ModifierAlt
		case "Control":
			mods |= input.ModifierCtrl
		case "Meta":
			mods |= input.ModifierMeta
		case "Shift":
			mods |= input.ModifierShift
		}
	}
	return mods
}

func keyToVirtualKeyCode(key string) (int64, bool) {
	vkMap := map[string]int64{
		"Enter":      13,
		"Tab":        9,
		"Backspace":  8,
		"Delete":     46,
		"Escape":     27,
		"ArrowUp":    38,
		"ArrowDown":  40,
		"ArrowLeft":  37,
		"ArrowRight": 39,
		"Home":       36,
		"End":        35,
		"PageUp":     33,
		"PageDown":   34,
		"Shift":      16,
		"Control":    17,
		"Alt":        18,
		"Meta":       91,
		" ":          32,
	}
	vk, ok := vkMap[key]
	return vk, ok
}

// charToCodeAndVK maps a printable character to its DOM code property and
// Windows virtual key code, matching what real keyboards produce.
func charToCodeAndVK(ch string) (string, int64) {
	if len(ch) != 1 {
		return "", 0
	}
	c := ch[0]
	switch {
	case c >= 'a' && c <= 'z':
		return "Key" + string(c-32), int64(c - 32)
	case c >= 'A' && c <= 'Z':
		return "Key" + string(c), int64(c)
	case c >= '0' && c <= '9':
		return "Digit" + string(c), int64(c)
	case c == ' ':
		return "Space", 32
	case c == '-':
		return "Minus", 189
	case c == '=':
		return "Equal", 187
	case c == '.':
		return "Period", 190
	case c == ',':
		return "Comma", 188
	case c == '/':
		return "Slash", 191
	case c == ';':
		return "Semicolon", 186
	case c == '\'':
		return "Quote", 222
	default:
		return "", int64(c)
	}
}
