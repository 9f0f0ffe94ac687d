package roddriver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/ostin-pil/lesca/internal/driver"
)

// NewFactory builds a driver.Factory bound to cfg. The returned factory
// either acquires browsers from opts.Pool (when the caller is pooling) or
// launches and owns one directly per Driver instance.
func NewFactory(cfg LauncherConfig) driver.Factory {
	return func(opts driver.FactoryOptions) (driver.Driver, error) {
		return &rodDriver{cfg: cfg, pool: opts.Pool, auth: opts.Auth}, nil
	}
}

// NewLauncher returns a driver.Launcher that spawns one browser process per
// call, for wiring into a Browser Pool or Session Pool Manager. Each call
// builds a fresh launcher, since a *launcher.Launcher can only launch once.
func NewLauncher(cfg LauncherConfig) driver.Launcher {
	return func(ctx context.Context, opts driver.LaunchOptions) (driver.BrowserHandle, error) {
		return launchHandle(ctx, cfg, opts)
	}
}

func launchHandle(ctx context.Context, cfg LauncherConfig, opts driver.LaunchOptions) (*rodHandle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l, err := buildLauncher(cfg, opts)
	if err != nil {
		return nil, err
	}

	launchURL, err := l.Launch()
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	if cfg.IgnoreCertErrors {
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("lesca/roddriver: failed to disable certificate validation")
		}
	}

	h := &rodHandle{browser: browser}
	h.connected.Store(true)
	return h, nil
}

// rodHandle is the driver.BrowserHandle implementation handed to the pool.
// It owns the underlying *rod.Browser and tracks every incognito context it
// has created so Contexts can report them back.
type rodHandle struct {
	browser *rod.Browser

	connected atomic.Bool

	mu       sync.Mutex
	contexts []*rodContext
}

func (h *rodHandle) IsConnected() bool {
	return h.connected.Load()
}

func (h *rodHandle) Close(ctx context.Context) error {
	h.connected.Store(false)
	return h.browser.Close()
}

func (h *rodHandle) Contexts(ctx context.Context) ([]driver.BrowserContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]driver.BrowserContext, len(h.contexts))
	for i, c := range h.contexts {
		out[i] = c
	}
	return out, nil
}

// newContext creates a fresh incognito browser context, tracks it, and
// returns it. A handle always has at least one context once a Driver has
// launched through it.
func (h *rodHandle) newContext() (*rodContext, error) {
	ic, err := h.browser.Incognito()
	if err != nil {
		return nil, err
	}
	c := &rodContext{browser: ic}
	h.mu.Lock()
	h.contexts = append(h.contexts, c)
	h.mu.Unlock()
	return c, nil
}

// rodContext wraps one incognito *rod.Browser as a driver.BrowserContext.
type rodContext struct {
	browser *rod.Browser

	mu    sync.Mutex
	pages []*rodPage
}

func (c *rodContext) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	raw, err := c.browser.GetCookies()
	if err != nil {
		return nil, err
	}
	out := make([]driver.Cookie, 0, len(raw))
	for _, rc := range raw {
		out = append(out, driver.Cookie{
			Name:     rc.Name,
			Value:    rc.Value,
			Domain:   rc.Domain,
			Path:     rc.Path,
			Expires:  float64(rc.Expires),
			HTTPOnly: rc.HTTPOnly,
			Secure:   rc.Secure,
			SameSite: string(rc.SameSite),
		})
	}
	return out, nil
}

func (c *rodContext) AddCookies(ctx context.Context, cookies []driver.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  proto.TimeSinceEpoch(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: proto.NetworkCookieSameSite(ck.SameSite),
		})
	}
	return c.browser.SetCookies(params)
}

func (c *rodContext) Close(ctx context.Context) error {
	return c.browser.Close()
}

func (c *rodContext) Pages(ctx context.Context) ([]driver.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]driver.Page, len(c.pages))
	for i, p := range c.pages {
		out[i] = p
	}
	return out, nil
}

func (c *rodContext) newPage() (*rodPage, error) {
	page, err := stealth.Page(c.browser)
	if err != nil {
		return nil, err
	}
	p := &rodPage{page: page}
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

// rodPage wraps a stealth-evaded *rod.Page as a driver.Page.
type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Evaluate(ctx context.Context, script string) (any, error) {
	deadline, ok := ctx.Deadline()
	pc := p.page
	if ok {
		timeout := time.Until(deadline)
		if timeout > 0 {
			pc = p.page.Timeout(timeout)
		}
	}
	result, err := pc.Eval(script)
	if err != nil {
		return nil, err
	}
	return decodeGSON(result.Value), nil
}

func decodeGSON(v gson.JSON) any {
	if v.Nil() {
		return nil
	}
	return v.Val()
}

// rodDriver is the driver.Driver implementation. It owns at most one
// BrowserHandle and one default context, created lazily on Launch.
type rodDriver struct {
	cfg  LauncherConfig
	pool driver.AcquireReleaser // nil when unpooled
	auth *driver.AuthOptions

	mu         sync.Mutex
	handle     *rodHandle
	defaultCtx *rodContext
}

func (d *rodDriver) Launch(ctx context.Context, opts driver.LaunchOptions) error {
	var handle *rodHandle
	var err error

	if d.pool != nil {
		var bh driver.BrowserHandle
		bh, err = d.pool.Acquire(ctx)
		if err == nil {
			handle, _ = bh.(*rodHandle)
		}
	} else {
		handle, err = launchHandle(ctx, d.cfg, opts)
	}
	if err != nil {
		return err
	}

	defaultCtx, err := handle.newContext()
	if err != nil {
		if d.pool != nil {
			d.pool.Release(ctx, handle)
		} else {
			_ = handle.Close(ctx)
		}
		return err
	}

	d.mu.Lock()
	d.handle = handle
	d.defaultCtx = defaultCtx
	d.mu.Unlock()
	return nil
}

func (d *rodDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	handle := d.handle
	d.handle = nil
	d.defaultCtx = nil
	d.mu.Unlock()

	if handle == nil {
		return nil
	}
	if d.pool != nil {
		d.pool.Release(ctx, handle)
		return nil
	}
	return handle.Close(ctx)
}

func (d *rodDriver) NewPage(ctx context.Context) (driver.Page, error) {
	d.mu.Lock()
	defaultCtx := d.defaultCtx
	d.mu.Unlock()
	if defaultCtx == nil {
		return nil, context.Canceled
	}
	return defaultCtx.newPage()
}

func (d *rodDriver) IsConnected() bool {
	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	return handle != nil && handle.IsConnected()
}

func (d *rodDriver) Contexts(ctx context.Context) ([]driver.BrowserContext, error) {
	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	if handle == nil {
		return nil, nil
	}
	return handle.Contexts(ctx)
}
