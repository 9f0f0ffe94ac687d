// Package driver defines the narrow interface the pool and service packages
// rely on to launch and control a browser. The concrete implementation is
// deliberately kept out of this package — see internal/roddriver for the
// go-rod-backed one — so the core never imports a browser-automation
// library directly.
package driver

import "context"

// Cookie is the wire shape used both for driver-level cookie exchange and
// for the session store's on-disk format (see internal/sessionstore).
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"` // seconds since epoch, or -1 for a session cookie
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Page is the subset of a browser page the core needs for storage
// snapshotting. Real drivers back it with a CDP/WebDriver target page.
type Page interface {
	// Evaluate runs script and returns its JSON-decoded result.
	Evaluate(ctx context.Context, script string) (any, error)
}

// BrowserContext is the browser's isolation unit. One handle may expose
// several contexts; the session store only ever touches the first.
type BrowserContext interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	AddCookies(ctx context.Context, cookies []Cookie) error
	Close(ctx context.Context) error
	// Pages returns the context's open pages, page zero first.
	Pages(ctx context.Context) ([]Page, error)
}

// BrowserHandle is the opaque reference the pool manages. It is never
// constructed or introspected beyond this interface; construction is
// delegated to an injected Launcher.
type BrowserHandle interface {
	IsConnected() bool
	Close(ctx context.Context) error
	Contexts(ctx context.Context) ([]BrowserContext, error)
}

// LaunchOptions carries driver-specific launch parameters. The core treats
// it as an opaque payload it passes through unexamined.
type LaunchOptions struct {
	Headless  bool
	ProxyURL  string
	UserAgent string
	Extra     map[string]any
}

// Launcher constructs a fresh BrowserHandle. The pool calls it under its
// circuit breaker; it must be safe for concurrent use.
type Launcher func(ctx context.Context, opts LaunchOptions) (BrowserHandle, error)

// Driver is the full external-collaborator surface a Browser Service holds.
// It wraps a pool-or-direct acquisition strategy (see internal/service)
// behind launch/close/new-page operations.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) error
	Close(ctx context.Context) error
	NewPage(ctx context.Context) (Page, error)
	IsConnected() bool
	Contexts(ctx context.Context) ([]BrowserContext, error)
}

// AcquireReleaser is the capability set both the Browser Pool and the
// Session Pool Manager (bound to one session name) satisfy. A Driver
// implementation that supports pooled acquisition discovers which one it
// holds only through this narrow interface, per the "duck-typed sum type"
// design note: single_pool or session_pool(name), never both.
type AcquireReleaser interface {
	Acquire(ctx context.Context) (BrowserHandle, error)
	Release(ctx context.Context, handle BrowserHandle)
}

// AuthOptions carries optional credentials a Driver may apply during
// Launch (e.g. HTTP basic auth for a proxy). The core never inspects it.
type AuthOptions struct {
	Username string
	Password string
}

// FactoryOptions is passed to a DriverFactory at Driver construction time.
type FactoryOptions struct {
	Auth        *AuthOptions
	Pool        AcquireReleaser // nil when the service is not pooling
	SessionName string
}

// Factory constructs a Driver. Concrete factories (see internal/roddriver)
// decide whether to acquire browsers from opts.Pool or launch their own.
type Factory func(opts FactoryOptions) (Driver, error)
