// Package roddriver implements the driver.Driver and driver.Factory
// interfaces on top of go-rod, go-rod/stealth, and the anti-detection
// launch profile used throughout this project's browser automation.
package roddriver

import (
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/ostin-pil/lesca/internal/driver"
	"github.com/ostin-pil/lesca/internal/security"
	"github.com/ostin-pil/lesca/pkg/version"
)

// LauncherConfig carries the process-level knobs that shape every browser
// this factory launches, independent of any one LaunchOptions call.
type LauncherConfig struct {
	BrowserPath      string
	IgnoreCertErrors bool
}

// buildLauncher assembles a *launcher.Launcher configured for headed
// anti-detection operation by default, matching a real desktop browser as
// closely as Chrome's flag surface allows. Headless is only used when the
// caller explicitly asks for it; a fresh launcher is required per browser
// since a launcher can only launch once.
func buildLauncher(cfg LauncherConfig, opts driver.LaunchOptions) (*launcher.Launcher, error) {
	if opts.ProxyURL != "" {
		if err := security.ValidateProxyURL(opts.ProxyURL, false); err != nil {
			return nil, err
		}
	}

	l := launcher.New()
	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	// Headless=true uses Chrome's native --headless=new. Headless=false
	// disables rod's default headless mode so the caller's own virtual
	// display (e.g. Xvfb) renders a real headed browser, which is
	// indistinguishable from a desktop session in every fingerprinting
	// vector that matters.
	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(opts.ProxyURL)).Msg("lesca/roddriver: proxy configured")
	}

	// Always disable non-proxied WebRTC, proxy or not: a real public IP
	// leaked via ICE candidates defeats the point of a proxy and gives
	// bot detection a correlation signal for free.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")

	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
		l = l.Set("ignore-ssl-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9")
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")
	l = l.Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	l = l.Set("disable-gpu-sandbox")

	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		l = l.Set("disable-gpu-compositing")
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = version.UserAgent
	}
	l = l.Set("user-agent", ua)

	return l, nil
}
