package roddriver

import (
	"context"
	"testing"
	"time"

	"github.com/ostin-pil/lesca/internal/driver"
)

// skipShort skips tests that launch a real browser process.
func skipShort(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser launch test in short mode")
	}
}

func TestBuildLauncherRejectsUnsafeProxyURL(t *testing.T) {
	_, err := buildLauncher(LauncherConfig{}, driver.LaunchOptions{ProxyURL: "http://169.254.169.254:80"})
	if err == nil {
		t.Fatal("expected cloud metadata proxy target to be rejected")
	}
}

func TestBuildLauncherAcceptsNoProxy(t *testing.T) {
	l, err := buildLauncher(LauncherConfig{}, driver.LaunchOptions{Headless: true})
	if err != nil {
		t.Fatal(err)
	}
	if l == nil {
		t.Fatal("expected a non-nil launcher")
	}
}

func TestNewLauncherLaunchesAndCloses(t *testing.T) {
	skipShort(t)

	launch := NewLauncher(LauncherConfig{})
	handle, err := launch(context.Background(), driver.LaunchOptions{Headless: true})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if !handle.IsConnected() {
		t.Fatal("expected freshly launched handle to report connected")
	}
	if err := handle.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if handle.IsConnected() {
		t.Fatal("expected handle to report disconnected after close")
	}
}

func TestFactoryRoundTripsLaunchAndClose(t *testing.T) {
	skipShort(t)

	factory := NewFactory(LauncherConfig{})
	drv, err := factory(driver.FactoryOptions{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := drv.Launch(ctx, driver.LaunchOptions{Headless: true}); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if !drv.IsConnected() {
		t.Fatal("expected driver to report connected after launch")
	}

	page, err := drv.NewPage(ctx)
	if err != nil {
		t.Fatalf("new page failed: %v", err)
	}
	if _, err := page.Evaluate(ctx, "1+1"); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if err := drv.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
