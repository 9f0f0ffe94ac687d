// Package dynconfig provides hot-reloadable pool-sizing defaults. Edits to
// the watched YAML file's min/max pool size and idle timeout show up in
// Manager.Get without a restart; reads are lock-free via atomic.Value,
// matching the selector hot-reload machinery this is adapted from. A
// consumer that calls Get only once, as cmd/lescad does when it builds the
// session pool manager, does not see later edits.
package dynconfig

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// PoolDefaults is the subset of pool sizing the operator can tune live.
// Zero values are left for the caller's own static defaults to fill in.
type PoolDefaults struct {
	MinSize   int           `yaml:"min_size"`
	MaxSize   int           `yaml:"max_size"`
	MaxIdleMS int           `yaml:"max_idle_ms"`
	MaxIdle   time.Duration `yaml:"-"`
}

func (d *PoolDefaults) normalize() {
	if d.MaxIdleMS > 0 {
		d.MaxIdle = time.Duration(d.MaxIdleMS) * time.Millisecond
	}
}

func (d PoolDefaults) validate() error {
	if d.MinSize < 0 {
		return fmt.Errorf("min_size must be >= 0")
	}
	if d.MaxSize < 0 {
		return fmt.Errorf("max_size must be >= 0")
	}
	if d.MaxSize > 0 && d.MinSize > d.MaxSize {
		return fmt.Errorf("min_size must be <= max_size")
	}
	if d.MaxIdleMS < 0 {
		return fmt.Errorf("max_idle_ms must be >= 0")
	}
	return nil
}

// ReloadStats reports the manager's reload history for observability.
type ReloadStats struct {
	LastReloadTime time.Time
	ReloadCount    int64
	LastError      error
}

// Manager watches a YAML file and atomically swaps in validated
// PoolDefaults on every change. If path is empty it serves fallback
// forever and never starts a watcher.
type Manager struct {
	path     string
	fallback PoolDefaults

	current atomic.Value // PoolDefaults

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	stats  ReloadStats
	closed bool
}

// New builds a Manager. fallback is used until (and whenever) the watched
// file is absent or fails to parse; a load or parse failure is logged and
// the previous value, or fallback on first load, remains in effect.
func New(path string, fallback PoolDefaults) (*Manager, error) {
	if err := fallback.validate(); err != nil {
		return nil, fmt.Errorf("invalid fallback pool defaults: %w", err)
	}
	fallback.normalize()

	m := &Manager{path: path, fallback: fallback, stopCh: make(chan struct{})}
	m.current.Store(fallback)

	if path == "" {
		return m, nil
	}

	if err := m.reloadLocked(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("lesca/dynconfig: failed to load pool defaults, using fallback")
	}

	if err := m.startWatcher(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("lesca/dynconfig: failed to start file watcher, hot-reload disabled")
	}

	return m, nil
}

// Get returns the current pool defaults. Lock-free, safe for concurrent use.
func (m *Manager) Get() PoolDefaults {
	return m.current.Load().(PoolDefaults)
}

// Stats reports reload history.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Reload re-reads the watched file immediately, bypassing the watcher.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("no dynconfig path configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked()
}

func (m *Manager) reloadLocked() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("reading pool defaults file: %w", err)
	}

	var d PoolDefaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("parsing pool defaults file: %w", err)
	}
	if err := d.validate(); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("invalid pool defaults: %w", err)
	}
	d.normalize()

	m.current.Store(d)
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().Int64("reload_count", m.stats.ReloadCount).Msg("lesca/dynconfig: pool defaults hot-reloaded")
	return nil
}

// debounceDelay coalesces rapid successive writes (editors often save in
// two steps: truncate then write) into a single reload.
const debounceDelay = 100 * time.Millisecond

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

func (m *Manager) watchFile() {
	defer m.wg.Done()

	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.mu.Lock()
					if err := m.reloadLocked(); err != nil {
						log.Warn().Err(err).Msg("lesca/dynconfig: hot reload failed, keeping previous defaults")
					}
					m.mu.Unlock()
					debouncing = false
				})
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("lesca/dynconfig: watcher error")
		}
	}
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
