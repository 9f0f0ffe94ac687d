package sessionstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ostin-pil/lesca/internal/driver"
)

type fakePage struct {
	storage map[string]map[string]string
}

func newFakePage() *fakePage {
	return &fakePage{storage: map[string]map[string]string{"localStorage": {}, "sessionStorage": {}}}
}

func (p *fakePage) Evaluate(ctx context.Context, script string) (any, error) {
	// A trivially fake interpreter: the store only ever evaluates storage
	// snapshot/injection scripts against this fake, so it answers every
	// script with an empty object rather than parsing JS.
	return map[string]any{}, nil
}

type fakeContext struct {
	cookies []driver.Cookie
	pages   []driver.Page
}

func (c *fakeContext) Cookies(ctx context.Context) ([]driver.Cookie, error) { return c.cookies, nil }
func (c *fakeContext) AddCookies(ctx context.Context, cookies []driver.Cookie) error {
	c.cookies = append(c.cookies, cookies...)
	return nil
}
func (c *fakeContext) Close(ctx context.Context) error       { return nil }
func (c *fakeContext) Pages(ctx context.Context) ([]driver.Page, error) { return c.pages, nil }

func TestCreateThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	bctx := &fakeContext{
		cookies: []driver.Cookie{{Name: "a", Value: "1", Domain: "example.com", Path: "/", Expires: -1}},
		pages:   []driver.Page{newFakePage()},
	}

	if _, err := store.Create(ctx, "s1", bctx, "test"); err != nil {
		t.Fatal(err)
	}

	rec, ok := store.Get("s1")
	if !ok {
		t.Fatal("expected record to be found")
	}
	if len(rec.Cookies) != 1 || rec.Cookies[0].Name != "a" {
		t.Fatalf("expected round-tripped cookie, got %+v", rec.Cookies)
	}
}

func TestRestoreInjectsCookies(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	ctx := context.Background()

	src := &fakeContext{cookies: []driver.Cookie{{Name: "a", Value: "1", Domain: "x", Path: "/", Expires: -1}}, pages: []driver.Page{newFakePage()}}
	store.Create(ctx, "s1", src, "")

	dst := &fakeContext{pages: []driver.Page{newFakePage()}}
	found := store.Restore(ctx, "s1", dst)
	if !found {
		t.Fatal("expected record found")
	}
	if len(dst.cookies) != 1 || dst.cookies[0].Name != "a" {
		t.Fatalf("expected cookie injected into dst, got %+v", dst.cookies)
	}
}

func TestGetQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	path := filepath.Join(dir, "s1.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, ok := store.Get("s1")
	if ok {
		t.Fatal("expected corrupted record to be absent")
	}

	matches, _ := filepath.Glob(path + ".bak.*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one quarantine file, got %v", matches)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected original corrupted file to be removed")
	}
}

func TestExpiredRecordIsDeletedOnGet(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	past := time.Now().Add(-time.Hour).UnixMilli()
	rec := &Record{Name: "s1", Cookies: []driver.Cookie{}, Metadata: Metadata{ExpiresAt: &past}}
	store.Save("s1", rec)

	if _, ok := store.Get("s1"); ok {
		t.Fatal("expected expired record to be absent")
	}
	if store.Exists("s1") {
		t.Fatal("expected expired record's file to be removed")
	}
}

func TestSanitizeBlocksTraversal(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	rec := &Record{Name: "evil", Cookies: []driver.Cookie{}}
	if err := store.Save("../../etc/passwd", rec); err != nil {
		t.Fatal(err)
	}
	path := store.pathFor("../../etc/passwd")
	if filepath.Dir(path) != dir {
		t.Fatalf("sanitized path escaped base dir: %s", path)
	}
}

func TestListSkipsExpiredAndSortsByLastUsed(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)

	store.Save("old", &Record{Name: "old", Cookies: []driver.Cookie{}, Metadata: Metadata{LastUsedAt: 100}})
	store.Save("new", &Record{Name: "new", Cookies: []driver.Cookie{}, Metadata: Metadata{LastUsedAt: 200}})
	past := time.Now().Add(-time.Hour).UnixMilli()
	store.Save("dead", &Record{Name: "dead", Cookies: []driver.Cookie{}, Metadata: Metadata{ExpiresAt: &past}})

	recs, err := store.ListActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(recs))
	}
	if recs[0].Name != "new" || recs[1].Name != "old" {
		t.Fatalf("expected sorted newest-first, got %v", recs)
	}
}

func TestMergeKeepExisting(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	store.Save("target", &Record{Name: "target", Cookies: []driver.Cookie{{Name: "a", Value: "target", Domain: "d", Path: "/"}}})
	store.Save("src", &Record{Name: "src", Cookies: []driver.Cookie{
		{Name: "a", Value: "src", Domain: "d", Path: "/"},
		{Name: "b", Value: "src-b", Domain: "d", Path: "/"},
	}})

	merged, err := store.Merge([]string{"src"}, "target", KeepExisting)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]string{}
	for _, c := range merged.Cookies {
		byName[c.Name] = c.Value
	}
	if byName["a"] != "target" {
		t.Fatalf("keep_existing should preserve target's value for a, got %q", byName["a"])
	}
	if byName["b"] != "src-b" {
		t.Fatalf("keep_existing should add missing keys from source, got %q", byName["b"])
	}
}

func TestMergePreferFresh(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	store.Save("older", &Record{Name: "older", Cookies: []driver.Cookie{{Name: "a", Value: "older", Domain: "d", Path: "/"}}, Metadata: Metadata{LastUsedAt: 100}})
	store.Save("newer", &Record{Name: "newer", Cookies: []driver.Cookie{{Name: "a", Value: "newer", Domain: "d", Path: "/"}}, Metadata: Metadata{LastUsedAt: 200}})

	merged, err := store.Merge([]string{"older", "newer"}, "target", PreferFresh)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Cookies) != 1 || merged.Cookies[0].Value != "newer" {
		t.Fatalf("prefer_fresh should let the newest source win, got %+v", merged.Cookies)
	}
}
