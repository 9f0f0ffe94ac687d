package sessionstore

import "github.com/ostin-pil/lesca/internal/driver"

// Metadata carries record-level bookkeeping alongside the cookie/storage
// payload.
type Metadata struct {
	CreatedAt   int64  `json:"created"`
	LastUsedAt  int64  `json:"lastUsed"`
	ExpiresAt   *int64 `json:"expires,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Description string `json:"description,omitempty"`
}

// Record is the durable, per-session snapshot: cookies plus local/session
// storage, keyed by name. Field order and names mirror the on-disk JSON
// shape exactly (spec §6).
type Record struct {
	Name           string            `json:"name"`
	Cookies        []driver.Cookie   `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	Metadata       Metadata          `json:"metadata"`
}

// expired reports whether the record's expiry has passed as of now.
func (r *Record) expired(nowMs int64) bool {
	return r.Metadata.ExpiresAt != nil && nowMs > *r.Metadata.ExpiresAt
}

// validShape reports the minimal structural validity check spec §4.3
// demands before a record is trusted: name present, cookies is an array.
// An empty JSON array decodes to a non-nil slice and passes; a missing or
// null cookies field decodes to nil and fails.
func (r *Record) validShape() bool {
	return r != nil && r.Name != "" && r.Cookies != nil
}
