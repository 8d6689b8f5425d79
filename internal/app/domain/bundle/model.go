// Package bundle defines the domain model for over-the-air session bundles:
// the bundle record advertised by the session server, the loader settings,
// and the bounded history kept for diagnostics.
package bundle

import "strconv"

// Record describes one known bundle. The server-side fields (SessionID,
// Platform, BundleURL, SizeHint, ServerTimestamp, ServerHash) come from the
// session manifest; the remaining fields are filled in locally after a
// successful download. ServerTimestamp and ServerHash drive change
// detection and must never be overwritten with locally computed values.
type Record struct {
	SessionID       string `json:"sessionId"`
	Platform        string `json:"platform"`
	BundleURL       string `json:"bundleUrl"`
	SizeHint        int64  `json:"bundleSize,omitempty"`
	ServerTimestamp int64  `json:"timestamp"`
	ServerHash      string `json:"bundleHash,omitempty"`

	// Local enhancement fields, absent until the bundle is downloaded.
	DownloadedAt int64  `json:"downloadedAt,omitempty"`
	FileSize     int64  `json:"fileSize,omitempty"`
	LocalHash    string `json:"localHash,omitempty"`
	Version      string `json:"version,omitempty"`
}

// NewerThan reports whether r should replace prev as the current bundle.
// A nil prev always yields true. Otherwise r is new when its server
// timestamp strictly increases or its server hash differs; identical
// timestamp and hash mean the server is re-advertising the same bundle
// and the caller must not re-download it.
func (r *Record) NewerThan(prev *Record) bool {
	if r == nil {
		return false
	}
	if prev == nil {
		return true
	}
	if r.ServerTimestamp > prev.ServerTimestamp {
		return true
	}
	return r.ServerHash != prev.ServerHash
}

// Key returns the identity used to deduplicate history entries.
func (r *Record) Key() string {
	return r.SessionID + "|" + r.Platform + "|" + r.ServerHash + "|" + strconv.FormatInt(r.ServerTimestamp, 10)
}

// Clone returns a copy of the record so callers can hand it out without
// exposing loader-owned state to mutation.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Settings is the loader configuration. It is persisted across restarts
// and mutated only through the loader's setter operations.
type Settings struct {
	ServerURL            string `json:"serverUrl"`
	SessionID            string `json:"sessionId,omitempty"`
	Enabled              bool   `json:"enabled"`
	AutoReloadEnabled    bool   `json:"autoReloadEnabled"`
	ExecuteBundleEnabled bool   `json:"executeBundleEnabled"`
	// Platform is fixed for the process lifetime.
	Platform string `json:"platform"`
}

// PollingActive reports whether the settings permit an active poll loop.
func (s Settings) PollingActive() bool {
	return s.Enabled && s.AutoReloadEnabled && s.SessionID != ""
}

// LoadStats summarizes one download/execute cycle for observers.
type LoadStats struct {
	FileSize   int64  `json:"fileSize"`
	DownloadMS int64  `json:"downloadTimeMs"`
	TotalMS    int64  `json:"totalTimeMs"`
	Platform   string `json:"platform"`
}

// DefaultHistoryLimit bounds how many distinct records the history keeps.
const DefaultHistoryLimit = 10

// PushHistory prepends rec to history, dropping any earlier entry with the
// same identity and trimming to limit. The result is newest-first.
func PushHistory(history []*Record, rec *Record, limit int) []*Record {
	if rec == nil {
		return history
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	key := rec.Key()
	out := make([]*Record, 0, len(history)+1)
	out = append(out, rec.Clone())
	for _, h := range history {
		if h == nil || h.Key() == key {
			continue
		}
		out = append(out, h)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
