// Package ratelimit implements sliding-window admission control for outbound
// platform calls, keyed by (account, platform, endpoint). Four windows are
// evaluated per admission — burst, minute, hour, day — against counters held
// in a shared external store so that limits hold across processes.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Window is the immutable per-(platform, endpoint) limit configuration.
// Loaded at startup and treated as read-only during operation; the table
// holding windows supports atomic replacement for administrative reloads.
type Window struct {
	LimitPerMinute     int `json:"limit_per_minute"`
	LimitPerHour       int `json:"limit_per_hour"`
	LimitPerDay        int `json:"limit_per_day"`
	BurstLimit         int `json:"burst_limit"`
	BurstWindowSeconds int `json:"burst_window_seconds"`
}

// Window names, reported as the limiting window in admission decisions.
// Order matters: the tightest window is always evaluated and reported first.
const (
	WindowBurst  = "burst"
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// DefaultWindow is the conservative fallback applied to any (platform,
// endpoint) pair that has no explicit configuration. Unknown endpoints are
// deliberately throttled hard rather than left unlimited.
var DefaultWindow = Window{
	LimitPerMinute:     3,
	LimitPerHour:       30,
	LimitPerDay:        200,
	BurstLimit:         1,
	BurstWindowSeconds: 10,
}

// specs expands a Window into ordered per-window specs (burst first).
func (w Window) specs() []windowSpec {
	return []windowSpec{
		{Name: WindowBurst, Span: time.Duration(w.BurstWindowSeconds) * time.Second, Limit: w.BurstLimit},
		{Name: WindowMinute, Span: time.Minute, Limit: w.LimitPerMinute},
		{Name: WindowHour, Span: time.Hour, Limit: w.LimitPerHour},
		{Name: WindowDay, Span: 24 * time.Hour, Limit: w.LimitPerDay},
	}
}

// windowSpec is one concrete window to evaluate: a name, a trailing span,
// and the maximum number of events allowed inside it.
type windowSpec struct {
	Name  string
	Span  time.Duration
	Limit int
}

// Table maps (platform, endpoint) to its Window. Reads are lock-cheap;
// Replace swaps the whole map so a reload never disturbs in-flight checks.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Window
}

func tableKey(platform, endpoint string) string {
	return platform + "/" + endpoint
}

// NewTable builds a table from explicit entries keyed "platform/endpoint".
func NewTable(entries map[string]Window) *Table {
	m := make(map[string]Window, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &Table{entries: m}
}

// DefaultTable returns the built-in window configuration for the supported
// platforms. The numbers follow each platform's published API quotas with
// headroom; per-deployment overrides come from a JSON file (LoadFile).
func DefaultTable() *Table {
	return NewTable(map[string]Window{
		"instagram/content_publish": {LimitPerMinute: 2, LimitPerHour: 10, LimitPerDay: 25, BurstLimit: 1, BurstWindowSeconds: 30},
		"instagram/media_upload":    {LimitPerMinute: 4, LimitPerHour: 30, LimitPerDay: 100, BurstLimit: 2, BurstWindowSeconds: 30},
		"tiktok/video_publish":      {LimitPerMinute: 2, LimitPerHour: 15, LimitPerDay: 30, BurstLimit: 2, BurstWindowSeconds: 60},
		"x/tweet_create":            {LimitPerMinute: 5, LimitPerHour: 50, LimitPerDay: 300, BurstLimit: 3, BurstWindowSeconds: 15},
		"reddit/submit":             {LimitPerMinute: 1, LimitPerHour: 10, LimitPerDay: 50, BurstLimit: 1, BurstWindowSeconds: 60},
	})
}

// Lookup returns the window for (platform, endpoint) and whether it was
// explicitly configured. Unconfigured pairs get DefaultWindow.
func (t *Table) Lookup(platform, endpoint string) (Window, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.entries[tableKey(platform, endpoint)]; ok {
		return w, true
	}
	return DefaultWindow, false
}

// Replace atomically swaps the full entry set. Safe to call while admission
// checks are running; in-flight checks keep the window they already read.
func (t *Table) Replace(entries map[string]Window) {
	m := make(map[string]Window, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	t.mu.Lock()
	t.entries = m
	t.mu.Unlock()
}

// LoadFile reads a JSON object of "platform/endpoint" → Window from path and
// replaces the table contents with it. Entries failing basic sanity checks
// are rejected as a whole so a bad reload cannot partially apply.
func (t *Table) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries map[string]Window
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse rate limit table: %w", err)
	}
	for k, w := range entries {
		if w.BurstLimit < 1 || w.BurstWindowSeconds < 1 ||
			w.LimitPerMinute < 1 || w.LimitPerHour < 1 || w.LimitPerDay < 1 {
			return fmt.Errorf("rate limit table entry %q has non-positive limits", k)
		}
	}
	t.Replace(entries)
	return nil
}
