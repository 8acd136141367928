// Package cooldown tracks per-credential cooldown windows after upstream
// failures. Entries expire lazily: an expired entry is treated as absent
// until CleanupExpired removes it.
package cooldown

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxShortCooldown caps the backoff for auto-recoverable reasons.
	DefaultMaxShortCooldown = 5 * time.Minute
	// DefaultLongCooldown applies to reasons that need operator attention.
	DefaultLongCooldown = 24 * time.Hour

	backoffFactor = 1.5
)

// Event describes a cooldown that was just applied.
type Event struct {
	CredentialID uint64
	Reason       Reason
	Duration     time.Duration
	TriggerCount int
	At           time.Time
}

// Recorder receives cooldown events. Recorders are called outside the
// manager's lock and must be safe for concurrent use.
type Recorder interface {
	RecordCooldown(Event)
}

// Info is a point-in-time view of an active cooldown.
type Info struct {
	CredentialID uint64        `json:"credential_id"`
	Reason       Reason        `json:"reason"`
	Elapsed      time.Duration `json:"elapsed"`
	Remaining    time.Duration `json:"remaining"`
	TriggerCount int           `json:"trigger_count"`
}

type entry struct {
	reason       Reason
	startedAt    time.Time
	expiresAt    time.Time
	triggerCount int
}

// Manager holds the cooldown table. A zero Manager is not usable; use New.
type Manager struct {
	now func() time.Time

	mu        sync.Mutex
	maxShort  time.Duration
	long      time.Duration
	entries   map[uint64]*entry
	recorders []Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxShortCooldown overrides the cap applied to auto-recoverable backoff.
func WithMaxShortCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxShort = d
		}
	}
}

// WithLongCooldown overrides the duration used for non-recoverable reasons.
func WithLongCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.long = d
		}
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRecorder registers a recorder notified on every applied cooldown.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		maxShort: DefaultMaxShortCooldown,
		long:     DefaultLongCooldown,
		now:      time.Now,
		entries:  make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLimits replaces the backoff cap and the long cooldown for cooldowns
// applied from now on. Active entries keep their expiry. Non-positive
// values leave the current limit in place.
func (m *Manager) SetLimits(maxShort, long time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxShort > 0 {
		m.maxShort = maxShort
	}
	if long > 0 {
		m.long = long
	}
}

// Limits returns the backoff cap and the long cooldown.
func (m *Manager) Limits() (maxShort, long time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxShort, m.long
}

// SetCooldown puts the credential into cooldown for reason using the
// computed backoff and returns the applied duration.
func (m *Manager) SetCooldown(id uint64, reason Reason) time.Duration {
	return m.SetCooldownWithDuration(id, reason, 0)
}

// SetCooldownWithDuration is SetCooldown with an explicit duration. A
// positive override is used as-is; otherwise the backoff rule applies.
//
// Repeating the current reason increments the trigger count. A different
// reason replaces the entry and resets the count to 1.
func (m *Manager) SetCooldownWithDuration(id uint64, reason Reason, override time.Duration) time.Duration {
	m.mu.Lock()
	now := m.now()
	e, ok := m.entries[id]
	switch {
	case !ok:
		e = &entry{reason: reason, triggerCount: 1}
		m.entries[id] = e
	case e.reason == reason:
		e.triggerCount++
	default:
		e.reason = reason
		e.triggerCount = 1
	}

	d := override
	if d <= 0 {
		d = m.backoff(reason, e.triggerCount)
	}
	e.startedAt = now
	e.expiresAt = now.Add(d)
	ev := Event{CredentialID: id, Reason: reason, Duration: d, TriggerCount: e.triggerCount, At: now}
	recorders := m.recorders
	m.mu.Unlock()

	for _, r := range recorders {
		r.RecordCooldown(ev)
	}
	return d
}

// backoff returns default * 1.5^(count-1) capped at maxShort for
// auto-recoverable reasons, truncated to whole seconds. Other reasons
// always get the long cooldown.
func (m *Manager) backoff(reason Reason, count int) time.Duration {
	if !reason.AutoRecoverable() {
		return m.long
	}
	if count < 1 {
		count = 1
	}
	secs := reason.DefaultDuration().Seconds() * math.Pow(backoffFactor, float64(count-1))
	if limit := m.maxShort.Seconds(); secs > limit {
		secs = limit
	}
	return time.Duration(math.Floor(secs)) * time.Second
}

// CheckCooldown returns the active reason and remaining time. ok is false
// when the credential has no entry or its entry has expired.
func (m *Manager) CheckCooldown(id uint64) (reason Reason, remaining time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[id]
	if !found {
		return 0, 0, false
	}
	now := m.now()
	if !now.Before(e.expiresAt) {
		return 0, 0, false
	}
	return e.reason, e.expiresAt.Sub(now), true
}

// IsAvailable reports whether the credential may be used now.
func (m *Manager) IsAvailable(id uint64) bool {
	_, _, cooling := m.CheckCooldown(id)
	return !cooling
}

// ClearCooldown removes any entry for the credential, expired or not, and
// reports whether one existed.
func (m *Manager) ClearCooldown(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	delete(m.entries, id)
	return ok
}

// CleanupExpired drops every entry whose window has ended and returns how
// many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if !e.expiresAt.After(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// AllCooldowns lists active cooldowns ordered by credential ID.
func (m *Manager) AllCooldowns() []Info {
	m.mu.Lock()
	now := m.now()
	out := make([]Info, 0, len(m.entries))
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			continue
		}
		out = append(out, Info{
			CredentialID: id,
			Reason:       e.reason,
			Elapsed:      now.Sub(e.startedAt),
			Remaining:    e.expiresAt.Sub(now),
			TriggerCount: e.triggerCount,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CredentialID < out[j].CredentialID })
	return out
}

// RunJanitor calls CleanupExpired every interval until ctx is cancelled.
// onSweep, if non-nil, receives the number of removed entries.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := m.CleanupExpired()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
