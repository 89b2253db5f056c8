// Package sendlock provides the exclusive send lock that coordinates the
// watcher layers in a foreman process.
//
// Several layers may each decide, from their own heuristics, that a message
// should be forwarded to the worker agent. Without coordination this produces
// duplicate sends that confuse the agent. The lock serializes "send" phases:
// at most one layer holds it at a time, a short cooldown rate-limits rapid
// re-sends after a release, and a staleness threshold force-releases a lock
// held by a crashed or hung sender so the other layers are never starved.
package sendlock

import (
	"log"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/clock"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultCooldown              = 2 * time.Second
	DefaultForceReleaseThreshold = 10 * time.Minute
	DefaultHistoryCap            = 50
)

// ForceReleaseReasonStale marks automatic staleness recovery.
const ForceReleaseReasonStale = "stale_lock"

// ForceReleaseReasonRecovery marks the release-path failure fallback.
const ForceReleaseReasonRecovery = "error_recovery"

// EventKind classifies entries in the lock history.
type EventKind string

const (
	EventAcquire      EventKind = "acquire"
	EventRelease      EventKind = "release"
	EventBlocked      EventKind = "blocked"
	EventCooldown     EventKind = "cooldown"
	EventForceRelease EventKind = "force_release"
)

// Event is one entry in the bounded lock history. Never mutated after append.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Layer   string        `json:"layer,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	At      time.Time     `json:"at"`
	HeldFor time.Duration `json:"held_for,omitempty"`
}

// Metrics is a point-in-time snapshot of the lock counters.
type Metrics struct {
	Acquisitions       uint64  `json:"acquisitions"`
	Releases           uint64  `json:"releases"`
	BlockedAttempts    uint64  `json:"blocked_attempts"`
	CooldownRejections uint64  `json:"cooldown_rejections"`
	ForcedReleases     uint64  `json:"forced_releases"`
	Efficiency         float64 `json:"efficiency"` // releases / acquisitions
	History            []Event `json:"history"`
}

// Config configures a Lock. Layers is the closed set of identities allowed
// to acquire; an identity not in the set is always rejected.
type Config struct {
	Layers                []string
	Cooldown              time.Duration
	ForceReleaseThreshold time.Duration
	HistoryCap            int
	Clock                 clock.Clock
	Logger                *log.Logger
}

// Lock is the process-wide exclusive send lock. One instance is constructed
// at startup and passed to every component that sends; it is never duplicated
// per watcher. All methods are safe for concurrent use.
type Lock struct {
	mu             sync.Mutex
	clk            clock.Clock
	logger         *log.Logger
	layers         map[string]bool
	cooldown       time.Duration
	forceThreshold time.Duration
	historyCap     int

	// Invariant: held == (holder != "") == !acquiredAt.IsZero().
	held        bool
	holder      string
	acquiredAt  time.Time
	lastRelease time.Time

	acquisitions uint64
	releases     uint64
	blocked      uint64
	cooldowns    uint64
	forced       uint64
	history      []Event
}

// New creates a Lock with defaults filled in for zero Config fields.
func New(cfg Config) *Lock {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ForceReleaseThreshold == 0 {
		cfg.ForceReleaseThreshold = DefaultForceReleaseThreshold
	}
	if cfg.HistoryCap == 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	layers := make(map[string]bool, len(cfg.Layers))
	for _, id := range cfg.Layers {
		layers[id] = true
	}
	return &Lock{
		clk:            cfg.Clock,
		logger:         cfg.Logger,
		layers:         layers,
		cooldown:       cfg.Cooldown,
		forceThreshold: cfg.ForceReleaseThreshold,
		historyCap:     cfg.HistoryCap,
	}
}

// TryAcquire attempts to take the lock for layerID. Returns false if the
// identity is unregistered, the lock is held (by anyone, including layerID:
// re-entrant acquisition is disallowed), or the post-release cooldown has not
// elapsed. A stale hold is force-released before the attempt is evaluated.
//
// False means "do not proceed" — it is part of the protocol, never a fault.
func (l *Lock) TryAcquire(layerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.layers[layerID] {
		l.logger.Printf("sendlock: rejected acquire from unregistered layer %q", layerID)
		return false
	}

	l.checkAndForceReleaseLocked()

	now := l.clk.Now()
	if l.held {
		l.blocked++
		l.appendEvent(Event{Kind: EventBlocked, Layer: layerID, At: now})
		return false
	}
	if !l.lastRelease.IsZero() && now.Sub(l.lastRelease) < l.cooldown {
		l.cooldowns++
		l.appendEvent(Event{Kind: EventCooldown, Layer: layerID, At: now})
		return false
	}

	l.held = true
	l.holder = layerID
	l.acquiredAt = now
	l.acquisitions++
	l.appendEvent(Event{Kind: EventAcquire, Layer: layerID, At: now})
	return true
}

// Release gives up the lock held by layerID. Returns false if no lock is
// held or layerID is not the holder; an ownership mismatch is logged as an
// error and leaves the holder's lock untouched.
func (l *Lock) Release(layerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		l.logger.Printf("sendlock: release from %q but no lock is held", layerID)
		return false
	}
	if l.holder != layerID {
		l.logger.Printf("sendlock: ownership violation: %q tried to release lock held by %q", layerID, l.holder)
		return false
	}

	// Clear state before any bookkeeping so a fault below can never leave
	// the lock held (the release-path equivalent of error_recovery).
	now := l.clk.Now()
	heldFor := now.Sub(l.acquiredAt)
	l.clearLocked(now)

	l.releases++
	l.appendEvent(Event{Kind: EventRelease, Layer: layerID, At: now, HeldFor: heldFor})
	return true
}

// ForceRelease unconditionally clears the lock regardless of holder.
// Used for staleness recovery and crash cleanup. No-op when nothing is held.
func (l *Lock) ForceRelease(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forceReleaseLocked(reason)
}

// Holder reports the current holder, if any.
func (l *Lock) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.held
}

// Metrics returns a snapshot of the counters and the trailing history window.
func (l *Lock) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	eff := 0.0
	if l.acquisitions > 0 {
		eff = float64(l.releases) / float64(l.acquisitions)
	}
	hist := make([]Event, len(l.history))
	copy(hist, l.history)
	return Metrics{
		Acquisitions:       l.acquisitions,
		Releases:           l.releases,
		BlockedAttempts:    l.blocked,
		CooldownRejections: l.cooldowns,
		ForcedReleases:     l.forced,
		Efficiency:         eff,
		History:            hist,
	}
}

// checkAndForceReleaseLocked force-releases a stale hold. Idempotent no-op
// when the lock is free or fresh. Caller must hold l.mu.
func (l *Lock) checkAndForceReleaseLocked() {
	if !l.held {
		return
	}
	if l.clk.Now().Sub(l.acquiredAt) <= l.forceThreshold {
		return
	}
	l.logger.Printf("sendlock: warning: lock held by %q for over %s, force-releasing", l.holder, l.forceThreshold)
	l.forceReleaseLocked(ForceReleaseReasonStale)
}

// forceReleaseLocked clears the lock and records the forced release.
// Caller must hold l.mu.
func (l *Lock) forceReleaseLocked(reason string) {
	if !l.held {
		return
	}
	now := l.clk.Now()
	heldFor := now.Sub(l.acquiredAt)
	holder := l.holder

	// Reset the hold without stamping lastRelease: the cooldown exists to
	// pace voluntary release/re-acquire cycles, and starting it here would
	// reject the very acquisition that triggered staleness recovery.
	l.held = false
	l.holder = ""
	l.acquiredAt = time.Time{}

	l.forced++
	l.appendEvent(Event{Kind: EventForceRelease, Layer: holder, Reason: reason, At: now, HeldFor: heldFor})
}

// clearLocked resets hold state and stamps lastRelease. Caller must hold l.mu.
func (l *Lock) clearLocked(now time.Time) {
	l.held = false
	l.holder = ""
	l.acquiredAt = time.Time{}
	l.lastRelease = now
}

// appendEvent records an event, evicting the oldest past the cap.
func (l *Lock) appendEvent(e Event) {
	l.history = append(l.history, e)
	if len(l.history) > l.historyCap {
		l.history = l.history[len(l.history)-l.historyCap:]
	}
}
