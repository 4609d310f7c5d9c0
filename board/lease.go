package board

import (
	"sync"
	"time"
)

// SuppressionLease tracks the window during which change feed events are
// presumed to be echoes of this session's own writes. Every mutation arms the
// lease immediately before its write is handed off; the reconciler drops
// reloads while the lease is active. The lease is an expiry timestamp against
// an injected clock rather than a bare flag so tests can drive it
// deterministically.
type SuppressionLease struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

// NewSuppressionLease creates a lease using the given clock, or time.Now when
// nil.
func NewSuppressionLease(now func() time.Time) *SuppressionLease {
	if now == nil {
		now = time.Now
	}
	return &SuppressionLease{now: now}
}

// Arm extends the lease to at least window from now. An already longer lease
// is never shortened.
func (l *SuppressionLease) Arm(window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry := l.now().Add(window)
	if expiry.After(l.until) {
		l.until = expiry
	}
}

// Active reports whether the lease has not yet expired. Leases are not
// cancellable; they simply lapse.
func (l *SuppressionLease) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.until)
}
