package board

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reconciler turns bursty change feed events into at most one full reload.
// Two states: idle and pending. The first Notify starts a trailing-edge
// debounce timer; further events reset it. When the timer fires the reload is
// dropped if the suppression lease is active (the event is presumed to be an
// echo of this session's own write), otherwise the collection is reloaded
// wholesale and the local order store replaced.
type Reconciler struct {
	debounce time.Duration
	lease    *SuppressionLease
	reload   func()
	logger   *log.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	reloads    atomic.Uint64
	suppressed atomic.Uint64
}

func NewReconciler(debounce time.Duration, lease *SuppressionLease, reload func(), logger *log.Logger) *Reconciler {
	return &Reconciler{
		debounce: debounce,
		lease:    lease,
		reload:   reload,
		logger:   logger,
	}
}

// Notify records a change feed event. Safe to call from any goroutine.
func (r *Reconciler) Notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Reset(r.debounce)
		return
	}
	r.timer = time.AfterFunc(r.debounce, r.fire)
}

func (r *Reconciler) fire() {
	r.mu.Lock()
	r.timer = nil
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	if r.lease.Active() {
		r.suppressed.Add(1)
		r.logger.Debug("change feed event suppressed as self-echo")
		return
	}
	r.reloads.Add(1)
	r.reload()
}

// Stop cancels any pending reload. Notify becomes a no-op afterwards.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Reloads returns how many reloads have been performed.
func (r *Reconciler) Reloads() uint64 { return r.reloads.Load() }

// Suppressed returns how many debounced events were dropped by the lease.
func (r *Reconciler) Suppressed() uint64 { return r.suppressed.Load() }
