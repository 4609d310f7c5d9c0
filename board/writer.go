package board

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeJob is one asynchronous gateway write issued by the mutation protocol.
type writeJob struct {
	kind  string
	ids   []string
	apply func(ctx context.Context) error
}

type writerConfig struct {
	bufferSize     int
	writeTimeout   time.Duration
	handoffTimeout time.Duration
	maxAttempts    int
	retryInitial   time.Duration
	retryMax       time.Duration
}

func defaultWriterConfig() writerConfig {
	return writerConfig{
		bufferSize:     1024,
		writeTimeout:   30 * time.Second,
		handoffTimeout: 25 * time.Millisecond,
		maxAttempts:    5,
		retryInitial:   250 * time.Millisecond,
		retryMax:       10 * time.Second,
	}
}

// writer drains mutation write jobs to the gateway on a single goroutine so
// optimistic writes reach the gateway in the order the user issued them. Each
// job gets a bounded number of attempts with exponential backoff; when they
// are exhausted the affected rows are marked unsynced in the local store and
// the writer moves on. Local state is never rolled back.
type writer struct {
	cfg    writerConfig
	store  *Store
	logger *log.Logger
	jobs   chan writeJob
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWriter(cfg writerConfig, store *Store, logger *log.Logger) *writer {
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = 1
	}
	w := &writer{
		cfg:    cfg,
		store:  store,
		logger: logger,
		jobs:   make(chan writeJob, cfg.bufferSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue hands a job to the worker. The local mutation has already been
// applied by the time this is called; when the buffer stays saturated past the
// handoff timeout the rows are marked unsynced instead of blocking the caller.
// Sends happen under the writer mutex so a racing close can never hit a closed
// channel; jobs arriving after close mark their rows unsynced instead.
func (w *writer) enqueue(job writeJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.WithField("kind", job.kind).Warn("write pipeline closed, marking rows unsynced")
		w.store.MarkUnsynced(job.ids...)
		return
	}

	select {
	case w.jobs <- job:
		return
	default:
	}

	if w.cfg.handoffTimeout > 0 {
		timer := time.NewTimer(w.cfg.handoffTimeout)
		defer timer.Stop()
		select {
		case w.jobs <- job:
			return
		case <-timer.C:
		}
	}

	w.logger.WithField("kind", job.kind).Warn("write buffer saturated, marking rows unsynced")
	w.store.MarkUnsynced(job.ids...)
}

// flush blocks until every job enqueued before the call has been processed.
// A no-op after close.
func (w *writer) flush() {
	fence := make(chan struct{})
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.jobs <- writeJob{kind: "flush", apply: func(context.Context) error {
		close(fence)
		return nil
	}}
	w.mu.Unlock()
	<-fence
}

// close stops the worker after draining buffered jobs. Idempotent.
func (w *writer) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *writer) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.process(job)
	}
}

func (w *writer) process(job writeJob) {
	var err error
	for attempt := 0; attempt < w.cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(writeBackoff(attempt, w.cfg.retryInitial, w.cfg.retryMax))
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.writeTimeout)
		err = job.apply(ctx)
		cancel()
		if err == nil {
			w.store.ClearUnsynced(job.ids...)
			return
		}
		w.logger.WithError(err).WithFields(log.Fields{"kind": job.kind, "attempt": attempt + 1}).Error("gateway write failed")
	}
	w.logger.WithError(err).WithFields(log.Fields{"kind": job.kind, "rows": len(job.ids)}).Error("gateway write abandoned after retries")
	w.store.MarkUnsynced(job.ids...)
}

func writeBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
