package board

import (
	"context"
	"time"

	"github.com/danielbech/machi-os-sub000/domain"
)

// Gateway abstracts the durable store behind the engine. Implementations must
// mint a durable id when UpsertTask receives a placeholder-identified row and
// must treat deletes of missing rows as success.
type Gateway interface {
	LoadCollection(ctx context.Context, scopeID string) ([]domain.Task, error)
	UpsertTask(ctx context.Context, scopeID string, t domain.Task) (string, error)
	UpsertTasks(ctx context.Context, scopeID string, tasks []domain.Task) error
	DeleteTask(ctx context.Context, scopeID, id string) error
	DeleteTasks(ctx context.Context, scopeID string, ids []string) error

	LoadFolders(ctx context.Context, scopeID string) ([]domain.Folder, error)
	UpsertFolder(ctx context.Context, scopeID string, f domain.Folder) (string, error)
	DeleteFolder(ctx context.Context, scopeID, id string) error

	LoadSettings(ctx context.Context, scopeID string) (domain.BoardSettings, error)
	SaveRolloverMarker(ctx context.Context, scopeID string, marker int64) error
}

// Feed is the change feed consumed by sessions. Callbacks receive only the
// scope id of the change; no ordering or payload guarantees, duplicates and
// coalesced events allowed.
type Feed interface {
	Subscribe(table string, fn func(scopeID string)) (func(), error)
}

// Config tunes the per-session engine.
type Config struct {
	// SuppressionWindow is how long feed events are treated as self-echoes
	// after a local mutation.
	SuppressionWindow time.Duration
	// ReconcileDebounce is the trailing-edge debounce applied to feed events.
	ReconcileDebounce time.Duration
	// RolloverCheckInterval is how often sessions poll for the weekly boundary.
	RolloverCheckInterval time.Duration
	// Now is the clock used by the lease and the rollover machine. Defaults to
	// time.Now.
	Now func() time.Time

	Writer writerConfig
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		SuppressionWindow:     4 * time.Second,
		ReconcileDebounce:     500 * time.Millisecond,
		RolloverCheckInterval: time.Minute,
		Writer:                defaultWriterConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SuppressionWindow <= 0 {
		c.SuppressionWindow = d.SuppressionWindow
	}
	if c.ReconcileDebounce <= 0 {
		c.ReconcileDebounce = d.ReconcileDebounce
	}
	if c.RolloverCheckInterval <= 0 {
		c.RolloverCheckInterval = d.RolloverCheckInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Writer.bufferSize == 0 && c.Writer.maxAttempts == 0 {
		c.Writer = d.Writer
	}
	return c
}

// WriterTuning overrides the write-through pipeline settings. Zero fields keep
// their defaults.
func (c *Config) WriterTuning(maxAttempts int, retryInitial, retryMax, writeTimeout time.Duration) {
	w := defaultWriterConfig()
	if maxAttempts > 0 {
		w.maxAttempts = maxAttempts
	}
	if retryInitial > 0 {
		w.retryInitial = retryInitial
	}
	if retryMax > 0 {
		w.retryMax = retryMax
	}
	if writeTimeout > 0 {
		w.writeTimeout = writeTimeout
	}
	c.Writer = w
}
