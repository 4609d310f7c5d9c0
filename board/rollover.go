package board

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/danielbech/machi-os-sub000/domain"
)

// RolloverResult is the user-facing outcome of one rollover check.
type RolloverResult struct {
	Deleted     int `json:"deletedCount"`
	CarriedOver int `json:"carriedOverCount"`
}

// Rollover is the weekly transition state machine. There is no server-side
// scheduler: every session polls Check on an interval and on load, and the
// persisted marker makes the rollover fire exactly once per period no matter
// how many sessions race on the boundary.
type Rollover struct {
	scopeID string
	store   *Store
	gw      Gateway
	mutator *Mutator
	now     func() time.Time
	logger  *log.Logger
}

func NewRollover(scopeID string, store *Store, gw Gateway, mutator *Mutator, now func() time.Time, logger *log.Logger) *Rollover {
	if now == nil {
		now = time.Now
	}
	return &Rollover{
		scopeID: scopeID,
		store:   store,
		gw:      gw,
		mutator: mutator,
		now:     now,
		logger:  logger,
	}
}

// Check compares now against the configured boundary and the persisted marker
// and performs the rollover when due. Repeated checks with an up-to-date
// marker are no-ops returning zero counts.
func (r *Rollover) Check(ctx context.Context) (RolloverResult, error) {
	settings, err := r.gw.LoadSettings(ctx, r.scopeID)
	if err != nil {
		return RolloverResult{}, err
	}
	now := r.now()
	boundary := domain.PeriodStart(now, settings.Weekday(), settings.Hour())
	if now.Before(boundary) || settings.RolloverMarker == boundary.Unix() {
		return RolloverResult{}, nil
	}

	discard, carried := r.partition(settings.Weekday())

	// The marker is written first so a concurrent tab checking right after
	// sees the period as processed. Losing the race means both tabs compute
	// the same carry-over, which converges under last-write-wins.
	if err := r.gw.SaveRolloverMarker(ctx, r.scopeID, boundary.Unix()); err != nil {
		return RolloverResult{}, err
	}

	r.mutator.applyRollover(discard, carried)
	r.logger.WithFields(log.Fields{
		"scope":   r.scopeID,
		"period":  boundary.Format(time.RFC3339),
		"deleted": len(discard),
		"carried": len(carried),
	}).Info("weekly rollover fired")

	return RolloverResult{Deleted: len(discard), CarriedOver: len(carried)}, nil
}

// partition splits the board-column tasks into the discard set (notes and
// completed tasks) and the carry-over set, re-homed to the first day of the
// new period with dense ordinals in their original relative order.
func (r *Rollover) partition(weekday time.Weekday) ([]string, []domain.Task) {
	snapshot := r.store.Snapshot()

	var board []domain.Task
	for _, t := range snapshot {
		if t.Day != "" {
			board = append(board, t)
		}
	}
	sort.SliceStable(board, func(i, j int) bool {
		if board[i].Day != board[j].Day {
			return dayIndex(board[i].Day) < dayIndex(board[j].Day)
		}
		return board[i].Order < board[j].Order
	})

	var discard []string
	var carried []domain.Task
	firstDay := domain.DayName(weekday)
	for _, t := range board {
		if t.Kind == domain.KindNote || t.Done {
			discard = append(discard, t.ID)
			continue
		}
		moved := t.Clone()
		moved.Day = firstDay
		moved.Order = len(carried)
		carried = append(carried, moved)
	}
	return discard, carried
}

// Run polls Check immediately and then on the configured interval until the
// context is cancelled. Errors are logged; the next tick retries.
func (r *Rollover) Run(ctx context.Context, interval time.Duration) {
	check := func() {
		if _, err := r.Check(ctx); err != nil {
			r.logger.WithError(err).WithField("scope", r.scopeID).Error("rollover check failed")
		}
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func dayIndex(day string) int {
	for i, d := range domain.Weekdays {
		if d == day {
			return i
		}
	}
	return len(domain.Weekdays)
}
