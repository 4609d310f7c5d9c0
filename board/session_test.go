package board

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/danielbech/machi-os-sub000/domain"
)

// fakeFeed delivers notifications synchronously to registered callbacks.
type fakeFeed struct {
	mu  sync.Mutex
	fns map[string][]func(string)
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{fns: make(map[string][]func(string))}
}

func (f *fakeFeed) Subscribe(table string, fn func(scopeID string)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[table] = append(f.fns[table], fn)
	return func() {}, nil
}

func (f *fakeFeed) emit(table, scopeID string) {
	f.mu.Lock()
	fns := make([]func(string), len(f.fns[table]))
	copy(fns, f.fns[table])
	f.mu.Unlock()
	for _, fn := range fns {
		fn(scopeID)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconcileDebounce = 5 * time.Millisecond
	cfg.RolloverCheckInterval = time.Hour
	cfg.WriterTuning(2, time.Millisecond, 2*time.Millisecond, time.Second)
	return cfg
}

func TestSessionLoadsCollectionOnCreate(t *testing.T) {
	gw := newFakeGateway()
	gw.tasks["a"] = domain.Task{ID: "a", Day: "monday"}
	gw.folders["f1"] = domain.Folder{ID: "f1", Client: "acme"}
	logger, _ := test.NewNullLogger()

	s, err := NewSession(context.Background(), "scope-1", gw, nil, testConfig(), logger)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)

	if s.Store.Len() != 1 {
		t.Fatalf("store size after load = %d", s.Store.Len())
	}
	if folders := s.Store.Folders(); len(folders) != 1 || folders[0].ID != "f1" {
		t.Fatalf("folders after load: %#v", folders)
	}
}

func TestSessionReconcilesOnFeedEvent(t *testing.T) {
	gw := newFakeGateway()
	feed := newFakeFeed()
	logger, _ := test.NewNullLogger()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	cfg := testConfig()
	cfg.Now = clock.Now
	// Marker up to date so the startup rollover check does not arm the lease.
	gw.settings.RolloverMarker = domain.PeriodStart(clock.Now(), gw.settings.Weekday(), gw.settings.Hour()).Unix()

	s, err := NewSession(context.Background(), "scope-1", gw, feed, cfg, logger)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)

	// A remote write lands in the gateway and the feed announces it.
	gw.mu.Lock()
	gw.tasks["remote"] = domain.Task{ID: "remote", Day: "friday"}
	gw.mu.Unlock()
	feed.emit("tasks", "scope-1")

	waitFor(t, time.Second, func() bool {
		_, ok := s.Store.Get("remote")
		return ok
	})

	// Events for other scopes are ignored.
	gw.mu.Lock()
	gw.tasks["other"] = domain.Task{ID: "other", Day: "friday"}
	gw.mu.Unlock()
	feed.emit("tasks", "scope-2")
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Store.Get("other"); ok {
		t.Fatal("reload fired for a foreign scope's event")
	}
}

func TestSessionSuppressesOwnEcho(t *testing.T) {
	gw := newFakeGateway()
	feed := newFakeFeed()
	logger, _ := test.NewNullLogger()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	cfg := testConfig()
	cfg.Now = clock.Now

	s, err := NewSession(context.Background(), "scope-1", gw, feed, cfg, logger)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)

	created, _ := s.Mutator.CreateTask(domain.Task{Title: "mine", Day: "monday"})
	s.Mutator.Flush()
	feed.emit("tasks", "scope-1")

	waitFor(t, time.Second, func() bool { return s.Reconciler.Suppressed() == 1 })
	if s.Reconciler.Reloads() != 0 {
		t.Fatalf("echo caused a reload")
	}
	// The optimistic row is still present under its durable id.
	if _, ok := s.Store.Get(s.Store.ResolveID(created.ID)); !ok {
		t.Fatal("optimistic row lost")
	}
}

func TestManagerReturnsSameSessionPerScope(t *testing.T) {
	gw := newFakeGateway()
	logger, _ := test.NewNullLogger()
	mgr := NewManager(gw, nil, testConfig(), logger)
	t.Cleanup(mgr.Close)

	a, err := mgr.Session(context.Background(), "scope-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	b, err := mgr.Session(context.Background(), "scope-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if a != b {
		t.Fatal("manager created two sessions for one scope")
	}
	c, err := mgr.Session(context.Background(), "scope-2")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if c == a {
		t.Fatal("distinct scopes share a session")
	}
}

func TestSessionDisplayPeriodStart(t *testing.T) {
	gw := newFakeGateway()
	logger, _ := test.NewNullLogger()

	now := time.Date(2026, 1, 14, 15, 0, 0, 0, time.UTC)
	boundary := domain.PeriodStart(now, time.Monday, 4)
	gw.settings.RolloverMarker = boundary.Unix()

	cfg := testConfig()
	cfg.Now = func() time.Time { return now }
	s, err := NewSession(context.Background(), "scope-1", gw, nil, cfg, logger)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)

	got, err := s.DisplayPeriodStart(context.Background(), func() time.Time { return now })
	if err != nil {
		t.Fatalf("DisplayPeriodStart: %v", err)
	}
	if want := boundary.AddDate(0, 0, 7).Unix(); got != want {
		t.Fatalf("DisplayPeriodStart = %d, want %d", got, want)
	}
}

func TestSessionCloseDoesNotRaceStartupRollover(t *testing.T) {
	logger, _ := test.NewNullLogger()
	// A stale marker makes the rollover loop fire its immediate check; closing
	// right away must join that check instead of tearing the writer down under
	// its enqueue.
	for i := 0; i < 25; i++ {
		gw := newFakeGateway()
		gw.tasks["a"] = domain.Task{ID: "a", Day: "monday", Done: true}
		s, err := NewSession(context.Background(), "scope-1", gw, nil, testConfig(), logger)
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		s.Close()
	}
}
