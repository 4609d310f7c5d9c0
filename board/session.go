package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/danielbech/machi-os-sub000/domain"
)

// Session binds the engine components for one board scope: the local order
// store, the mutation protocol, the debounced reconciler and the rollover
// machine, wired to the gateway and the change feed.
type Session struct {
	ScopeID    string
	Store      *Store
	Mutator    *Mutator
	Reconciler *Reconciler
	Rollover   *Rollover

	gw           Gateway
	logger       *log.Logger
	cancel       context.CancelFunc
	rolloverDone chan struct{}
	unsubs       []func()
}

// NewSession creates a session and performs the initial load. The feed may be
// nil, in which case the session never reconciles (useful in tests that drive
// the reconciler directly).
func NewSession(ctx context.Context, scopeID string, gw Gateway, feed Feed, cfg Config, logger *log.Logger) (*Session, error) {
	cfg = cfg.withDefaults()

	store := NewStore()
	lease := NewSuppressionLease(cfg.Now)
	mutator := NewMutator(scopeID, store, gw, lease, cfg, logger)

	s := &Session{
		ScopeID: scopeID,
		Store:   store,
		Mutator: mutator,
		gw:      gw,
		logger:  logger,
	}
	if err := s.load(ctx); err != nil {
		mutator.Close()
		return nil, err
	}

	s.Reconciler = NewReconciler(cfg.ReconcileDebounce, lease, func() {
		reloadCtx, cancel := context.WithTimeout(context.Background(), cfg.Writer.writeTimeout)
		defer cancel()
		if err := s.load(reloadCtx); err != nil {
			logger.WithError(err).WithField("scope", scopeID).Error("collection reload failed")
		}
	}, logger)
	s.Rollover = NewRollover(scopeID, store, gw, mutator, cfg.Now, logger)

	if feed != nil {
		for _, table := range []string{"tasks", "folders"} {
			unsub, err := feed.Subscribe(table, func(changedScope string) {
				if changedScope == "" || changedScope == scopeID {
					s.Reconciler.Notify()
				}
			})
			if err != nil {
				s.Close()
				return nil, err
			}
			s.unsubs = append(s.unsubs, unsub)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.rolloverDone = make(chan struct{})
	go func() {
		defer close(s.rolloverDone)
		s.Rollover.Run(runCtx, cfg.RolloverCheckInterval)
	}()

	return s, nil
}

func (s *Session) load(ctx context.Context) error {
	tasks, err := s.gw.LoadCollection(ctx, s.ScopeID)
	if err != nil {
		return err
	}
	folders, err := s.gw.LoadFolders(ctx, s.ScopeID)
	if err != nil {
		return err
	}
	if s.Mutator != nil {
		s.Mutator.ReplaceAll(tasks, folders)
	} else {
		s.Store.Replace(tasks, folders)
	}
	return nil
}

// Close unsubscribes from the feed, stops the rollover loop and drains the
// write pipeline. The rollover goroutine is joined before the pipeline shuts
// down so an in-flight check cannot race the writer teardown.
func (s *Session) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.Reconciler != nil {
		s.Reconciler.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.rolloverDone != nil {
		<-s.rolloverDone
	}
	s.Mutator.Close()
}

// DisplayPeriodStart reports the period start clients should render, taking
// the rollover marker into account.
func (s *Session) DisplayPeriodStart(ctx context.Context, now func() time.Time) (int64, error) {
	settings, err := s.gw.LoadSettings(ctx, s.ScopeID)
	if err != nil {
		return 0, err
	}
	return domain.DisplayPeriodStart(now(), settings.RolloverMarker, settings.Weekday(), settings.Hour()).Unix(), nil
}

// Manager lazily creates one session per scope id.
type Manager struct {
	mu       sync.Mutex
	gw       Gateway
	feed     Feed
	cfg      Config
	logger   *log.Logger
	sessions map[string]*Session
}

func NewManager(gw Gateway, feed Feed, cfg Config, logger *log.Logger) *Manager {
	return &Manager{
		gw:       gw,
		feed:     feed,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Session returns the engine for the given scope, creating and loading it on
// first use.
func (m *Manager) Session(ctx context.Context, scopeID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[scopeID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := NewSession(ctx, scopeID, m.gw, m.feed, m.cfg, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[scopeID]; ok {
		go s.Close()
		return existing, nil
	}
	m.sessions[scopeID] = s
	return s, nil
}

// Close shuts every session down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Close()
	}
	m.sessions = make(map[string]*Session)
}
