package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trip-checkout/internal/backend"
	"github.com/wolfman30/trip-checkout/internal/booking"
	"github.com/wolfman30/trip-checkout/internal/catalog"
	"github.com/wolfman30/trip-checkout/internal/quote"
	"github.com/wolfman30/trip-checkout/pkg/logging"
)

// ErrSessionNotFound is returned for unknown or evicted session ids.
var ErrSessionNotFound = errors.New("wizard: session not found")

const defaultIdleTimeout = 30 * time.Minute

// CatalogSource loads trip catalogs.
type CatalogSource interface {
	Get(ctx context.Context, tripID int) (*catalog.Catalog, error)
}

// DraftStore persists draft snapshots between process restarts.
type DraftStore interface {
	Save(ctx context.Context, sessionID string, snap booking.Snapshot) error
	Load(ctx context.Context, sessionID string) (*booking.Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
}

// Manager keeps the live sessions of one process.
type Manager struct {
	deps        Deps
	catalogs    CatalogSource
	drafts      DraftStore
	idleTimeout time.Duration
	logger      *logging.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager. Quote cycles of its sessions run until
// Close is called or the session is evicted.
func NewManager(deps Deps, catalogs CatalogSource, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:        deps,
		catalogs:    catalogs,
		idleTimeout: defaultIdleTimeout,
		logger:      logger,
		base:        base,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
}

// WithDrafts enables draft snapshots. A nil store disables them.
func (m *Manager) WithDrafts(store DraftStore) *Manager {
	m.drafts = store
	return m
}

func (m *Manager) WithIdleTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.idleTimeout = d
	}
	return m
}

// Create starts a booking session for a trip.
func (m *Manager) Create(ctx context.Context, tripID int) (*Session, error) {
	cat, err := m.catalogs.Get(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("wizard: load catalog: %w", err)
	}
	s := newSession(m.base, uuid.NewString(), cat, m.deps, false)
	m.add(s)
	m.logger.Info("booking session created", "session_id", s.ID, "trip_id", tripID)
	return s, nil
}

// CreateInstallment starts a session for the installment page around a
// payment session the server already created.
func (m *Manager) CreateInstallment(ctx context.Context, sess backend.PaymentSession, target quote.Target) (*Session, error) {
	s := newSession(m.base, uuid.NewString(), nil, m.deps, true)
	if err := s.adoptInstallment(sess, target); err != nil {
		s.Close()
		return nil, err
	}
	m.add(s)
	m.logger.Info("installment session created", "session_id", s.ID, "booking_id", sess.BookingID)
	return s, nil
}

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.deps.Metrics.SetActiveSessions(n)
}

// Get returns a live session. A session evicted from memory (or lost in a
// restart) is rebuilt from its draft snapshot when one exists.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.touch()
		return s, nil
	}
	if m.drafts == nil {
		return nil, ErrSessionNotFound
	}

	snap, err := m.drafts.Load(ctx, id)
	if err != nil {
		m.logger.Warn("draft snapshot load failed", "session_id", id, "error", err)
		return nil, ErrSessionNotFound
	}
	if snap == nil {
		return nil, ErrSessionNotFound
	}
	cat, err := m.catalogs.Get(ctx, snap.TripID)
	if err != nil {
		return nil, fmt.Errorf("wizard: load catalog: %w", err)
	}

	restored := newSession(m.base, id, cat, m.deps, false)
	restored.Restore(*snap)

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		// another request restored it first
		m.mu.Unlock()
		restored.Close()
		return existing, nil
	}
	m.sessions[id] = restored
	n := len(m.sessions)
	m.mu.Unlock()
	m.deps.Metrics.SetActiveSessions(n)

	m.logger.Info("booking session restored", "session_id", id, "step", restored.Step())
	return restored, nil
}

// Save snapshots the draft of a wizard session. Failures are logged only.
func (m *Manager) Save(ctx context.Context, s *Session) {
	if m.drafts == nil || s.installment {
		return
	}
	if err := m.drafts.Save(ctx, s.ID, s.Snapshot()); err != nil {
		m.logger.Warn("draft snapshot save failed", "session_id", s.ID, "error", err)
	}
}

// Remove closes a session and deletes its snapshot.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	m.deps.Metrics.SetActiveSessions(n)
	if m.drafts != nil {
		if err := m.drafts.Delete(ctx, id); err != nil {
			m.logger.Warn("draft snapshot delete failed", "session_id", id, "error", err)
		}
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle closes sessions unused for longer than the idle timeout. Their
// snapshots are kept so the buyer can resume.
func (m *Manager) EvictIdle() int {
	cutoff := m.deps.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, s := range idle {
		m.Save(context.Background(), s)
		s.Close()
	}
	if len(idle) > 0 {
		m.deps.Metrics.SetActiveSessions(n)
		m.logger.Info("evicted idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Run evicts idle sessions periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// Close stops every session, saving wizard drafts first.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.Save(ctx, s)
		s.Close()
	}
	m.cancel()
	m.deps.Metrics.SetActiveSessions(0)
}
