package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicdesk/backend/feed"
	"github.com/clinicdesk/backend/models"
)

// LoadFunc fetches the authoritative snapshot used to seed a new Syncer.
type LoadFunc func(ctx context.Context, orgID string) ([]models.Appointment, error)

// AttachFunc is called once per live Syncer so side consumers (reminder
// scheduling, metrics) can hook in. The returned detach func runs when the
// Syncer is torn down.
type AttachFunc func(orgID string, s *Syncer) (detach func())

// Manager shares one Syncer per organization across all consumers instead of
// opening a redundant subscription per caller. Entries are reference-counted
// and torn down when the last consumer releases.
type Manager struct {
	source feed.Source
	load   LoadFunc
	attach AttachFunc
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	syncer *Syncer
	refs   int
	detach func()
}

func NewManager(source feed.Source, load LoadFunc, logger *zap.Logger, opts Options) *Manager {
	return &Manager{
		source:  source,
		load:    load,
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// SetAttach registers the per-Syncer side consumer hook. Must be called
// before the first Acquire.
func (m *Manager) SetAttach(attach AttachFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attach = attach
}

// Acquire returns the shared Syncer for the organization, creating and
// starting it on first use. The release func must be called exactly once;
// the last release closes the Syncer.
func (m *Manager) Acquire(ctx context.Context, orgID string) (*Syncer, func(), error) {
	m.mu.Lock()
	if e, ok := m.entries[orgID]; ok {
		e.refs++
		m.mu.Unlock()
		return e.syncer, m.releaseFunc(orgID), nil
	}
	m.mu.Unlock()

	// Load outside the lock; snapshot queries can be slow.
	initial, err := m.load(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Lost the race: someone else created the entry while we were loading.
	if e, ok := m.entries[orgID]; ok {
		e.refs++
		return e.syncer, m.releaseFunc(orgID), nil
	}

	s := New(m.source, orgID, initial, m.logger, m.opts)
	s.Start(context.Background())

	e := &entry{syncer: s, refs: 1}
	if m.attach != nil {
		e.detach = m.attach(orgID, s)
	}
	m.entries[orgID] = e

	m.logger.Info("sync manager opened feed",
		zap.String("org_id", orgID),
		zap.Int("initial_rows", len(initial)))

	return s, m.releaseFunc(orgID), nil
}

func (m *Manager) releaseFunc(orgID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(orgID)
		})
	}
}

func (m *Manager) release(orgID string) {
	m.mu.Lock()
	e, ok := m.entries[orgID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, orgID)
	m.mu.Unlock()

	if e.detach != nil {
		e.detach()
	}
	e.syncer.Close()

	m.logger.Info("sync manager closed feed", zap.String("org_id", orgID))
}

// Close tears down every live Syncer.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for orgID, e := range entries {
		if e.detach != nil {
			e.detach()
		}
		e.syncer.Close()
		m.logger.Info("sync manager closed feed", zap.String("org_id", orgID))
	}
}
