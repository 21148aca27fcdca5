package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryFeed is an in-process feed used by single-binary deployments and
// tests. Delivery order matches publish order per organization.
type MemoryFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySubscription
	logger *zap.Logger
}

func NewMemoryFeed(logger *zap.Logger) *MemoryFeed {
	return &MemoryFeed{
		subs:   make(map[string]map[int]*memorySubscription),
		logger: logger,
	}
}

func (f *MemoryFeed) Publish(ctx context.Context, event Event) error {
	f.mu.Lock()
	targets := make([]*memorySubscription, 0, len(f.subs[event.OrgID]))
	for _, sub := range f.subs[event.OrgID] {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- event:
		default:
			f.logger.Warn("dropping feed event for slow subscriber",
				zap.String("org_id", event.OrgID))
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, orgID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	sub := &memorySubscription{
		id:     f.nextID,
		orgID:  orgID,
		feed:   f,
		ready:  make(chan struct{}),
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
	}
	if f.subs[orgID] == nil {
		f.subs[orgID] = make(map[int]*memorySubscription)
	}
	f.subs[orgID][sub.id] = sub

	// No remote handshake; confirmed immediately.
	close(sub.ready)

	return sub, nil
}

type memorySubscription struct {
	id     int
	orgID  string
	feed   *MemoryFeed
	ready  chan struct{}
	events chan Event
	errs   chan error

	closeOnce sync.Once
}

func (s *memorySubscription) Ready() <-chan struct{} { return s.ready }
func (s *memorySubscription) Events() <-chan Event { return s.events }
func (s *memorySubscription) Err() <-chan error { return s.errs }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs[s.orgID], s.id)
		s.feed.mu.Unlock()
	})
	return nil
}
