// Package sync mirrors an organization's appointments from the change feed
// into ordered in-memory state and tracks connection health. The mirror is
// observe-only: it never mutates the backend, and on transport failure the
// last mirrored state stays visible.
package sync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/feed"
	"github.com/clinicdesk/backend/models"
	"github.com/clinicdesk/backend/notify"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateGivingUp is terminal: the reconnect budget is exhausted and only
	// an explicit Refresh will restart the loop.
	StateGivingUp
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGivingUp:
		return "giving_up"
	default:
		return "disconnected"
	}
}

type Filter string

const (
	FilterAll   Filter = "all"
	FilterToday Filter = "today"
)

type Options struct {
	// Notify enables change toasts through Toasts.
	Notify bool
	Toasts *notify.Toaster

	// Reconnect policy. MaxAttempts counts consecutive failures before the
	// syncer gives up; a successful connect resets the budget.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
}

// Syncer maintains the live mirror for one organization.
type Syncer struct {
	source feed.Source
	orgID  string
	opts   Options
	logger *zap.Logger

	mu           sync.RWMutex
	appointments []models.Appointment
	state        State
	lastErr      error
	listeners    map[int]chan feed.Event
	nextListener int

	now func() time.Time
	rng *rand.Rand

	refresh   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// New creates a Syncer seeded with an initial snapshot. Call Start to open
// the subscription.
func New(source feed.Source, orgID string, initial []models.Appointment, logger *zap.Logger, opts Options) *Syncer {
	opts.withDefaults()
	appointments := make([]models.Appointment, len(initial))
	copy(appointments, initial)

	return &Syncer{
		source:       source,
		orgID:        orgID,
		opts:         opts,
		logger:       logger,
		appointments: appointments,
		state:        StateDisconnected,
		listeners:    make(map[int]chan feed.Event),
		now:          time.Now,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		refresh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the subscription loop. Safe to call once.
func (s *Syncer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Close tears down the subscription and waits for the loop to exit.
func (s *Syncer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Done is closed once the loop has fully stopped.
func (s *Syncer) Done() <-chan struct{} { return s.done }

// Refresh tears down the current subscription and reconnects immediately,
// resetting the backoff budget. It is the manual escape from both transient
// disconnects and the giving-up state.
func (s *Syncer) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

func (s *Syncer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Syncer) IsConnected() bool { return s.State() == StateConnected }

// Err returns the last transport error, or nil.
func (s *Syncer) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Appointments returns a copy of the mirrored list, optionally narrowed to
// today's local calendar day.
func (s *Syncer) Appointments(filter Filter) []models.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Appointment, 0, len(s.appointments))
	now := s.now()
	for _, a := range s.appointments {
		if filter == FilterToday && !a.OccursOn(now) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Subscribe delivers every applied feed event to the returned channel until
// the cancel func is called. Slow consumers lose events rather than block
// the mirror.
func (s *Syncer) Subscribe() (<-chan feed.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListener++
	id := s.nextListener
	ch := make(chan feed.Event, 16)
	s.listeners[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		s.setState(StateConnecting, nil)

		sub, err := s.source.Subscribe(ctx, s.orgID)
		if err != nil {
			s.setState(StateDisconnected, err)
			if !s.backoff(ctx, &attempt) {
				return
			}
			continue
		}

		if !s.awaitReady(ctx, sub, &attempt) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		attempt = 0
		s.setState(StateConnected, nil)
		s.logger.Info("appointment feed connected", zap.String("org_id", s.orgID))

		if !s.consume(ctx, sub, &attempt) {
			return
		}
	}
}

// awaitReady waits for subscription confirmation. Returns false if the loop
// should re-enter connecting (or exit on ctx cancellation).
func (s *Syncer) awaitReady(ctx context.Context, sub feed.Subscription, attempt *int) bool {
	select {
	case <-sub.Ready():
		return true
	case err := <-sub.Err():
		sub.Close()
		s.setState(StateDisconnected, err)
		return s.backoff(ctx, attempt)
	case <-s.refresh:
		sub.Close()
		*attempt = 0
		return false
	case <-ctx.Done():
		sub.Close()
		s.setState(StateDisconnected, nil)
		return false
	}
}

// consume applies events until the subscription dies, a refresh is requested
// or the context is cancelled. Returns false only when the loop must exit.
func (s *Syncer) consume(ctx context.Context, sub feed.Subscription, attempt *int) bool {
	defer sub.Close()

	for {
		select {
		case event := <-sub.Events():
			s.apply(event)
		case err := <-sub.Err():
			s.setState(StateDisconnected, err)
			s.logger.Warn("appointment feed dropped",
				zap.String("org_id", s.orgID),
				zap.Error(err))
			return s.backoff(ctx, attempt)
		case <-s.refresh:
			*attempt = 0
			s.setState(StateDisconnected, nil)
			return true
		case <-ctx.Done():
			s.setState(StateDisconnected, nil)
			return false
		}
	}
}

// backoff sleeps for an exponentially growing, jittered delay. Returns false
// when the attempt budget is exhausted (terminal) or the context is done. A
// Refresh during the wait retries immediately with a fresh budget.
func (s *Syncer) backoff(ctx context.Context, attempt *int) bool {
	if *attempt >= s.opts.MaxAttempts {
		s.mu.Lock()
		s.state = StateGivingUp
		s.mu.Unlock()
		s.logger.Error("giving up on appointment feed",
			zap.String("org_id", s.orgID),
			zap.Int("attempts", *attempt))

		// Only an explicit refresh revives the loop from here.
		select {
		case <-s.refresh:
			*attempt = 0
			return true
		case <-ctx.Done():
			return false
		}
	}

	delay := s.opts.BaseDelay << uint(*attempt)
	if delay > s.opts.MaxDelay {
		delay = s.opts.MaxDelay
	}
	// Jitter in [delay/2, delay).
	delay = delay/2 + time.Duration(s.rng.Int63n(int64(delay/2)+1))
	*attempt++

	select {
	case <-time.After(delay):
		return true
	case <-s.refresh:
		*attempt = 0
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Syncer) apply(event feed.Event) {
	id := event.AppointmentID()

	s.mu.Lock()
	var toasts []func(*notify.Toaster)

	switch event.Type {
	case feed.EventInsert:
		if event.New == nil {
			s.mu.Unlock()
			return
		}
		if s.indexOfLocked(id) >= 0 {
			// Duplicate delivery; the row is already mirrored.
			s.mu.Unlock()
			return
		}
		s.appointments = append(s.appointments, *event.New)
		if event.New.Status == models.StatusPending {
			toasts = append(toasts, func(t *notify.Toaster) {
				t.Info("New pending appointment awaiting confirmation")
			})
		} else {
			toasts = append(toasts, func(t *notify.Toaster) {
				t.Success("New appointment created")
			})
		}

	case feed.EventUpdate:
		if event.New == nil {
			s.mu.Unlock()
			return
		}
		idx := s.indexOfLocked(id)
		if idx >= 0 {
			prev := s.appointments[idx]
			s.appointments[idx] = *event.New
			if prev.Status != event.New.Status {
				msg := fmt.Sprintf("Appointment status changed from %s to %s", prev.Status, event.New.Status)
				toasts = append(toasts, func(t *notify.Toaster) { t.Info(msg) })
			}
		} else {
			// Update for a row we never saw; adopt it so the mirror converges.
			s.appointments = append(s.appointments, *event.New)
		}

	case feed.EventDelete:
		idx := s.indexOfLocked(id)
		if idx < 0 {
			s.mu.Unlock()
			return
		}
		s.appointments = append(s.appointments[:idx], s.appointments[idx+1:]...)
		toasts = append(toasts, func(t *notify.Toaster) {
			t.Info("Appointment removed")
		})

	default:
		s.mu.Unlock()
		return
	}

	chans := make([]chan feed.Event, 0, len(s.listeners))
	for _, ch := range s.listeners {
		chans = append(chans, ch)
	}
	notifyEnabled := s.opts.Notify && s.opts.Toasts != nil
	s.mu.Unlock()

	if notifyEnabled {
		for _, show := range toasts {
			show(s.opts.Toasts)
		}
	}

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			s.logger.Debug("dropping sync event for slow listener",
				zap.String("org_id", s.orgID))
		}
	}
}

func (s *Syncer) indexOfLocked(id uuid.UUID) int {
	for i, a := range s.appointments {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (s *Syncer) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.lastErr = err
	} else if state == StateConnected {
		s.lastErr = nil
	}
	s.mu.Unlock()
}
