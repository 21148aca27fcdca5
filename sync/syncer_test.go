package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/feed"
	"github.com/clinicdesk/backend/models"
	"github.com/clinicdesk/backend/notify"
)

func appointment(orgID string, status models.AppointmentStatus, start time.Time) models.Appointment {
	return models.Appointment{
		ID:        uuid.New(),
		OrgID:     orgID,
		PatientID: uuid.New(),
		StartTime: start,
		Status:    status,
	}
}

// fakeSub is a hand-driven feed.Subscription.
type fakeSub struct {
	ready  chan struct{}
	events chan feed.Event
	errs   chan error
	closed atomic.Bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		ready:  make(chan struct{}),
		events: make(chan feed.Event, 16),
		errs:   make(chan error, 1),
	}
}

func (s *fakeSub) Ready() <-chan struct{}    { return s.ready }
func (s *fakeSub) Events() <-chan feed.Event { return s.events }
func (s *fakeSub) Err() <-chan error         { return s.errs }
func (s *fakeSub) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeSource scripts Subscribe outcomes: each entry is either an error or a
// subscription handed to the caller.
type fakeSource struct {
	script []error
	calls  atomic.Int32
	subs   chan *fakeSub
}

func newFakeSource(script ...error) *fakeSource {
	return &fakeSource{
		script: script,
		subs:   make(chan *fakeSub, 32),
	}
}

func (f *fakeSource) Subscribe(ctx context.Context, orgID string) (feed.Subscription, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.script) && f.script[n] != nil {
		return nil, f.script[n]
	}
	sub := newFakeSub()
	close(sub.ready)
	f.subs <- sub
	return sub, nil
}

func waitForState(t *testing.T, s *Syncer, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func fastOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestSyncerConnects(t *testing.T) {
	source := newFakeSource()
	s := New(source, "org_1", nil, zap.NewNop(), fastOptions())
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateConnected)
	if !s.IsConnected() {
		t.Fatal("IsConnected() = false after connect")
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v after clean connect, want nil", s.Err())
	}
}

func TestSyncerAppliesInsertUpdateDelete(t *testing.T) {
	source := newFakeSource()
	initial := appointment("org_1", models.StatusPending, time.Now().Add(time.Hour))
	s := New(source, "org_1", []models.Appointment{initial}, zap.NewNop(), fastOptions())
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateConnected)
	sub := <-source.subs

	events, cancel := s.Subscribe()
	defer cancel()

	// Insert
	added := appointment("org_1", models.StatusConfirmed, time.Now().Add(2*time.Hour))
	sub.events <- feed.Event{Type: feed.EventInsert, OrgID: "org_1", New: &added}
	<-events
	if got := len(s.Appointments(FilterAll)); got != 2 {
		t.Fatalf("after insert: %d appointments, want 2", got)
	}

	// Duplicate insert is ignored.
	sub.events <- feed.Event{Type: feed.EventInsert, OrgID: "org_1", New: &added}
	time.Sleep(20 * time.Millisecond)
	if got := len(s.Appointments(FilterAll)); got != 2 {
		t.Fatalf("after duplicate insert: %d appointments, want 2", got)
	}

	// Update replaces in place.
	updated := added
	updated.Status = models.StatusCancelled
	sub.events <- feed.Event{Type: feed.EventUpdate, OrgID: "org_1", Old: &added, New: &updated}
	<-events
	var found bool
	for _, a := range s.Appointments(FilterAll) {
		if a.ID == added.ID {
			found = true
			if a.Status != models.StatusCancelled {
				t.Errorf("updated status = %v, want cancelled", a.Status)
			}
		}
	}
	if !found {
		t.Fatal("updated appointment missing from mirror")
	}

	// Update for an unknown row is adopted.
	stranger := appointment("org_1", models.StatusConfirmed, time.Now().Add(3*time.Hour))
	sub.events <- feed.Event{Type: feed.EventUpdate, OrgID: "org_1", New: &stranger}
	<-events
	if got := len(s.Appointments(FilterAll)); got != 3 {
		t.Fatalf("after adopting update: %d appointments, want 3", got)
	}

	// Delete removes.
	sub.events <- feed.Event{Type: feed.EventDelete, OrgID: "org_1", Old: &added}
	<-events
	for _, a := range s.Appointments(FilterAll) {
		if a.ID == added.ID {
			t.Fatal("deleted appointment still mirrored")
		}
	}
}

func TestAppointmentsTodayFilter(t *testing.T) {
	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.Local)
	today := appointment("org_1", models.StatusConfirmed, now.Add(2*time.Hour))
	tomorrow := appointment("org_1", models.StatusConfirmed, now.Add(26*time.Hour))

	s := New(newFakeSource(), "org_1", []models.Appointment{today, tomorrow}, zap.NewNop(), fastOptions())
	s.now = func() time.Time { return now }

	all := s.Appointments(FilterAll)
	if len(all) != 2 {
		t.Fatalf("FilterAll returned %d, want 2", len(all))
	}

	filtered := s.Appointments(FilterToday)
	if len(filtered) != 1 {
		t.Fatalf("FilterToday returned %d, want 1", len(filtered))
	}
	if filtered[0].ID != today.ID {
		t.Errorf("FilterToday returned wrong appointment")
	}

	// Returned slices are copies; mutating one must not leak into the mirror.
	all[0].Status = models.StatusCancelled
	if s.Appointments(FilterAll)[0].Status == models.StatusCancelled {
		t.Error("Appointments exposed internal state")
	}
}

func TestSyncerToasts(t *testing.T) {
	toaster := notify.NewToaster(nil, nil)
	var toasts []notify.Toast
	cancel := toaster.Subscribe(func(toast notify.Toast) { toasts = append(toasts, toast) })
	defer cancel()

	opts := fastOptions()
	opts.Notify = true
	opts.Toasts = toaster

	source := newFakeSource()
	s := New(source, "org_1", nil, zap.NewNop(), opts)
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateConnected)
	sub := <-source.subs

	events, stop := s.Subscribe()
	defer stop()

	pending := appointment("org_1", models.StatusPending, time.Now().Add(time.Hour))
	sub.events <- feed.Event{Type: feed.EventInsert, OrgID: "org_1", New: &pending}
	<-events

	confirmed := pending
	confirmed.Status = models.StatusConfirmed
	sub.events <- feed.Event{Type: feed.EventUpdate, OrgID: "org_1", Old: &pending, New: &confirmed}
	<-events

	if len(toasts) != 2 {
		t.Fatalf("got %d toasts, want 2: %+v", len(toasts), toasts)
	}
	if toasts[0].Message != "New pending appointment awaiting confirmation" {
		t.Errorf("insert toast = %q", toasts[0].Message)
	}
	if toasts[1].Message != "Appointment status changed from pending to confirmed" {
		t.Errorf("status toast = %q", toasts[1].Message)
	}
}

func TestSyncerGivesUpAfterBudget(t *testing.T) {
	failure := errors.New("broker down")
	// Every subscribe fails.
	source := newFakeSource(failure, failure, failure, failure, failure, failure, failure, failure)

	s := New(source, "org_1", nil, zap.NewNop(), fastOptions())
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateGivingUp)
	if s.Err() == nil {
		t.Error("Err() = nil in giving-up state")
	}
}

func TestRefreshRevivesFromGivingUp(t *testing.T) {
	failure := errors.New("broker down")
	// Fails until the scripted errors run out, then connects.
	source := newFakeSource(failure, failure, failure, failure)

	s := New(source, "org_1", nil, zap.NewNop(), fastOptions())
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateGivingUp)
	s.Refresh()
	waitForState(t, s, StateConnected)
}

func TestStateStaysStaleVisibleOnError(t *testing.T) {
	source := newFakeSource()
	initial := appointment("org_1", models.StatusConfirmed, time.Now().Add(time.Hour))
	s := New(source, "org_1", []models.Appointment{initial}, zap.NewNop(), fastOptions())
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateConnected)
	sub := <-source.subs

	sub.errs <- errors.New("connection reset")

	// The mirror keeps the last state through the reconnect.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := len(s.Appointments(FilterAll)); got != 1 {
			t.Fatalf("mirror lost state during reconnect: %d appointments", got)
		}
		if s.State() == StateConnected && s.calls() > 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// calls reports how many subscriptions the syncer has opened; helper for
// reconnect assertions.
func (s *Syncer) calls() int32 {
	if fs, ok := s.source.(*fakeSource); ok {
		return fs.calls.Load()
	}
	return 0
}
