package reminder

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/models"
)

func appointmentAt(status models.AppointmentStatus, start time.Time) models.Appointment {
	return models.Appointment{
		ID:        uuid.New(),
		OrgID:     "org_1",
		PatientID: uuid.New(),
		StartTime: start,
		Status:    status,
	}
}

func newTestScheduler(now time.Time) *Scheduler {
	s := NewScheduler(func(models.Appointment, Label) {}, zap.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func TestRescheduleTimerCounts(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.Local)
	farFuture := now.Add(48 * time.Hour)

	cases := []struct {
		name         string
		appointments []models.Appointment
		want         int
	}{
		{"pending far out", []models.Appointment{appointmentAt(models.StatusPending, farFuture)}, 2},
		{"confirmed far out", []models.Appointment{appointmentAt(models.StatusConfirmed, farFuture)}, 3},
		{"completed gets nothing", []models.Appointment{appointmentAt(models.StatusCompleted, farFuture)}, 0},
		{"cancelled gets nothing", []models.Appointment{appointmentAt(models.StatusCancelled, farFuture)}, 0},
		{"past appointment skipped", []models.Appointment{appointmentAt(models.StatusConfirmed, now.Add(-time.Hour))}, 0},
		{"pending soon drops elapsed thresholds", []models.Appointment{appointmentAt(models.StatusPending, now.Add(6 * time.Hour))}, 0},
		{"confirmed soon keeps remaining thresholds", []models.Appointment{appointmentAt(models.StatusConfirmed, now.Add(45 * time.Minute))}, 2},
		{
			"mixed",
			[]models.Appointment{
				appointmentAt(models.StatusPending, farFuture),
				appointmentAt(models.StatusConfirmed, farFuture),
			},
			5,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestScheduler(now)
			defer s.Stop()

			s.Reschedule(c.appointments)
			if got := s.Active(); got != c.want {
				t.Errorf("Active() = %d, want %d", got, c.want)
			}
		})
	}
}

func TestRescheduleReplacesTimerSet(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.Local)
	s := newTestScheduler(now)
	defer s.Stop()

	first := appointmentAt(models.StatusConfirmed, now.Add(48*time.Hour))
	s.Reschedule([]models.Appointment{first})

	second := appointmentAt(models.StatusPending, now.Add(48*time.Hour))
	s.Reschedule([]models.Appointment{second})

	keys := s.ActiveKeys()
	sort.Strings(keys)
	want := []string{
		fmt.Sprintf("%s-12h", second.ID),
		fmt.Sprintf("%s-24h", second.ID),
	}
	sort.Strings(want)

	if len(keys) != len(want) {
		t.Fatalf("ActiveKeys() = %v, want %v", keys, want)
	}
	for i := range keys {
		if keys[i] != want[i] {
			t.Fatalf("ActiveKeys() = %v, want %v", keys, want)
		}
	}
}

func TestTimerKeyFormat(t *testing.T) {
	a := appointmentAt(models.StatusConfirmed, time.Now())
	got := timerKey(a, Label30m)
	want := a.ID.String() + "-30m"
	if got != want {
		t.Errorf("timerKey = %q, want %q", got, want)
	}
}

func TestDisableCancelsTimers(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.Local)
	s := newTestScheduler(now)
	defer s.Stop()

	s.Reschedule([]models.Appointment{appointmentAt(models.StatusConfirmed, now.Add(48*time.Hour))})
	if s.Active() == 0 {
		t.Fatal("expected live timers before disable")
	}

	s.SetEnabled(false)
	if got := s.Active(); got != 0 {
		t.Errorf("Active() after disable = %d, want 0", got)
	}

	// While disabled, rescheduling must not create timers.
	s.Reschedule([]models.Appointment{appointmentAt(models.StatusConfirmed, now.Add(48*time.Hour))})
	if got := s.Active(); got != 0 {
		t.Errorf("Active() while disabled = %d, want 0", got)
	}
}

func TestAlertFires(t *testing.T) {
	var mu sync.Mutex
	fired := make(chan Label, 1)

	s := NewScheduler(func(a models.Appointment, label Label) {
		mu.Lock()
		defer mu.Unlock()
		select {
		case fired <- label:
		default:
		}
	}, zap.NewNop())
	defer s.Stop()

	// Confirmed appointment starting just past now yields a near-immediate
	// "now" threshold.
	a := appointmentAt(models.StatusConfirmed, time.Now().Add(20*time.Millisecond))
	s.Reschedule([]models.Appointment{a})

	select {
	case label := <-fired:
		if label != LabelNow {
			t.Errorf("fired label = %q, want %q", label, LabelNow)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reminder never fired")
	}

	if got := s.Active(); got != 0 {
		t.Errorf("Active() after fire = %d, want 0", got)
	}
}

func TestStopPreventsFiring(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := NewScheduler(func(models.Appointment, Label) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, zap.NewNop())

	a := appointmentAt(models.StatusConfirmed, time.Now().Add(50*time.Millisecond))
	s.Reschedule([]models.Appointment{a})
	s.Stop()

	select {
	case <-fired:
		t.Fatal("alert fired after Stop")
	case <-time.After(200 * time.Millisecond):
	}
}
