package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/models"
)

func TestRequestPermissionDecidesOnce(t *testing.T) {
	decideCalls := 0
	svc := NewService(
		func(ctx context.Context) (bool, error) {
			decideCalls++
			return true, nil
		},
		func(ctx context.Context, n Notification) error { return nil },
		zap.NewNop(),
	)

	for i := 0; i < 3; i++ {
		granted, err := svc.RequestPermission(context.Background())
		if err != nil {
			t.Fatalf("RequestPermission failed: %v", err)
		}
		if !granted {
			t.Fatal("expected permission granted")
		}
	}

	if decideCalls != 1 {
		t.Errorf("decide called %d times, want 1", decideCalls)
	}
	if svc.Permission() != PermissionGranted {
		t.Errorf("permission = %v, want granted", svc.Permission())
	}
}

func TestPermissionStringAfterRequest(t *testing.T) {
	tests := []struct {
		name   string
		decide DecideFunc
		want   string
	}{
		{"granted", func(ctx context.Context) (bool, error) { return true, nil }, "granted"},
		{"denied", func(ctx context.Context) (bool, error) { return false, nil }, "denied"},
		{"error stays undecided", func(ctx context.Context) (bool, error) { return false, errors.New("store down") }, "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.decide,
				func(ctx context.Context, n Notification) error { return nil },
				zap.NewNop())

			svc.RequestPermission(context.Background())

			if got := svc.Permission().String(); got != tt.want {
				t.Errorf("Permission().String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestPermissionDenied(t *testing.T) {
	svc := NewService(
		func(ctx context.Context) (bool, error) { return false, nil },
		func(ctx context.Context, n Notification) error { return nil },
		zap.NewNop(),
	)

	granted, err := svc.RequestPermission(context.Background())
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if granted {
		t.Fatal("expected permission denied")
	}
	if svc.Permission() != PermissionDenied {
		t.Errorf("permission = %v, want denied", svc.Permission())
	}
}

func TestRequestPermissionErrorLeavesUndecided(t *testing.T) {
	fail := true
	svc := NewService(
		func(ctx context.Context) (bool, error) {
			if fail {
				return false, errors.New("store unavailable")
			}
			return true, nil
		},
		func(ctx context.Context, n Notification) error { return nil },
		zap.NewNop(),
	)

	if _, err := svc.RequestPermission(context.Background()); err == nil {
		t.Fatal("expected error from failing decide")
	}
	if svc.Permission() != PermissionDefault {
		t.Errorf("permission = %v, want default after error", svc.Permission())
	}

	// A later request retries the decision.
	fail = false
	granted, err := svc.RequestPermission(context.Background())
	if err != nil {
		t.Fatalf("RequestPermission failed after recovery: %v", err)
	}
	if !granted {
		t.Fatal("expected permission granted after recovery")
	}
}

func TestShowRequiresGrant(t *testing.T) {
	delivered := 0
	svc := NewService(
		func(ctx context.Context) (bool, error) { return false, nil },
		func(ctx context.Context, n Notification) error {
			delivered++
			return nil
		},
		zap.NewNop(),
	)

	shown, err := svc.Show(context.Background(), Notification{OrgID: "org_1", Title: "t"})
	if err != nil {
		t.Fatalf("Show failed: %v", err)
	}
	if shown {
		t.Fatal("notification shown without permission")
	}
	if delivered != 0 {
		t.Errorf("deliver called %d times, want 0", delivered)
	}
}

func TestShowDeliversWhenGranted(t *testing.T) {
	var got Notification
	svc := NewService(
		func(ctx context.Context) (bool, error) { return true, nil },
		func(ctx context.Context, n Notification) error {
			got = n
			return nil
		},
		zap.NewNop(),
	)

	n := Notification{OrgID: "org_1", Title: "Appointment reminder", Tag: "x"}
	shown, err := svc.Show(context.Background(), n)
	if err != nil {
		t.Fatalf("Show failed: %v", err)
	}
	if !shown {
		t.Fatal("expected notification shown")
	}
	if got.Tag != n.Tag || got.OrgID != n.OrgID {
		t.Errorf("delivered %+v, want %+v", got, n)
	}
}

func TestToasterSoundFallback(t *testing.T) {
	cases := []struct {
		name      string
		granted   bool
		noService bool
		wantSound bool
	}{
		{"no service", false, true, true},
		{"permission denied", false, false, true},
		{"permission granted", true, false, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var svc *Service
			if !c.noService {
				granted := c.granted
				svc = NewService(
					func(ctx context.Context) (bool, error) { return granted, nil },
					func(ctx context.Context, n Notification) error { return nil },
					zap.NewNop(),
				)
				svc.RequestPermission(context.Background())
			}

			soundPlayed := false
			toaster := NewToaster(svc, func() { soundPlayed = true })

			var got Toast
			cancel := toaster.Subscribe(func(toast Toast) { got = toast })
			defer cancel()

			toaster.Info("hello")

			if got.Message != "hello" || got.Level != ToastInfo {
				t.Fatalf("listener got %+v", got)
			}
			if got.Sound != c.wantSound {
				t.Errorf("toast sound = %v, want %v", got.Sound, c.wantSound)
			}
			if soundPlayed != c.wantSound {
				t.Errorf("sound played = %v, want %v", soundPlayed, c.wantSound)
			}
		})
	}
}

func TestToasterUnsubscribe(t *testing.T) {
	toaster := NewToaster(nil, nil)

	calls := 0
	cancel := toaster.Subscribe(func(Toast) { calls++ })
	toaster.Success("one")
	cancel()
	toaster.Success("two")

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}

func TestNotificationConstructors(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 30, 0, 0, time.Local)
	a := models.Appointment{
		ID:        uuid.New(),
		OrgID:     "org_1",
		StartTime: start,
		Status:    models.StatusPending,
	}

	n := NewAppointmentNotification(a)
	if n.Title != "New pending appointment" {
		t.Errorf("pending title = %q", n.Title)
	}
	if n.OrgID != "org_1" {
		t.Errorf("org = %q, want org_1", n.OrgID)
	}

	a.Status = models.StatusConfirmed
	if n := NewAppointmentNotification(a); n.Title != "New appointment" {
		t.Errorf("confirmed title = %q", n.Title)
	}

	prev := a
	curr := a
	curr.Status = models.StatusCancelled
	sc := StatusChangeNotification(prev, curr)
	if sc.Body != "Status changed from confirmed to cancelled" {
		t.Errorf("status change body = %q", sc.Body)
	}

	r := ReminderNotification(a, "now")
	if r.Body != "Appointment starting now" {
		t.Errorf("reminder body = %q", r.Body)
	}
	r = ReminderNotification(a, "1h")
	if r.Body != "Appointment at 09:30" {
		t.Errorf("reminder body = %q", r.Body)
	}
}
