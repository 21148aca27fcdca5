package feed

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/models"
)

func testAppointment(orgID string) *models.Appointment {
	return &models.Appointment{
		ID:        uuid.New(),
		OrgID:     orgID,
		PatientID: uuid.New(),
		StartTime: time.Now().Add(time.Hour),
		Status:    models.StatusPending,
	}
}

func TestEventAppointmentID(t *testing.T) {
	appt := testAppointment("org_1")

	cases := []struct {
		name  string
		event Event
		want  uuid.UUID
	}{
		{"from new", Event{Type: EventInsert, New: appt}, appt.ID},
		{"from old", Event{Type: EventDelete, Old: appt}, appt.ID},
		{"new wins over old", Event{Type: EventUpdate, Old: testAppointment("org_1"), New: appt}, appt.ID},
		{"neither", Event{Type: EventInsert}, uuid.Nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.event.AppointmentID(); got != c.want {
				t.Errorf("AppointmentID() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestMemoryFeedDelivers(t *testing.T) {
	f := NewMemoryFeed(zap.NewNop())
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "org_1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	select {
	case <-sub.Ready():
	default:
		t.Fatal("memory subscription should be ready immediately")
	}

	event := Event{
		Type:       EventInsert,
		Table:      "appointments",
		OrgID:      "org_1",
		New:        testAppointment("org_1"),
		OccurredAt: time.Now(),
	}
	if err := f.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.AppointmentID() != event.AppointmentID() {
			t.Errorf("got event for %v, want %v", got.AppointmentID(), event.AppointmentID())
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryFeedScopesByOrg(t *testing.T) {
	f := NewMemoryFeed(zap.NewNop())
	ctx := context.Background()

	subA, err := f.Subscribe(ctx, "org_a")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer subA.Close()

	subB, err := f.Subscribe(ctx, "org_b")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer subB.Close()

	if err := f.Publish(ctx, Event{Type: EventInsert, OrgID: "org_a", New: testAppointment("org_a")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-subA.Events():
	case <-time.After(time.Second):
		t.Fatal("org_a subscriber did not receive its event")
	}

	select {
	case got := <-subB.Events():
		t.Fatalf("org_b subscriber received foreign event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryFeedCloseStopsDelivery(t *testing.T) {
	f := NewMemoryFeed(zap.NewNop())
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "org_1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Closing twice must be safe.
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := f.Publish(ctx, Event{Type: EventInsert, OrgID: "org_1", New: testAppointment("org_1")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("closed subscription received event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
