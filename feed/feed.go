// Package feed carries row-level change events for an organization's
// appointments. Mutation handlers publish events after commit; sync consumers
// subscribe to the per-organization channel.
package feed

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/backend/models"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one committed change. Old carries the pre-image for UPDATE and
// DELETE, New the post-image for INSERT and UPDATE.
type Event struct {
	Type       EventType           `json:"type" bson:"type"`
	Table      string              `json:"table" bson:"table"`
	OrgID      string              `json:"org_id" bson:"org_id"`
	Old        *models.Appointment `json:"old,omitempty" bson:"old,omitempty"`
	New        *models.Appointment `json:"new,omitempty" bson:"new,omitempty"`
	OccurredAt time.Time           `json:"occurred_at" bson:"occurred_at"`
}

// AppointmentID returns the row id the event refers to.
func (e Event) AppointmentID() uuid.UUID {
	if e.New != nil {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return uuid.Nil
}

// Subscription is a live feed for one organization. Ready is closed once the
// transport has confirmed the subscription. After an error is delivered on
// Err the subscription is dead and must be re-established.
type Subscription interface {
	Ready() <-chan struct{}
	Events() <-chan Event
	Err() <-chan error
	Close() error
}

type Source interface {
	Subscribe(ctx context.Context, orgID string) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
