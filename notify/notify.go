// Package notify is the user-facing alert surface: a permission-gated
// notification service for native (push) delivery and a toast dispatcher
// with a sound fallback.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicdesk/backend/models"
)

type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// Notification is one native alert addressed to an organization's devices.
type Notification struct {
	OrgID string `json:"org_id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

// DecideFunc resolves an undecided permission, e.g. by checking whether the
// organization has any registered push subscription.
type DecideFunc func(ctx context.Context) (bool, error)

// DeliverFunc performs the actual delivery of a granted notification.
type DeliverFunc func(ctx context.Context, n Notification) error

// Service gates notification display behind an explicit permission. One
// instance is constructed at startup and passed by reference; there is no
// lazily-initialized global.
type Service struct {
	mu         sync.Mutex
	permission Permission
	decide     DecideFunc
	deliver    DeliverFunc
	logger     *zap.Logger
}

func NewService(decide DecideFunc, deliver DeliverFunc, logger *zap.Logger) *Service {
	return &Service{
		decide:  decide,
		deliver: deliver,
		logger:  logger,
	}
}

func (s *Service) Permission() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

// RequestPermission returns whether display is permitted, short-circuiting
// once a decision has been recorded.
func (s *Service) RequestPermission(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.permission != PermissionDefault {
		return s.permission == PermissionGranted, nil
	}

	if s.decide == nil {
		s.permission = PermissionDenied
		return false, nil
	}

	granted, err := s.decide(ctx)
	if err != nil {
		// Leave the permission undecided so a later request can retry.
		return false, err
	}

	if granted {
		s.permission = PermissionGranted
	} else {
		s.permission = PermissionDenied
	}
	return granted, nil
}

// Show displays a notification if and only if permission is currently
// granted, requesting it first when still undecided. Notifications are never
// queued while permission is pending.
func (s *Service) Show(ctx context.Context, n Notification) (bool, error) {
	granted, err := s.RequestPermission(ctx)
	if err != nil {
		return false, err
	}
	if !granted {
		return false, nil
	}

	if err := s.deliver(ctx, n); err != nil {
		s.logger.Error("notification delivery failed",
			zap.String("org_id", n.OrgID),
			zap.String("tag", n.Tag),
			zap.Error(err))
		return false, err
	}
	return true, nil
}

// NewAppointmentNotification announces a freshly created appointment.
func NewAppointmentNotification(a models.Appointment) Notification {
	title := "New appointment"
	if a.Status == models.StatusPending {
		title = "New pending appointment"
	}
	return Notification{
		OrgID: a.OrgID,
		Title: title,
		Body:  fmt.Sprintf("Appointment scheduled for %s", a.StartTime.Local().Format("Mon Jan 2 15:04")),
		Tag:   fmt.Sprintf("appointment-%s", a.ID),
	}
}

// StatusChangeNotification announces a status transition.
func StatusChangeNotification(prev, curr models.Appointment) Notification {
	return Notification{
		OrgID: curr.OrgID,
		Title: "Appointment updated",
		Body:  fmt.Sprintf("Status changed from %s to %s", prev.Status, curr.Status),
		Tag:   fmt.Sprintf("appointment-%s-status", curr.ID),
	}
}

// ReminderNotification announces a timed reminder for an upcoming
// appointment. The label names the threshold that fired ("24h", "now", ...).
func ReminderNotification(a models.Appointment, label string) Notification {
	body := fmt.Sprintf("Appointment at %s", a.StartTime.Local().Format("15:04"))
	if label == "now" {
		body = "Appointment starting now"
	}
	return Notification{
		OrgID: a.OrgID,
		Title: "Appointment reminder",
		Body:  body,
		Tag:   fmt.Sprintf("appointment-%s-%s", a.ID, label),
	}
}
