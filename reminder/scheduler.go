// Package reminder turns an appointment list into keyed one-shot timers.
// Reminders live only as long as the process; durability is explicitly out
// of scope.
package reminder

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/backend/models"
)

// Label names a reminder threshold relative to the appointment start.
type Label string

const (
	Label24h Label = "24h"
	Label12h Label = "12h"
	Label1h  Label = "1h"
	Label30m Label = "30m"
	LabelNow Label = "now"
)

type threshold struct {
	label  Label
	offset time.Duration
}

// Pending appointments get long-range nudges; confirmed ones get the
// short-range countdown including an at-time alert.
var (
	pendingThresholds = []threshold{
		{Label24h, 24 * time.Hour},
		{Label12h, 12 * time.Hour},
	}
	confirmedThresholds = []threshold{
		{Label1h, time.Hour},
		{Label30m, 30 * time.Minute},
		{LabelNow, 0},
	}
)

func thresholdsFor(status models.AppointmentStatus) []threshold {
	switch status {
	case models.StatusPending:
		return pendingThresholds
	case models.StatusConfirmed:
		return confirmedThresholds
	}
	return nil
}

// AlertFunc delivers one fired reminder.
type AlertFunc func(a models.Appointment, label Label)

// Scheduler owns the live timer set. Every Reschedule cancels all existing
// timers before computing the new set, so no stale or duplicate reminder can
// survive a list change.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	enabled bool
	alert   AlertFunc
	now     func() time.Time
	logger  *zap.Logger
}

func NewScheduler(alert AlertFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		timers:  make(map[string]*time.Timer),
		enabled: true,
		alert:   alert,
		now:     time.Now,
		logger:  logger,
	}
}

// SetEnabled toggles scheduling. Disabling cancels all live timers.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if !enabled {
		s.cancelAllLocked()
	}
}

// Reschedule replaces the entire timer set from the given appointment list.
func (s *Scheduler) Reschedule(appointments []models.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelAllLocked()
	if !s.enabled {
		return
	}

	now := s.now()
	for _, a := range appointments {
		if !a.StartTime.After(now) {
			continue
		}
		for _, th := range thresholdsFor(a.Status) {
			fireAt := a.StartTime.Add(-th.offset)
			if !fireAt.After(now) {
				continue
			}
			key := timerKey(a, th.label)
			appt := a
			label := th.label
			var tm *time.Timer
			tm = time.AfterFunc(fireAt.Sub(now), func() {
				s.fire(key, tm, appt, label)
			})
			s.timers[key] = tm
		}
	}

	s.logger.Debug("reminder schedule rebuilt",
		zap.Int("appointments", len(appointments)),
		zap.Int("timers", len(s.timers)))
}

// Stop cancels every live timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

// Active returns the number of live timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// ActiveKeys returns the keys of all live timers.
func (s *Scheduler) ActiveKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.timers))
	for k := range s.timers {
		keys = append(keys, k)
	}
	return keys
}

func (s *Scheduler) cancelAllLocked() {
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler) fire(key string, tm *time.Timer, a models.Appointment, label Label) {
	s.mu.Lock()
	if s.timers[key] != tm {
		// Superseded or cancelled between firing and acquiring the lock.
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	s.alert(a, label)
}

func timerKey(a models.Appointment, label Label) string {
	return fmt.Sprintf("%s-%s", a.ID, label)
}
