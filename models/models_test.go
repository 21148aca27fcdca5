package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAppointmentStatusValid(t *testing.T) {
	cases := []struct {
		status AppointmentStatus
		valid  bool
	}{
		{StatusPending, true},
		{StatusConfirmed, true},
		{StatusCompleted, true},
		{StatusCancelled, true},
		{AppointmentStatus("scheduled"), false},
		{AppointmentStatus("no_show"), false},
		{AppointmentStatus(""), false},
	}

	for _, c := range cases {
		if got := c.status.Valid(); got != c.valid {
			t.Errorf("Valid(%q) = %v, want %v", c.status, got, c.valid)
		}
	}
}

func TestOccursOn(t *testing.T) {
	day := time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)

	cases := []struct {
		name  string
		start time.Time
		want  bool
	}{
		{"same day morning", time.Date(2026, 3, 15, 0, 0, 1, 0, time.Local), true},
		{"same day last minute", time.Date(2026, 3, 15, 23, 59, 0, 0, time.Local), true},
		{"previous day", time.Date(2026, 3, 14, 23, 59, 0, 0, time.Local), false},
		{"next day midnight", time.Date(2026, 3, 16, 0, 0, 0, 0, time.Local), false},
		{"same day next year", time.Date(2027, 3, 15, 12, 0, 0, 0, time.Local), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := Appointment{ID: uuid.New(), StartTime: c.start}
			if got := a.OccursOn(day); got != c.want {
				t.Errorf("OccursOn(%v) with start %v = %v, want %v", day, c.start, got, c.want)
			}
		})
	}
}
