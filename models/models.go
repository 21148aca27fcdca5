package models

import (
	"time"

	"github.com/google/uuid"
)

// AppointmentStatus is the single status enum used across the whole
// application. The legacy scheduled/no_show variant is not accepted.
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Organization mirrors a WorkOS organization. Rows are maintained by the
// webhook handler, never created directly through the API.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User mirrors a WorkOS user. AuthID is the WorkOS user id; ID is ours.
type User struct {
	ID        uuid.UUID `json:"id"`
	AuthID    string    `json:"auth_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	OrgID     string    `json:"org_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Doctor struct {
	ID             uuid.UUID `json:"id"`
	OrgID          string    `json:"org_id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone,omitempty"`
	Specialization string    `json:"specialization"`
	Department     *string   `json:"department,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Patient is always organization-scoped; every query filters by OrgID.
type Patient struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       string     `json:"org_id"`
	RegNumber   string     `json:"reg_number"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	Email       *string    `json:"email,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	BloodGroup  string     `json:"blood_group,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Appointment carries a single StartTime timestamp; there is no separate
// date/time string pair anywhere in the system.
type Appointment struct {
	ID        uuid.UUID         `json:"id"`
	OrgID     string            `json:"org_id"`
	PatientID uuid.UUID         `json:"patient_id"`
	DoctorID  *uuid.UUID        `json:"doctor_id,omitempty"`
	StartTime time.Time         `json:"start_time"`
	Status    AppointmentStatus `json:"status"`
	Note      string            `json:"note,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// OccursOn reports whether the appointment falls on the same local calendar
// day as the given instant.
func (a Appointment) OccursOn(day time.Time) bool {
	y1, m1, d1 := a.StartTime.Local().Date()
	y2, m2, d2 := day.Local().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
