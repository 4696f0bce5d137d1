package models

import (
	"time"

	"phiguard/pkg/domain"
)

// Record is a retention candidate. The set of implementations is closed:
// every record kind carries a required UpdatedAt, which is the only basis for
// eligibility.
type Record interface {
	RecordID() string
	ResourceType() domain.ResourceType
	ModifiedAt() time.Time
	// PatientID links the record to a patient when it holds PHI about one.
	PatientID() string
	// Attributes exposes the fields exemption expressions can inspect.
	Attributes() map[string]any

	sealed()
}

// Base holds the fields shared by every record kind.
type Base struct {
	ID        string
	UpdatedAt time.Time
}

func (b Base) RecordID() string      { return b.ID }
func (b Base) ModifiedAt() time.Time { return b.UpdatedAt }
func (Base) sealed()                 {}

func (b Base) attrs() map[string]any {
	return map[string]any{
		"id":        b.ID,
		"updatedAt": b.UpdatedAt,
	}
}

type PatientRecord struct {
	Base
	// Status is the treatment status, e.g. "active", "discharged".
	Status          string
	DischargedAt    time.Time
	ResearchConsent bool
}

func (PatientRecord) ResourceType() domain.ResourceType { return domain.ResourcePatient }
func (r PatientRecord) PatientID() string               { return r.ID }
func (r PatientRecord) Attributes() map[string]any {
	m := r.attrs()
	m["status"] = r.Status
	m["dischargedAt"] = r.DischargedAt
	m["researchConsent"] = r.ResearchConsent
	return m
}

type AppointmentRecord struct {
	Base
	Patient     string
	ProviderID  string
	Status      string
	ScheduledAt time.Time
}

func (AppointmentRecord) ResourceType() domain.ResourceType { return domain.ResourceAppointment }
func (r AppointmentRecord) PatientID() string               { return r.Patient }
func (r AppointmentRecord) Attributes() map[string]any {
	m := r.attrs()
	m["patientId"] = r.Patient
	m["providerId"] = r.ProviderID
	m["status"] = r.Status
	m["scheduledAt"] = r.ScheduledAt
	return m
}

type AuthorizationRecord struct {
	Base
	Patient    string
	Payer      string
	Status     string
	ValidUntil time.Time
}

func (AuthorizationRecord) ResourceType() domain.ResourceType { return domain.ResourceAuthorization }
func (r AuthorizationRecord) PatientID() string               { return r.Patient }
func (r AuthorizationRecord) Attributes() map[string]any {
	m := r.attrs()
	m["patientId"] = r.Patient
	m["payer"] = r.Payer
	m["status"] = r.Status
	m["validUntil"] = r.ValidUntil
	return m
}

type ProgressReportRecord struct {
	Base
	Patient  string
	AuthorID string
	Status   string
}

func (ProgressReportRecord) ResourceType() domain.ResourceType {
	return domain.ResourceProgressReport
}
func (r ProgressReportRecord) PatientID() string { return r.Patient }
func (r ProgressReportRecord) Attributes() map[string]any {
	m := r.attrs()
	m["patientId"] = r.Patient
	m["authorId"] = r.AuthorID
	m["status"] = r.Status
	return m
}

type FAQRecord struct {
	Base
	Published bool
}

func (FAQRecord) ResourceType() domain.ResourceType { return domain.ResourceFAQ }
func (FAQRecord) PatientID() string                 { return "" }
func (r FAQRecord) Attributes() map[string]any {
	m := r.attrs()
	m["published"] = r.Published
	return m
}

type ScheduleRecord struct {
	Base
	OwnerID string
	Status  string
}

func (ScheduleRecord) ResourceType() domain.ResourceType { return domain.ResourceSchedule }
func (ScheduleRecord) PatientID() string                 { return "" }
func (r ScheduleRecord) Attributes() map[string]any {
	m := r.attrs()
	m["ownerId"] = r.OwnerID
	m["status"] = r.Status
	return m
}

var (
	_ Record = PatientRecord{}
	_ Record = AppointmentRecord{}
	_ Record = AuthorizationRecord{}
	_ Record = ProgressReportRecord{}
	_ Record = FAQRecord{}
	_ Record = ScheduleRecord{}
)
