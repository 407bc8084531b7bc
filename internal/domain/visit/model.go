package visit

import (
	"time"
)

// Visit maps to the visit table. It is handled as a value: transitions
// return modified copies and the store owns identity.
type Visit struct {
	ID                 string             `db:"id" json:"id"`
	PatientID          string             `db:"patient_id" json:"patient_id"`
	UserID             string             `db:"user_id" json:"user_id,omitempty"`
	StoreID            string             `db:"store_id" json:"store_id"`
	AppointmentID      *string            `db:"appointment_id" json:"appointment_id,omitempty"`
	VisitTypeID        string             `db:"visit_type_id" json:"visit_type_id,omitempty"`
	TypeName           string             `db:"type_name" json:"type_name,omitempty"`
	Date               time.Time          `db:"date" json:"date"`
	Locked             bool               `db:"locked" json:"locked"`
	PreCustomExamIDs   []string           `db:"pre_custom_exam_ids" json:"pre_custom_exam_ids"`
	CustomExamIDs      []string           `db:"custom_exam_ids" json:"custom_exam_ids"`
	Privileges         Privileges         `json:"privileges"`
	Prescription       Prescription       `json:"prescription"`
	ConsultationDetail ConsultationDetail `json:"consultation_detail"`
	VersionID          int                `db:"version_id" json:"version_id"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// Prescription holds the signature state of the visit's final prescription.
type Prescription struct {
	SignedDate *time.Time `db:"signed_date" json:"signed_date,omitempty"`
}

// ConsultationDetail carries lock and last-update bookkeeping.
type ConsultationDetail struct {
	LockedOn     *time.Time `db:"locked_on" json:"locked_on,omitempty"`
	LastUpdateOn *time.Time `db:"last_update_on" json:"last_update_on,omitempty"`
	LastUpdateBy *string    `db:"last_update_by" json:"last_update_by,omitempty"`
}

// Appointment is the subset of an appointment the engine needs to close it.
type Appointment struct {
	ID      string  `db:"id" json:"id"`
	Status  int     `db:"status" json:"status"`
	Comment *string `db:"comment" json:"comment,omitempty"`
}

// IsSigned reports whether the prescription carries a signature date.
func (v Visit) IsSigned() bool {
	return v.Prescription.SignedDate != nil
}

// HasAppointment reports whether the visit is attached to an appointment.
func (v Visit) HasAppointment() bool {
	return v.AppointmentID != nil && *v.AppointmentID != ""
}

// Clone returns a copy whose id slices can be modified without touching v.
func (v Visit) Clone() Visit {
	out := v
	out.PreCustomExamIDs = append([]string(nil), v.PreCustomExamIDs...)
	out.CustomExamIDs = append([]string(nil), v.CustomExamIDs...)
	return out
}

// WithExamID returns a copy with examID appended to the pretest or active list.
func (v Visit) WithExamID(examID string, preExam bool) Visit {
	out := v.Clone()
	if preExam {
		out.PreCustomExamIDs = append(out.PreCustomExamIDs, examID)
	} else {
		out.CustomExamIDs = append(out.CustomExamIDs, examID)
	}
	return out
}
