package records

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownField = errors.New("unknown record field")

// Record is the structured consultation record returned by the backend and
// edited locally before saving.
type Record struct {
	ID                  int64     `json:"id,omitempty"`
	PatientID           string    `json:"patient_id"`
	ConsultationDate    string    `json:"consultation_date"`
	ChiefComplaint      string    `json:"chief_complaint"`
	PresentIllness      string    `json:"present_illness"`
	PhysicalExamination string    `json:"physical_examination"`
	Diagnosis           string    `json:"diagnosis"`
	Prescription        string    `json:"prescription"`
	Guidance            string    `json:"guidance"`
	NextAppointment     string    `json:"next_appointment"`
	Notes               string    `json:"notes"`
	CreatedAt           time.Time `json:"created_at,omitempty"`
}

// Field describes one editable record column.
type Field struct {
	Name  string
	Label string
}

// Fields lists the editable columns in display order.
var Fields = []Field{
	{"patient_id", "患者ID"},
	{"consultation_date", "診察日時"},
	{"chief_complaint", "主訴"},
	{"present_illness", "現病歴"},
	{"physical_examination", "身体所見"},
	{"diagnosis", "診断"},
	{"prescription", "処方"},
	{"guidance", "指導内容"},
	{"next_appointment", "次回予約"},
	{"notes", "備考"},
}

func (r *Record) field(name string) (*string, error) {
	switch name {
	case "patient_id":
		return &r.PatientID, nil
	case "consultation_date":
		return &r.ConsultationDate, nil
	case "chief_complaint":
		return &r.ChiefComplaint, nil
	case "present_illness":
		return &r.PresentIllness, nil
	case "physical_examination":
		return &r.PhysicalExamination, nil
	case "diagnosis":
		return &r.Diagnosis, nil
	case "prescription":
		return &r.Prescription, nil
	case "guidance":
		return &r.Guidance, nil
	case "next_appointment":
		return &r.NextAppointment, nil
	case "notes":
		return &r.Notes, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
}

// Set updates one field by its JSON name.
func (r *Record) Set(name, value string) error {
	p, err := r.field(name)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

// Get reads one field by its JSON name.
func (r Record) Get(name string) (string, error) {
	p, err := r.field(name)
	if err != nil {
		return "", err
	}
	return *p, nil
}

// ExportFileName is the download name for a spreadsheet produced on day.
func ExportFileName(day time.Time) string {
	return fmt.Sprintf("medical_records_%s.xlsx", day.Format("2006-01-02"))
}
