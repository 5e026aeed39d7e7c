package backend

import (
	"context"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/records"
)

// Mock returns a canned gastroenteritis record for the submitted patient.
type Mock struct {
	clock func() time.Time
}

func NewMock() *Mock {
	return &Mock{clock: time.Now}
}

func (m *Mock) Process(ctx context.Context, sub Submission) (Result, error) {
	if _, err := wavPayload(sub); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	patientID := sub.Patient.ID
	if patientID == "" {
		patientID = "P001"
	}
	return Result{
		Record: records.Record{
			PatientID:           patientID,
			ConsultationDate:    m.clock().Format("2006-01-02 15:04"),
			ChiefComplaint:      "腹痛、下痢症状",
			PresentIllness:      "3日前から腹痛と下痢が続いている。食欲不振もあり。",
			PhysicalExamination: "腹部：軽度圧痛あり、腸音亢進",
			Diagnosis:           "急性胃腸炎の疑い",
			Prescription:        "整腸剤、止痢剤を処方",
			Guidance:            "水分補給を心がけ、消化の良い食事を摂取してください",
			NextAppointment:     "1週間後",
			Notes:               "症状が改善しない場合は早めに受診（モックデータ）",
		},
		Confidence:     0.85,
		ProcessingTime: 2300 * time.Millisecond,
	}, nil
}
