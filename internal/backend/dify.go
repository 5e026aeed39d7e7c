package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/records"
)

const difyConfidence = 0.85

var promptTemplate = template.Must(template.New("prompt").Parse(`
あなたは芦屋Rいいだ内科クリニックの医療記録作成アシスタントです。
内科・消化器内科専門の医師の診察音声から、構造化された医療記録を作成してください。

患者情報:
- 氏名: {{or .Name "不明"}}
- 患者ID: {{or .ID "不明"}}
- 年齢: {{or .Age "不明"}}
- 性別: {{or .Gender "不明"}}

以下の形式でJSONレスポンスを返してください：

{
    "patient_id": "患者ID",
    "consultation_date": "診察日時（YYYY-MM-DD HH:MM形式）",
    "chief_complaint": "主訴",
    "present_illness": "現病歴",
    "physical_examination": "身体所見",
    "diagnosis": "診断",
    "prescription": "処方・治療",
    "guidance": "生活指導・注意事項",
    "next_appointment": "次回予約",
    "notes": "備考"
}

専門用語について：
- 消化器内科：胃炎、胃潰瘍、逆流性食道炎、過敏性腸症候群、炎症性腸疾患など
- 内科一般：高血圧、糖尿病、脂質異常症、甲状腺疾患など
- 検査：胃カメラ、大腸カメラ、ピロリ菌検査、血液検査など

音声から診察内容を正確に抽出し、医療記録として適切な日本語で記録してください。
`))

// Dify uploads the recording to a Dify app and runs its workflow in blocking
// mode. The workflow is expected to emit a SOAP-shaped structured_output.
type Dify struct {
	endpoint string
	apiKey   string
	user     string
	client   *http.Client
	log      *slog.Logger
	clock    func() time.Time
}

type soapOutput struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

type workflowResponse struct {
	Data struct {
		Status  string `json:"status"`
		Outputs struct {
			StructuredOutput *soapOutput `json:"structured_output"`
		} `json:"outputs"`
	} `json:"data"`
}

func NewDify(cfg config.BackendConfig, client *http.Client, log *slog.Logger) *Dify {
	user := cfg.User
	if user == "" {
		user = "medical-system"
	}
	return &Dify{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		user:     user,
		client:   client,
		log:      log,
		clock:    time.Now,
	}
}

func (d *Dify) Process(ctx context.Context, sub Submission) (Result, error) {
	wav, err := wavPayload(sub)
	if err != nil {
		return Result{}, err
	}
	started := d.clock()

	fileID, err := d.upload(ctx, wav)
	if err != nil {
		return Result{}, err
	}
	prompt, err := Prompt(sub.Patient)
	if err != nil {
		return Result{}, err
	}
	rec, err := d.runWorkflow(ctx, prompt, fileID)
	if err != nil {
		return Result{}, err
	}
	elapsed := d.clock().Sub(started)
	d.log.Info("dify workflow completed", slog.String("file_id", fileID), slog.Duration("elapsed", elapsed))
	return Result{Record: rec, Confidence: difyConfidence, ProcessingTime: elapsed}, nil
}

// Prompt renders the record-generation instructions for patient.
func Prompt(patient Patient) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, patient); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func (d *Dify) upload(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := writeFile(mw, "file", UploadName, wav); err != nil {
		return "", err
	}
	if err := mw.WriteField("user", d.user); err != nil {
		return "", fmt.Errorf("write user field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/files/upload", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	payload, status, err := d.do(req)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("file upload failed: status %d: %s", status, clip(payload, 200))
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("file upload returned no id")
	}
	return out.ID, nil
}

func (d *Dify) runWorkflow(ctx context.Context, prompt, fileID string) (records.Record, error) {
	reqBody, err := json.Marshal(map[string]any{
		"inputs": map[string]string{
			"audio_file_id": fileID,
			"prompt":        prompt,
		},
		"response_mode": "blocking",
		"user":          d.user,
	})
	if err != nil {
		return records.Record{}, fmt.Errorf("encode workflow request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/workflows/run", bytes.NewReader(reqBody))
	if err != nil {
		return records.Record{}, fmt.Errorf("build workflow request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	payload, status, err := d.do(req)
	if err != nil {
		return records.Record{}, fmt.Errorf("run workflow: %w", err)
	}
	if status != http.StatusOK {
		return records.Record{}, fmt.Errorf("workflow run failed: status %d: %s", status, clip(payload, 200))
	}
	var out workflowResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return records.Record{}, fmt.Errorf("decode workflow response: %w", err)
	}
	if soap := out.Data.Outputs.StructuredOutput; soap != nil {
		return d.fromSOAP(*soap), nil
	}
	d.log.Warn("workflow returned no structured output; keeping raw result in notes")
	return d.fromText(string(payload)), nil
}

func (d *Dify) do(req *http.Request) ([]byte, int, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return payload, resp.StatusCode, nil
}

func (d *Dify) fromSOAP(s soapOutput) records.Record {
	return records.Record{
		PatientID:           "AUTO-GENERATED",
		ConsultationDate:    d.clock().Format("2006-01-02 15:04"),
		ChiefComplaint:      orDefault(s.Subjective, "主訴を確認してください"),
		PresentIllness:      orDefault(s.Subjective, "現病歴を確認してください"),
		PhysicalExamination: orDefault(s.Objective, "身体所見を確認してください"),
		Diagnosis:           orDefault(s.Assessment, "診断を確認してください"),
		Prescription:        orDefault(s.Plan, "処方内容を確認してください"),
		Guidance:            orDefault(s.Plan, "指導内容を確認してください"),
		NextAppointment:     "次回予約を確認してください",
		Notes:               "Dify AI処理完了 - 構造化データから生成",
	}
}

func (d *Dify) fromText(text string) records.Record {
	illness := text
	if r := []rune(text); len(r) > 200 {
		illness = string(r[:200])
	}
	if illness == "" {
		illness = "音声処理結果を確認してください"
	}
	return records.Record{
		PatientID:           "AUTO-GENERATED",
		ConsultationDate:    d.clock().Format("2006-01-02 15:04"),
		ChiefComplaint:      "音声から抽出された主訴",
		PresentIllness:      illness,
		PhysicalExamination: "診察所見を確認してください",
		Diagnosis:           "診断を確認してください",
		Prescription:        "処方内容を確認してください",
		Guidance:            "指導内容を確認してください",
		NextAppointment:     "次回予約を確認してください",
		Notes:               "Dify処理結果: " + text,
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
