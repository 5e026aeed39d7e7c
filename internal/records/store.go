package records

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/xuri/excelize/v2"
	_ "modernc.org/sqlite"
)

// Store keeps saved records in SQLite and exports them as spreadsheets.
type Store struct {
	db    *sql.DB
	cfg   config.RecordsConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.RecordsConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "records")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    patient_id TEXT,
    consultation_date TEXT,
    chief_complaint TEXT,
    present_illness TEXT,
    physical_examination TEXT,
    diagnosis TEXT,
    prescription TEXT,
    guidance TEXT,
    next_appointment TEXT,
    notes TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init records schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts rec and returns its assigned id.
func (s *Store) Save(ctx context.Context, rec Record) (int64, error) {
	created := s.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records(patient_id, consultation_date, chief_complaint, present_illness,
		 physical_examination, diagnosis, prescription, guidance, next_appointment, notes, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PatientID, rec.ConsultationDate, rec.ChiefComplaint, rec.PresentIllness,
		rec.PhysicalExamination, rec.Diagnosis, rec.Prescription, rec.Guidance,
		rec.NextAppointment, rec.Notes, created.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record id: %w", err)
	}
	s.log.Info("record saved", slog.Int64("id", id), slog.String("patient_id", rec.PatientID))
	return id, nil
}

// List returns saved records, oldest first. With ids, only those records are
// returned.
func (s *Store) List(ctx context.Context, ids ...int64) ([]Record, error) {
	query := `SELECT id, patient_id, consultation_date, chief_complaint, present_illness,
		physical_examination, diagnosis, prescription, guidance, next_appointment, notes, created_at
		FROM records`
	args := make([]any, 0, len(ids))
	if len(ids) > 0 {
		query += " WHERE id IN (?" + strings.Repeat(", ?", len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.PatientID, &r.ConsultationDate, &r.ChiefComplaint, &r.PresentIllness,
			&r.PhysicalExamination, &r.Diagnosis, &r.Prescription, &r.Guidance, &r.NextAppointment,
			&r.Notes, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Export renders the selected records (all when ids is empty) as an XLSX
// workbook.
func (s *Store) Export(ctx context.Context, ids ...int64) ([]byte, error) {
	recs, err := s.List(ctx, ids...)
	if err != nil {
		return nil, err
	}
	data, err := Workbook(s.cfg.SheetName, recs)
	if err != nil {
		return nil, err
	}
	s.log.Info("records exported", slog.Int("count", len(recs)))
	return data, nil
}

// Workbook renders recs into a single-sheet XLSX file.
func Workbook(sheet string, recs []Record) ([]byte, error) {
	if sheet == "" {
		sheet = "records"
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	header := []any{"ID"}
	for _, field := range Fields {
		header = append(header, field.Label)
	}
	header = append(header, "作成日時")
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for i, rec := range recs {
		row := []any{rec.ID}
		for _, field := range Fields {
			v, _ := rec.Get(field.Name)
			row = append(row, v)
		}
		created := ""
		if !rec.CreatedAt.IsZero() {
			created = rec.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		row = append(row, created)

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
