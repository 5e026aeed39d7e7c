package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/records"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	recordingDotStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Bold(true)

	idleDotStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	interimStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	infoStyle = lipgloss.NewStyle().
			Foreground(colorCyan)
)

// Formatter prints session state for humans.
type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintln(f.w, errorStyle.Render("✗ "+msg))
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintln(f.w, successStyle.Render("✓ "+msg))
}

func (f *Formatter) Check(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "%s %s: %s\n", successStyle.Render("✓"), name, detail)
	} else {
		fmt.Fprintf(f.w, "%s %s: %s\n", errorStyle.Render("✗"), name, detail)
	}
}

func (f *Formatter) Message(m protocol.Message) {
	if m.Text == "" {
		return
	}
	switch m.Kind {
	case protocol.MessageKindError:
		f.Error(m.Text)
	case protocol.MessageKindSuccess:
		f.Success(m.Text)
	default:
		fmt.Fprintln(f.w, infoStyle.Render("• "+m.Text))
	}
}

// Status prints the session snapshot: state line, patient, transcript and record.
func (f *Formatter) Status(st protocol.Status) {
	dot := idleDotStyle.Render("○")
	if st.State == "recording" {
		dot = recordingDotStyle.Render("●")
	}
	state := st.State
	if st.Processing {
		state += " (processing)"
	}
	fmt.Fprintf(f.w, "%s %s %s\n", dot, titleStyle.Render(state), st.Elapsed)

	p := st.Patient
	fmt.Fprintf(f.w, "%s %s / %s / %s / %s\n", labelStyle.Render("患者:"), orDash(p.Name), orDash(p.ID), orDash(p.Age), orDash(p.Gender))
	if st.AudioBytes > 0 {
		fmt.Fprintf(f.w, "%s %d bytes\n", labelStyle.Render("音声:"), st.AudioBytes)
	}

	if !st.RecognizerSupported {
		fmt.Fprintln(f.w, labelStyle.Render("リアルタイム文字起こし: 無効"))
	} else if st.TranscriptFinal != "" || st.TranscriptInterim != "" {
		fmt.Fprintln(f.w, labelStyle.Render("文字起こし:"))
		fmt.Fprintf(f.w, "  %s%s\n", st.TranscriptFinal, interimStyle.Render(st.TranscriptInterim))
	}

	if st.Record != nil {
		fmt.Fprintf(f.w, "%s %.1f%%\n", labelStyle.Render("医療記録 信頼度:"), st.Confidence*100)
		f.Record(*st.Record)
	}
	f.Message(st.Message)
}

func (f *Formatter) Record(rec records.Record) {
	for _, field := range records.Fields {
		value, _ := rec.Get(field.Name)
		fmt.Fprintf(f.w, "  %s %s\n", labelStyle.Render(field.Label+":"), orDash(value))
	}
}

func (f *Formatter) Records(recs []records.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(f.w, labelStyle.Render("保存された記録はありません"))
		return
	}
	fmt.Fprintln(f.w, titleStyle.Render(fmt.Sprintf("%-5s %-12s %-20s %s", "ID", "患者ID", "診察日時", "診断")))
	for _, rec := range recs {
		fmt.Fprintf(f.w, "%-5d %-12s %-20s %s\n", rec.ID, orDash(rec.PatientID), orDash(rec.ConsultationDate), oneLine(rec.Diagnosis))
	}
}

func (f *Formatter) Transcript(lines []protocol.Transcript) {
	if len(lines) == 0 {
		fmt.Fprintln(f.w, labelStyle.Render("文字起こしはまだありません"))
		return
	}
	for _, tr := range lines {
		fmt.Fprintf(f.w, "%s %s\n", labelStyle.Render(tr.Timestamp.Local().Format("15:04:05")), tr.Text)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
