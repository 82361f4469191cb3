// Package render formats session output for the terminal.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/session"
)

var (
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true)

	nameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)
)

// Workbook writes the sheet list with row counts and, when known, the
// number of schema regions detected by the engine.
func Workbook(w io.Writer, wb *models.Workbook, schemas json.RawMessage) {
	fmt.Fprintln(w, sectionStyle.Render("Workbook"))
	if wb == nil {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, s := range wb.Sheets {
		fmt.Fprintf(w, "  %s %s\n", nameStyle.Render(s.Name), countStyle.Render(fmt.Sprintf("%d rows", len(s.Rows))))
	}
	if n, ok := models.SchemaRegionCount(schemas); ok {
		fmt.Fprintf(w, "  schema regions: %s\n", countStyle.Render(fmt.Sprint(n)))
	}
}

// Result writes the engine result and semantic context as indented JSON.
func Result(w io.Writer, result, semantic json.RawMessage) {
	fmt.Fprintln(w, sectionStyle.Render("Result"))
	fmt.Fprintln(w, prettyJSON(result))
	if !models.IsAbsent(semantic) {
		fmt.Fprintln(w, sectionStyle.Render("Context"))
		fmt.Fprintln(w, prettyJSON(semantic))
	}
}

// Error writes msg in the error style. Empty messages are skipped.
func Error(w io.Writer, msg string) {
	if msg == "" {
		return
	}
	fmt.Fprintln(w, errorStyle.Render("error: "+msg))
}

// Templates writes the template list, marking the auto-run template.
func Templates(w io.Writer, list []models.Template) {
	fmt.Fprintln(w, sectionStyle.Render("Templates"))
	if len(list) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, t := range list {
		line := "  " + nameStyle.Render(t.Name) + " " + idStyle.Render(t.ID)
		if t.AutoRun {
			line += " " + flagStyle.Render("[auto-run]")
		}
		fmt.Fprintln(w, line)
		fmt.Fprintf(w, "    %s\n", t.Query)
	}
}

// View writes a full session snapshot.
func View(w io.Writer, v session.View) {
	Workbook(w, v.Workbook, v.Schemas)
	Error(w, v.UploadError)
	if v.EffectiveQuery != "" {
		fmt.Fprintln(w, sectionStyle.Render("Query"))
		fmt.Fprintln(w, v.EffectiveQuery)
	}
	if !models.IsAbsent(v.Result) {
		Result(w, v.Result, v.Context)
	}
	Error(w, v.Error)
}

func prettyJSON(raw json.RawMessage) string {
	if models.IsAbsent(raw) {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
