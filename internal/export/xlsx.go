// Package export writes workbooks received from the engine as .xlsx files.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/starford/excelwiz/internal/models"
)

const maxSheetName = 31

var ErrNoWorkbook = errors.New("export: no workbook")

// WriteXLSX writes wb to w, one worksheet per sheet in order.
func WriteXLSX(w io.Writer, wb *models.Workbook) error {
	if wb == nil {
		return ErrNoWorkbook
	}
	f := excelize.NewFile()
	defer f.Close()

	names := SheetNames(wb)
	for i, sheet := range wb.Sheets {
		name := names[i]
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("export: rename sheet %q: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("export: add sheet %q: %w", name, err)
		}
		for r, row := range sheet.Rows {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				return err
			}
			values := make([]any, len(row))
			for c, v := range row {
				values[c] = cellValue(v)
			}
			if err := f.SetSheetRow(name, cell, &values); err != nil {
				return fmt.Errorf("export: sheet %q row %d: %w", name, r+1, err)
			}
		}
	}
	f.SetActiveSheet(0)
	return f.Write(w)
}

// SheetNames returns the worksheet names WriteXLSX will use for wb.
func SheetNames(wb *models.Workbook) []string {
	if wb == nil {
		return nil
	}
	seen := make(map[string]bool, len(wb.Sheets))
	out := make([]string, 0, len(wb.Sheets))
	for _, s := range wb.Sheets {
		base := sanitize(s.Name)
		name := base
		for n := 2; seen[strings.ToLower(name)]; n++ {
			suffix := fmt.Sprintf(" (%d)", n)
			name = truncate(base, maxSheetName-len(suffix)) + suffix
		}
		seen[strings.ToLower(name)] = true
		out = append(out, name)
	}
	return out
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(strings.TrimSpace(name), "'")
	if name == "" {
		name = "Sheet"
	}
	return truncate(name, maxSheetName)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func cellValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
