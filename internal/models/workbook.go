// Package models defines the domain types exchanged with the MTM-8 engine.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sheet is one normalised worksheet: a name and an ordered grid of cells.
// Cells are string, json.Number, bool, or nil.
type Sheet struct {
	Name string  `json:"name"`
	Rows [][]any `json:"rows"`
}

// Workbook is the engine's normalised view of an uploaded spreadsheet.
// Sheet order is significant and names need not be unique.
type Workbook struct {
	Sheets []Sheet `json:"sheets"`
}

// SheetNames returns the sheet names in workbook order.
func (w *Workbook) SheetNames() []string {
	if w == nil {
		return nil
	}
	names := make([]string, len(w.Sheets))
	for i, s := range w.Sheets {
		names[i] = s.Name
	}
	return names
}

// SheetCount returns the number of sheets, zero for a nil workbook.
func (w *Workbook) SheetCount() int {
	if w == nil {
		return 0
	}
	return len(w.Sheets)
}

// DecodeWorkbook decodes a workbook keeping numbers as json.Number so that
// cell values survive a round trip unchanged.
func DecodeWorkbook(data []byte) (*Workbook, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var wb Workbook
	if err := dec.Decode(&wb); err != nil {
		return nil, fmt.Errorf("models: decode workbook: %w", err)
	}
	return &wb, nil
}

// SchemaRegionCount reports how many regions an opaque schema value
// describes, which is only known when the engine returns a JSON array.
func SchemaRegionCount(schemas json.RawMessage) (int, bool) {
	if IsAbsent(schemas) {
		return 0, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(schemas, &items); err != nil {
		return 0, false
	}
	return len(items), true
}

// IsAbsent reports whether an opaque engine value was omitted or null.
func IsAbsent(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
