package session

import (
	"encoding/json"

	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/query"
)

// State is everything the shell displays. Transitions are pure: each
// returns a new State and never touches shared data.
type State struct {
	Workbook    *models.Workbook `json:"workbook,omitempty"`
	Schemas     json.RawMessage  `json:"schemas,omitempty"`
	Query       string           `json:"query"`
	Refine      string           `json:"refine"`
	Uploading   bool             `json:"uploading"`
	UploadError string           `json:"upload_error,omitempty"`
	Running     bool             `json:"running"`
	Error       string           `json:"error,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Context     json.RawMessage  `json:"context,omitempty"`
}

// EffectiveQuery is derived from Query and Refine on every call.
func (s State) EffectiveQuery() string {
	return query.Effective(s.Query, s.Refine)
}

// CanRun reports whether a run may be started.
func (s State) CanRun() bool {
	return query.CanRun(s.Query, s.Refine)
}

// UploadStarted marks an upload in flight.
func (s State) UploadStarted() State {
	s.Uploading = true
	s.UploadError = ""
	return s
}

// UploadSucceeded replaces the workbook wholesale and clears output from
// the previous workbook.
func (s State) UploadSucceeded(wb *models.Workbook, schemas json.RawMessage) State {
	s.Uploading = false
	s.UploadError = ""
	s.Workbook = wb
	s.Schemas = schemas
	s.Error = ""
	s.Result = nil
	s.Context = nil
	return s
}

// UploadFailed returns to the no-workbook state.
func (s State) UploadFailed(msg string) State {
	s = s.UploadSucceeded(nil, nil)
	s.UploadError = msg
	return s
}

// RunStarted discards the previous result before the new one resolves.
func (s State) RunStarted() State {
	s.Running = true
	s.Error = ""
	s.Result = nil
	s.Context = nil
	return s
}

// RunSucceeded shows whichever of result and context the engine returned.
func (s State) RunSucceeded(result, context json.RawMessage) State {
	s.Running = false
	s.Error = ""
	s.Result = result
	s.Context = context
	return s
}

// RunFailed shows msg verbatim with no output.
func (s State) RunFailed(msg string) State {
	s.Running = false
	s.Error = msg
	s.Result = nil
	s.Context = nil
	return s
}

// TemplateApplied loads a template's query and clears the refine text.
func (s State) TemplateApplied(tpl models.Template) State {
	s.Query = tpl.Query
	s.Refine = ""
	return s
}

// QueryChanged records edits to the composer.
func (s State) QueryChanged(q, refine string) State {
	s.Query = q
	s.Refine = refine
	return s
}
