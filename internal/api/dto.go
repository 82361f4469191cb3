package api

import (
	"encoding/json"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/session"
)

// QueryRequest is the request body for PUT /api/query.
type QueryRequest struct {
	Query  string `json:"query" example:"Total sales per region"`
	Refine string `json:"refine" example:"Only 2024"`
}

// SaveTemplateRequest is the request body for POST /api/templates.
type SaveTemplateRequest struct {
	Name    string `json:"name" example:"Monthly report" validate:"required"`
	Query   string `json:"query" example:"Total sales per region" validate:"required"`
	AutoRun *bool  `json:"auto_run,omitempty"`
}

// Validate rejects names and queries that are blank after trimming.
func (r SaveTemplateRequest) Validate() error {
	name, query := strings.TrimSpace(r.Name), strings.TrimSpace(r.Query)
	return validation.Errors{
		"name":  validation.Validate(name, validation.Required.Error("name is required")),
		"query": validation.Validate(query, validation.Required.Error("query is required")),
	}.Filter()
}

// StateResponse is the session snapshot returned by most endpoints.
type StateResponse = session.View

// UploadResult is returned by POST /api/workbook.
type UploadResult struct {
	OK          bool     `json:"ok"`
	SheetNames  []string `json:"sheet_names,omitempty"`
	RegionCount *int     `json:"region_count,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// RunResult is returned by POST /api/run.
type RunResult struct {
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TemplateListResponse wraps the template collection.
type TemplateListResponse struct {
	Templates []models.Template `json:"templates" validate:"required"`
}

// ApplyResponse is returned after a template is loaded into the composer.
type ApplyResponse struct {
	Template models.Template `json:"template"`
	State    StateResponse   `json:"state"`
}
