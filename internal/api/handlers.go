package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/excelwiz/internal/apperr"
	"github.com/starford/excelwiz/internal/export"
	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/session"
	"github.com/starford/excelwiz/internal/templates"
)

const maxUploadSize = 64 << 20

// Handler holds API route handlers.
type Handler struct {
	sess  *session.Session
	store *templates.Store
}

// NewHandler creates a new Handler.
func NewHandler(sess *session.Session, store *templates.Store) *Handler {
	return &Handler{sess: sess, store: store}
}

// GetState handles GET /api/state.
//
//	@Summary		Current session state
//	@Tags			session
//	@Produce		json
//	@Success		200	{object}	StateResponse
//	@Security		BearerAuth
//	@Router			/state [get]
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sess.Snapshot())
}

// PutQuery handles PUT /api/query.
//
//	@Summary		Update the query composer
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			body	body		QueryRequest	true	"Query and refine text"
//	@Success		200		{object}	StateResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/query [put]
func (h *Handler) PutQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.sess.SetQuery(req.Query, req.Refine)
	writeJSON(w, http.StatusOK, h.sess.Snapshot())
}

// UploadWorkbook handles POST /api/workbook.
//
//	@Summary		Upload a spreadsheet to the engine
//	@Tags			workbook
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Spreadsheet"
//	@Success		200		{object}	UploadResult
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		502		{object}	UploadResult
//	@Security		BearerAuth
//	@Router			/workbook [post]
func (h *Handler) UploadWorkbook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file field is required"))
		return
	}
	defer file.Close()

	resp, err := h.sess.Upload(r.Context(), header.Filename, file)
	if errors.Is(err, session.ErrSuperseded) {
		writeJSON(w, http.StatusConflict, errorBody("superseded by a newer upload"))
		return
	}
	if !resp.OK {
		slog.Warn("upload failed", slog.String("filename", header.Filename), slog.String("error", resp.Error))
		writeJSON(w, failureStatus(resp.Cause), UploadResult{Error: resp.Error})
		return
	}
	out := UploadResult{OK: true, SheetNames: resp.Workbook.SheetNames()}
	if n, ok := models.SchemaRegionCount(resp.Schemas); ok {
		out.RegionCount = &n
	}
	writeJSON(w, http.StatusOK, out)
}

// ExportWorkbook handles GET /api/workbook/export.
//
//	@Summary		Download the current workbook as .xlsx
//	@Tags			workbook
//	@Produce		application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
//	@Success		200
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/workbook/export [get]
func (h *Handler) ExportWorkbook(w http.ResponseWriter, r *http.Request) {
	wb := h.sess.State().Workbook
	if wb == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no workbook uploaded"))
		return
	}
	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, wb); err != nil {
		slog.Error("export failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="workbook.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Run handles POST /api/run.
//
//	@Summary		Run the effective query against the engine
//	@Tags			session
//	@Produce		json
//	@Success		200	{object}	RunResult
//	@Failure		400	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Failure		502	{object}	RunResult
//	@Security		BearerAuth
//	@Router			/run [post]
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	resp, err := h.sess.Run(r.Context())
	switch {
	case errors.Is(err, session.ErrEmptyQuery):
		writeJSON(w, http.StatusBadRequest, errorBody("query is empty"))
		return
	case errors.Is(err, session.ErrSuperseded):
		writeJSON(w, http.StatusConflict, errorBody("superseded by a newer run"))
		return
	}
	if !resp.OK {
		slog.Warn("run failed", slog.String("error", resp.Error))
		writeJSON(w, failureStatus(resp.Cause), RunResult{Error: resp.Error})
		return
	}
	writeJSON(w, http.StatusOK, RunResult{OK: true, Result: resp.Result, Context: resp.Context})
}

// ListTemplates handles GET /api/templates.
//
//	@Summary		List saved templates
//	@Tags			templates
//	@Produce		json
//	@Success		200	{object}	TemplateListResponse
//	@Security		BearerAuth
//	@Router			/templates [get]
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TemplateListResponse{Templates: h.store.List()})
}

// CreateTemplate handles POST /api/templates.
//
//	@Summary		Save a template
//	@Tags			templates
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SaveTemplateRequest	true	"Template to save"
//	@Success		201		{object}	models.Template
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/templates [post]
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req SaveTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	var (
		tpl models.Template
		ok  bool
	)
	if req.AutoRun != nil {
		tpl, ok = h.store.SaveWithAutoRun(r.Context(), req.Name, req.Query, *req.AutoRun)
	} else {
		tpl, ok = h.store.Save(r.Context(), req.Name, req.Query)
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("name and query are required"))
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

// DeleteTemplate handles DELETE /api/templates/{id}.
//
//	@Summary		Delete a template
//	@Tags			templates
//	@Param			id	path	string	true	"Template ID"
//	@Success		204
//	@Security		BearerAuth
//	@Router			/templates/{id} [delete]
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	h.store.Delete(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// SetAutoRun handles PUT /api/templates/{id}/auto-run.
//
//	@Summary		Flag a template as the auto-run template
//	@Tags			templates
//	@Param			id	path		string	true	"Template ID"
//	@Success		200	{object}	TemplateListResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/templates/{id}/auto-run [put]
func (h *Handler) SetAutoRun(w http.ResponseWriter, r *http.Request) {
	if !h.store.SetAutoRun(r.Context(), chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, TemplateListResponse{Templates: h.store.List()})
}

// ClearAutoRun handles DELETE /api/templates/auto-run.
//
//	@Summary		Clear the auto-run flag on every template
//	@Tags			templates
//	@Success		204
//	@Security		BearerAuth
//	@Router			/templates/auto-run [delete]
func (h *Handler) ClearAutoRun(w http.ResponseWriter, r *http.Request) {
	h.store.ClearAutoRun(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ApplyTemplate handles POST /api/templates/{id}/apply.
//
//	@Summary		Load a template into the query composer
//	@Tags			templates
//	@Produce		json
//	@Param			id	path		string	true	"Template ID"
//	@Success		200	{object}	ApplyResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/templates/{id}/apply [post]
func (h *Handler) ApplyTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.sess.ApplyTemplateID(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("apply template failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, ApplyResponse{Template: tpl, State: h.sess.Snapshot()})
}

// failureStatus maps an engine failure to an HTTP status.
func failureStatus(cause error) int {
	if apperr.KindOf(cause) == apperr.KindConfiguration {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
