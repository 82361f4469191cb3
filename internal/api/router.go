package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/excelwiz/internal/session"
	"github.com/starford/excelwiz/internal/templates"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(sess *session.Session, store *templates.Store, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(sess, store)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/state", h.GetState)
	r.Put("/query", h.PutQuery)
	r.Post("/run", h.Run)

	r.Post("/workbook", h.UploadWorkbook)
	r.Get("/workbook/export", h.ExportWorkbook)

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.ListTemplates)
		r.Post("/", h.CreateTemplate)
		r.Delete("/auto-run", h.ClearAutoRun)
		r.Delete("/{id}", h.DeleteTemplate)
		r.Put("/{id}/auto-run", h.SetAutoRun)
		r.Post("/{id}/apply", h.ApplyTemplate)
	})

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
