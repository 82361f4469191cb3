// Package session owns the shell's application state and wires the engine
// client, the query composer, and the template store together.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/starford/excelwiz/internal/apperr"
	"github.com/starford/excelwiz/internal/engine"
	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/templates"
)

// Event types published by a Session.
const (
	EventStateChanged     = "state.changed"
	EventWorkbookUploaded = "workbook.uploaded"
	EventRunCompleted     = "run.completed"
	EventTemplateApplied  = "template.applied"
)

var (
	// ErrEmptyQuery is returned by Run when the effective query is blank.
	ErrEmptyQuery = errors.New("session: effective query is empty")
	// ErrSuperseded is returned when a newer request of the same kind was
	// started before this one resolved; its response was discarded.
	ErrSuperseded = errors.New("session: superseded by a newer request")
)

// Engine is the subset of the engine client a Session needs.
type Engine interface {
	Upload(ctx context.Context, filename string, file io.Reader) engine.UploadResponse
	Run(ctx context.Context, effectiveQuery string, wb *models.Workbook) engine.RunResponse
}

// Publisher receives session events.
type Publisher interface {
	Publish(eventType string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Session serialises state transitions under mu. Network calls happen
// outside the lock; a response is applied only if its token is still the
// latest of its kind (last request wins).
type Session struct {
	mu        sync.Mutex
	state     State
	version   uint64
	uploadSeq uint64
	runSeq    uint64

	engine         Engine
	store          *templates.Store
	pub            Publisher
	logger         *slog.Logger
	executeOnApply bool
}

// Option configures a Session.
type Option func(*Session)

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option {
	return func(s *Session) { s.pub = p }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithExecuteOnApply makes an auto-applied template run immediately.
func WithExecuteOnApply(v bool) Option {
	return func(s *Session) { s.executeOnApply = v }
}

// New creates a session. store may be nil when templates are not used.
func New(eng Engine, store *templates.Store, opts ...Option) *Session {
	s := &Session{
		engine: eng,
		store:  store,
		pub:    nopPublisher{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// View is a read-only snapshot with derived fields.
type View struct {
	State
	Version        uint64   `json:"version"`
	EffectiveQuery string   `json:"effective_query"`
	CanRun         bool     `json:"can_run"`
	SheetNames     []string `json:"sheet_names"`
	RegionCount    *int     `json:"region_count,omitempty"`
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current state with derived fields.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	st, ver := s.state, s.version
	s.mu.Unlock()

	v := View{
		State:          st,
		Version:        ver,
		EffectiveQuery: st.EffectiveQuery(),
		CanRun:         st.CanRun(),
		SheetNames:     st.Workbook.SheetNames(),
	}
	if v.SheetNames == nil {
		v.SheetNames = []string{}
	}
	if n, ok := models.SchemaRegionCount(st.Schemas); ok {
		v.RegionCount = &n
	}
	return v
}

// transition applies fn under the lock and publishes the change.
func (s *Session) transition(fn func(State) State) {
	s.mu.Lock()
	s.state = fn(s.state)
	s.version++
	ver := s.version
	s.mu.Unlock()
	s.pub.Publish(EventStateChanged, map[string]uint64{"version": ver})
}

// SetQuery updates the composer text.
func (s *Session) SetQuery(q, refine string) {
	s.transition(func(st State) State { return st.QueryChanged(q, refine) })
}

// Upload sends a spreadsheet to the engine. On success the store is asked
// for an auto-run template, which is applied to the composer.
func (s *Session) Upload(ctx context.Context, filename string, file io.Reader) (engine.UploadResponse, error) {
	s.mu.Lock()
	s.uploadSeq++
	token := s.uploadSeq
	s.state = s.state.UploadStarted()
	s.version++
	ver := s.version
	s.mu.Unlock()
	s.pub.Publish(EventStateChanged, map[string]uint64{"version": ver})

	resp := s.engine.Upload(ctx, filename, file)

	applied := false
	s.mu.Lock()
	if token == s.uploadSeq {
		applied = true
		if resp.OK {
			s.state = s.state.UploadSucceeded(resp.Workbook, resp.Schemas)
		} else {
			s.state = s.state.UploadFailed(resp.Error)
		}
		s.version++
	}
	ver = s.version
	s.mu.Unlock()

	if !applied {
		s.logger.Info("session: stale upload discarded", slog.String("filename", filename))
		return resp, ErrSuperseded
	}
	s.pub.Publish(EventStateChanged, map[string]uint64{"version": ver})
	s.pub.Publish(EventWorkbookUploaded, map[string]any{
		"ok":     resp.OK,
		"sheets": resp.Workbook.SheetCount(),
		"error":  resp.Error,
	})

	if resp.OK {
		s.applyAutoRun(ctx, resp.Workbook)
	}
	return resp, nil
}

func (s *Session) applyAutoRun(ctx context.Context, wb *models.Workbook) {
	if s.store == nil {
		return
	}
	tpl, ok := s.store.OnWorkbookChanged(wb)
	if !ok {
		return
	}
	s.logger.Info("session: auto-run template applied",
		slog.String("template_id", tpl.ID),
		slog.String("name", tpl.Name))
	s.ApplyTemplate(tpl)

	if s.executeOnApply {
		if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
			s.logger.Warn("session: auto-run failed", slog.String("error", err.Error()))
		}
	}
}

// ApplyTemplate loads tpl into the composer.
func (s *Session) ApplyTemplate(tpl models.Template) {
	s.transition(func(st State) State { return st.TemplateApplied(tpl) })
	s.pub.Publish(EventTemplateApplied, map[string]string{"id": tpl.ID, "name": tpl.Name})
}

// ApplyTemplateID loads the stored template id into the composer.
func (s *Session) ApplyTemplateID(id string) (models.Template, error) {
	if s.store == nil {
		return models.Template{}, apperr.ErrNotFound
	}
	tpl, ok := s.store.Get(id)
	if !ok {
		return models.Template{}, apperr.ErrNotFound
	}
	s.ApplyTemplate(tpl)
	return tpl, nil
}

// Run submits the current effective query with the current workbook.
// Engine failures are reported in the response, not as an error.
func (s *Session) Run(ctx context.Context) (engine.RunResponse, error) {
	s.mu.Lock()
	if !s.state.CanRun() {
		s.mu.Unlock()
		return engine.RunResponse{}, ErrEmptyQuery
	}
	s.runSeq++
	token := s.runSeq
	q := s.state.EffectiveQuery()
	wb := s.state.Workbook
	s.state = s.state.RunStarted()
	s.version++
	ver := s.version
	s.mu.Unlock()
	s.pub.Publish(EventStateChanged, map[string]uint64{"version": ver})

	resp := s.engine.Run(ctx, q, wb)

	applied := false
	s.mu.Lock()
	if token == s.runSeq {
		applied = true
		if resp.OK {
			s.state = s.state.RunSucceeded(resp.Result, resp.Context)
		} else {
			s.state = s.state.RunFailed(resp.Error)
		}
		s.version++
	}
	ver = s.version
	s.mu.Unlock()

	if !applied {
		s.logger.Info("session: stale run discarded", slog.Uint64("token", token))
		return resp, ErrSuperseded
	}
	s.pub.Publish(EventStateChanged, map[string]uint64{"version": ver})
	s.pub.Publish(EventRunCompleted, map[string]any{"ok": resp.OK, "error": resp.Error})
	return resp, nil
}
