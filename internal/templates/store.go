package templates

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/excelwiz/internal/models"
)

// Store is the single authoritative copy of the template collection. Every
// mutation is a whole-collection read-modify-persist cycle under mu, so
// rapid successive calls cannot lose updates.
type Store struct {
	mu    sync.Mutex
	repo  Repository
	items []models.Template

	logger         *slog.Logger
	autoRunDefault bool
	now            func() time.Time
	newID          func() string
	onChange       func([]models.Template)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithAutoRunDefault sets the auto-run flag applied by Save.
func WithAutoRunDefault(v bool) Option {
	return func(s *Store) { s.autoRunDefault = v }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides template ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithOnChange registers a callback invoked with a copy of the collection
// after every mutation. It runs under the store lock and must not call
// back into the Store.
func WithOnChange(fn func([]models.Template)) Option {
	return func(s *Store) { s.onChange = fn }
}

// NewStore loads the collection from repo. Load failures are logged and
// treated as an empty collection.
func NewStore(ctx context.Context, repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	items, err := repo.Load(ctx)
	if err != nil {
		s.logger.Warn("templates: load failed, starting empty", slog.String("error", err.Error()))
		items = nil
	}
	if items == nil {
		items = []models.Template{}
	}
	s.items = items
	s.logger.Debug("templates: loaded", slog.Int("count", len(items)))
	return s
}

// List returns the templates, most recently created first.
func (s *Store) List() []models.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.items)
}

// Get returns the template with id.
func (s *Store) Get(id string) (models.Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.items {
		if t.ID == id {
			return t, true
		}
	}
	return models.Template{}, false
}

// Save creates a template with the configured auto-run default. It is a
// no-op returning false when name or query is blank.
func (s *Store) Save(ctx context.Context, name, query string) (models.Template, bool) {
	return s.SaveWithAutoRun(ctx, name, query, s.autoRunDefault)
}

// SaveWithAutoRun creates a template with an explicit auto-run flag. A
// flagged template clears the flag on every other template.
func (s *Store) SaveWithAutoRun(ctx context.Context, name, query string, autoRun bool) (models.Template, bool) {
	name = strings.TrimSpace(name)
	query = strings.TrimSpace(query)
	if name == "" || query == "" {
		return models.Template{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now().UTC().Truncate(time.Second)
	tpl := models.Template{
		ID:        s.newID(),
		Name:      name,
		Query:     query,
		AutoRun:   autoRun,
		CreatedAt: &created,
	}

	next := make([]models.Template, 0, len(s.items)+1)
	next = append(next, tpl)
	for _, t := range s.items {
		if autoRun {
			t.AutoRun = false
		}
		next = append(next, t)
	}
	s.commit(ctx, next, "save", tpl.ID)
	return tpl, true
}

// Delete removes the template with id. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]models.Template, 0, len(s.items))
	for _, t := range s.items {
		if t.ID != id {
			next = append(next, t)
		}
	}
	s.commit(ctx, next, "delete", id)
}

// SetAutoRun flags exactly the template with id and clears all others.
// It reports false, changing nothing, when id is unknown.
func (s *Store) SetAutoRun(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	next := clone(s.items)
	for i := range next {
		next[i].AutoRun = next[i].ID == id
		found = found || next[i].AutoRun
	}
	if !found {
		return false
	}
	s.commit(ctx, next, "set_auto_run", id)
	return true
}

// ClearAutoRun clears the auto-run flag on every template.
func (s *Store) ClearAutoRun(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := clone(s.items)
	for i := range next {
		next[i].AutoRun = false
	}
	s.commit(ctx, next, "clear_auto_run", "")
}

// AutoRunTemplate returns the first flagged template in stored order.
// Older data may flag several; the first one wins.
func (s *Store) AutoRunTemplate() (models.Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.items {
		if t.AutoRun {
			return t, true
		}
	}
	return models.Template{}, false
}

// OnWorkbookChanged selects the template to apply for a newly available
// workbook. A nil workbook selects nothing.
func (s *Store) OnWorkbookChanged(wb *models.Workbook) (models.Template, bool) {
	if wb == nil {
		return models.Template{}, false
	}
	return s.AutoRunTemplate()
}

// commit swaps in next and persists it. Persistence failures are logged;
// the in-memory copy stays authoritative. Caller holds mu.
//
// The write ignores cancellation of ctx: an accepted mutation is persisted
// even when the request that caused it has gone away.
func (s *Store) commit(ctx context.Context, next []models.Template, op, id string) {
	s.items = next
	if err := s.repo.Save(context.WithoutCancel(ctx), next); err != nil {
		s.logger.Error("templates: persist failed",
			slog.String("op", op),
			slog.String("id", id),
			slog.String("error", err.Error()))
	} else {
		s.logger.Debug("templates: persisted",
			slog.String("op", op),
			slog.String("id", id),
			slog.Int("count", len(next)))
	}
	if s.onChange != nil {
		s.onChange(clone(next))
	}
}

func clone(in []models.Template) []models.Template {
	out := make([]models.Template, len(in))
	copy(out, in)
	return out
}
