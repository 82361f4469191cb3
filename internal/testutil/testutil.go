// Package testutil provides shared test helpers: a scripted engine server
// and temporary template stores.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/excelwiz/internal/engine"
	"github.com/starford/excelwiz/internal/templates"
)

// DefaultUploadBody is a one-sheet workbook with a single schema region.
const DefaultUploadBody = `{"ok":true,"workbook":{"sheets":[{"name":"Sales","rows":[["region","amount"],["north",120]]}]},"schemas":[{"region":"A1:B2"}]}`

// DefaultRunBody is a successful run response.
const DefaultRunBody = `{"ok":true,"result":{"total":120},"context":{"unit":"EUR"}}`

// RunRequest is a decoded POST /run body.
type RunRequest struct {
	Query    string          `json:"query"`
	Workbook json.RawMessage `json:"workbook"`
}

// Engine is a scripted stand-in for the remote engine.
type Engine struct {
	URL string

	mu           sync.Mutex
	uploadStatus int
	uploadBody   string
	runStatus    int
	runBody      string
	uploads      []string
	runs         []RunRequest
}

// EngineServer starts an Engine that answers with the default bodies.
func EngineServer(t *testing.T) *Engine {
	t.Helper()
	e := &Engine{
		uploadStatus: http.StatusOK,
		uploadBody:   DefaultUploadBody,
		runStatus:    http.StatusOK,
		runBody:      DefaultRunBody,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", e.handleUpload)
	mux.HandleFunc("POST /run", e.handleRun)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e.URL = srv.URL
	return e
}

// Client returns an engine client pointed at e.
func (e *Engine) Client() *engine.Client {
	return engine.NewClient(e.URL, 5*time.Second, engine.WithLogger(QuietLogger()))
}

// SetUpload scripts the next upload responses.
func (e *Engine) SetUpload(status int, body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploadStatus, e.uploadBody = status, body
}

// SetRun scripts the next run responses.
func (e *Engine) SetRun(status int, body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runStatus, e.runBody = status, body
}

// Uploads returns the filenames received so far.
func (e *Engine) Uploads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.uploads...)
}

// Runs returns the run requests received so far.
func (e *Engine) Runs() []RunRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RunRequest(nil), e.runs...)
}

func (e *Engine) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	_, _ = io.Copy(io.Discard, file)
	file.Close()

	e.mu.Lock()
	e.uploads = append(e.uploads, header.Filename)
	status, body := e.uploadStatus, e.uploadBody
	e.mu.Unlock()

	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (e *Engine) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	e.mu.Lock()
	e.runs = append(e.runs, req)
	status, body := e.runStatus, e.runBody
	e.mu.Unlock()

	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// QuietLogger discards everything below error level.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TemplateStore creates a store backed by a temporary SQLite database that
// is automatically cleaned up.
func TemplateStore(t *testing.T, opts ...templates.Option) *templates.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "excelwiz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	repo, err := templates.OpenSQLite(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })

	opts = append([]templates.Option{templates.WithLogger(QuietLogger())}, opts...)
	return templates.NewStore(context.Background(), repo, opts...)
}

// WriteFile writes content to name inside a new temporary directory and
// returns the full path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
