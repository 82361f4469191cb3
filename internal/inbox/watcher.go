// Package inbox uploads spreadsheets dropped into a watched directory.
package inbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/excelwiz/internal/checksum"
	"github.com/starford/excelwiz/internal/engine"
	"github.com/starford/excelwiz/internal/storage"
)

// Sub-directories files are moved into after an attempt.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Extensions lists the accepted spreadsheet extensions.
var Extensions = []string{".xlsx", ".xlsm", ".xls", ".csv"}

// Uploader sends a file to the engine; *session.Session satisfies it.
type Uploader interface {
	Upload(ctx context.Context, filename string, file io.Reader) (engine.UploadResponse, error)
}

// ResultCallback is called after each file has been handled. skipped is
// true when nothing was uploaded: the content matched the last successful
// upload, or the file was empty.
type ResultCallback func(name string, ok, skipped bool)

// Watcher debounces file events per name and uploads each settled file
// once through the Uploader.
type Watcher struct {
	fs       *storage.FS
	up       Uploader
	debounce time.Duration
	logger   *slog.Logger
	cb       ResultCallback

	// lastSum is the checksum of the last successful upload from any file.
	lastSum string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a file is uploaded.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithCallback registers cb for handled files.
func WithCallback(cb ResultCallback) Option {
	return func(w *Watcher) { w.cb = cb }
}

// New creates a watcher for dir, creating it when missing.
func New(dir string, up Uploader, opts ...Option) (*Watcher, error) {
	fsys, err := storage.NewFS(dir)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:       fsys,
		up:       up,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.fs.Root()
}

// Run processes files already in the directory, then watches it until ctx
// is cancelled. Uploads run on the Run goroutine, one file at a time.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.fs.Root()); err != nil {
		return err
	}
	w.logger.Info("inbox: started", slog.String("dir", w.fs.Root()))

	existing, err := w.fs.List("", Extensions...)
	if err != nil {
		w.logger.Warn("inbox: initial scan failed", slog.String("error", err.Error()))
	}
	for _, fi := range existing {
		w.process(ctx, fi.Path)
	}

	ready := make(chan string)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox: stopped")
			return nil

		case name := <-ready:
			delete(timers, name)
			w.process(ctx, name)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name, ok := w.candidate(ev.Name)
			if !ok {
				continue
			}
			if t, exists := timers[name]; exists {
				t.Reset(w.debounce)
				continue
			}
			timers[name] = time.AfterFunc(w.debounce, func() {
				select {
				case ready <- name:
				case <-ctx.Done():
				}
			})

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

// candidate returns the root-relative name of a spreadsheet directly in
// the watched directory.
func (w *Watcher) candidate(abs string) (string, bool) {
	if filepath.Clean(filepath.Dir(abs)) != w.fs.Root() {
		return "", false
	}
	name := filepath.Base(abs)
	if strings.HasPrefix(name, ".") || !storage.MatchExt(name, Extensions...) {
		return "", false
	}
	return name, true
}

func (w *Watcher) process(ctx context.Context, name string) {
	data, err := w.fs.Read(name)
	if err != nil {
		// Already moved or removed.
		w.logger.Debug("inbox: read skipped", slog.String("file", name), slog.String("error", err.Error()))
		return
	}
	if len(data) == 0 {
		w.logger.Info("inbox: empty file removed", slog.String("file", name))
		if err := w.fs.Delete(name); err != nil {
			w.logger.Warn("inbox: remove failed", slog.String("file", name), slog.String("error", err.Error()))
		}
		w.notify(name, false, true)
		return
	}
	sum := checksum.Sum(data)
	if sum == w.lastSum {
		w.logger.Info("inbox: unchanged content skipped", slog.String("file", name))
		w.move(name, ProcessedDir)
		w.notify(name, true, true)
		return
	}

	resp, err := w.up.Upload(ctx, name, bytes.NewReader(data))
	ok := resp.OK
	switch {
	case err != nil && ok:
		w.logger.Info("inbox: upload superseded", slog.String("file", name))
	case !ok:
		w.logger.Warn("inbox: upload failed", slog.String("file", name), slog.String("error", resp.Error))
	default:
		w.logger.Info("inbox: uploaded", slog.String("file", name), slog.Int("sheets", resp.Workbook.SheetCount()))
	}

	dest := FailedDir
	if ok {
		w.lastSum = sum
		dest = ProcessedDir
	}
	w.move(name, dest)
	w.notify(name, ok, false)
}

func (w *Watcher) move(name, dir string) {
	if err := w.fs.Move(name, filepath.Join(dir, name)); err != nil {
		w.logger.Warn("inbox: move failed", slog.String("file", name), slog.String("to", dir), slog.String("error", err.Error()))
	}
}

func (w *Watcher) notify(name string, ok, skipped bool) {
	if w.cb != nil {
		w.cb(name, ok, skipped)
	}
}
