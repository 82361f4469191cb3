package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/starford/excelwiz/internal/apperr"
	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/storage"
)

// FileRepo stores the collection in a single JSON file written atomically.
type FileRepo struct {
	fs   storage.Provider
	name string
}

// NewFileRepo stores the collection at path, creating its directory.
func NewFileRepo(path string) (*FileRepo, error) {
	fs, err := storage.NewFS(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return &FileRepo{fs: fs, name: filepath.Base(path)}, nil
}

// Load implements Repository. A missing file is an empty collection.
func (r *FileRepo) Load(_ context.Context) ([]models.Template, error) {
	data, err := r.fs.Read(r.name)
	if errors.Is(err, os.ErrNotExist) {
		return []models.Template{}, nil
	}
	if err != nil {
		return nil, apperr.New(apperr.KindPersistence, "templates: load", err)
	}
	return Decode(data), nil
}

// Save implements Repository.
func (r *FileRepo) Save(_ context.Context, templates []models.Template) error {
	data, err := Encode(templates)
	if err != nil {
		return apperr.New(apperr.KindPersistence, "templates: encode", err)
	}
	if err := r.fs.Write(r.name, data); err != nil {
		return apperr.New(apperr.KindPersistence, "templates: save", err)
	}
	return nil
}
