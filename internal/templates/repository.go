// Package templates persists named query templates and resolves which one
// auto-runs when a new workbook arrives.
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/starford/excelwiz/internal/models"
)

// StorageKey names the single persisted record holding the collection.
const StorageKey = "ewp_mtm8_templates_v1"

// Repository loads and saves the whole template collection.
type Repository interface {
	Load(ctx context.Context) ([]models.Template, error)
	Save(ctx context.Context, templates []models.Template) error
}

// Decode parses a persisted collection. Empty, corrupt, or non-array data
// yields an empty collection.
func Decode(data []byte) []models.Template {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return []models.Template{}
	}
	var out []models.Template
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return []models.Template{}
	}
	return out
}

// Encode serialises the collection as a JSON array, never null.
func Encode(templates []models.Template) ([]byte, error) {
	if templates == nil {
		templates = []models.Template{}
	}
	return json.Marshal(templates)
}

// MemoryRepo keeps the serialised collection in memory.
type MemoryRepo struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryRepo returns a repository seeded with raw persisted data.
func NewMemoryRepo(seed []byte) *MemoryRepo {
	return &MemoryRepo{data: seed}
}

// Load implements Repository.
func (m *MemoryRepo) Load(_ context.Context) ([]models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Decode(m.data), nil
}

// Save implements Repository.
func (m *MemoryRepo) Save(_ context.Context, templates []models.Template) error {
	data, err := Encode(templates)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Raw returns the last persisted bytes.
func (m *MemoryRepo) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
