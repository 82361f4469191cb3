package models

import "time"

// Template is a persisted, named, reusable query.
type Template struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Query     string     `json:"query"`
	AutoRun   bool       `json:"autoRun"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}
