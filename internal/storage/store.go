// Package storage persists alerts, analyses, reports and session snapshots.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
)

// Category selects which kind of artifact is stored.
type Category string

const (
	CategoryAlert    Category = "alerts"
	CategoryAnalysis Category = "analyses"
	CategoryReport   Category = "reports"
	CategorySession  Category = "sessions"
)

// Categories lists every category.
func Categories() []Category {
	return []Category{CategoryAlert, CategoryAnalysis, CategoryReport, CategorySession}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAlert, CategoryAnalysis, CategoryReport, CategorySession:
		return true
	}
	return false
}

// idKey is the envelope field that carries the identifier.
func (c Category) idKey() string {
	if c == CategorySession {
		return "session_id"
	}
	return "alert_id"
}

// dataKey is the envelope field that carries the payload.
func (c Category) dataKey() string {
	switch c {
	case CategoryAnalysis:
		return "analysis"
	case CategoryReport:
		return "report"
	default:
		return "data"
	}
}

// Record is one stored artifact unwrapped from its envelope.
type Record struct {
	Category  Category        `json:"category"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the record payload into v.
func (r *Record) Decode(v interface{}) error {
	return json.Unmarshal(r.Data, v)
}

// Store is the persistence contract shared by the file and SQLite backends.
//
// Save is last-writer-wins and never returns an error: failures are logged
// and reported through the boolean so callers can tell durability did not
// happen without having to handle it.
type Store interface {
	Save(category Category, id string, data interface{}) bool
	Load(category Category, id string) (*Record, error)
	List(category Category) ([]string, error)
	AppendLog(name string, entry interface{}) bool
	CleanupOlderThan(days int) (int, error)
	Close() error
}

// marshalEnvelope builds the on-disk JSON for one artifact.
func marshalEnvelope(category Category, id string, ts time.Time, data interface{}) ([]byte, error) {
	env := map[string]interface{}{
		category.idKey():   id,
		"timestamp":        ts.UTC().Format(time.RFC3339Nano),
		category.dataKey(): data,
	}
	return json.MarshalIndent(env, "", "  ")
}

// unmarshalEnvelope is the inverse of marshalEnvelope.
func unmarshalEnvelope(category Category, id string, raw []byte) (*Record, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("decode %s/%s", category, id), err)
	}
	rec := &Record{Category: category, ID: id, Data: env[category.dataKey()]}
	if ts, ok := env["timestamp"]; ok {
		var s string
		if err := json.Unmarshal(ts, &s); err == nil {
			rec.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
		}
	}
	return rec, nil
}

func notFound(category Category, id string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", category, id))
}

func invalidCategory(category Category) error {
	return apperrors.New(apperrors.ErrInvalidInput, fmt.Sprintf("unknown category %q", category))
}
