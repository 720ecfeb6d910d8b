// Package history persists finished monitoring sessions as one JSON
// record per file, so different kernel builds can be compared long
// after the sessions ran. Records are append-only and tolerate being
// read by newer versions: schema evolution is strictly additive and
// absent optional fields default sensibly.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/kerntune/schedlat"
)

// schemaVersion is the version written into new records. Readers
// accept any version at or below it.
const schemaVersion = 1

// Record is one persisted session.
type Record struct {
	ID            string                  `json:"id"`
	SchemaVersion int                     `json:"schema_version"`
	SavedAt       time.Time               `json:"saved_at"`
	Summary       schedlat.SessionSummary `json:"summary"`
}

// Metadata is the listing view of a record, cheap enough to render
// for every stored session.
type Metadata struct {
	ID        string    `json:"id"`
	SavedAt   time.Time `json:"saved_at"`
	Label     string    `json:"label,omitempty"`
	Kernel    string    `json:"kernel"`
	Mode      string    `json:"mode"`
	MaxUS     int64     `json:"max_us"`
	P99US     int64     `json:"p99_us"`
	Completed bool      `json:"completed"`
}

var validID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Store is a directory of session records.
type Store struct {
	dir string
}

// NewStore opens (and creates if needed) a record store directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "problem creating record store %s", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists a summary under a newly generated id and returns the
// id. Records are never overwritten.
func (s *Store) Save(summary *schedlat.SessionSummary) (string, error) {
	if summary == nil {
		return "", errors.New("cannot save a nil summary")
	}

	record := Record{
		ID:            uuid.New().String(),
		SchemaVersion: schemaVersion,
		SavedAt:       time.Now(),
		Summary:       *summary,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "problem rendering record")
	}

	f, err := os.OpenFile(s.path(record.ID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "problem creating record file for %s", record.ID)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", errors.Wrapf(err, "problem writing record %s", record.ID)
	}

	grip.Debug(message.Fields{
		"op":     "record saved",
		"id":     record.ID,
		"label":  summary.Label,
		"kernel": summary.Context.KernelVersion,
	})
	return record.ID, nil
}

// Load reads one record. Optional fields missing from records written
// by older versions default to their zero values; unknown fields from
// newer versions are ignored.
func (s *Store) Load(id string) (*Record, error) {
	if !validID.MatchString(id) {
		return nil, errors.Errorf("invalid record id '%s'", id)
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, errors.Wrapf(err, "problem reading record %s", id)
	}

	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, errors.Wrapf(err, "problem parsing record %s", id)
	}

	if record.ID == "" {
		record.ID = id
	}
	if record.SchemaVersion == 0 {
		record.SchemaVersion = 1
	}
	if record.Summary.Mode == "" {
		record.Summary.Mode = schedlat.ModeContinuous.String()
	}

	return record, nil
}

// ListMetadata returns the listing view of every record, newest
// first. Unreadable files are skipped with a log line rather than
// failing the whole listing.
func (s *Store) ListMetadata() ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "problem listing record store %s", s.dir)
	}

	out := []Metadata{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		record, err := s.Load(id)
		if err != nil {
			grip.Warning(message.Fields{
				"op":    "record listing",
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		out = append(out, Metadata{
			ID:        record.ID,
			SavedAt:   record.SavedAt,
			Label:     record.Summary.Label,
			Kernel:    record.Summary.Context.KernelVersion,
			Mode:      record.Summary.Mode,
			MaxUS:     record.Summary.Metrics.MaxUS,
			P99US:     record.Summary.Metrics.P99US,
			Completed: record.Summary.Completed,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Delete removes a record. Deleting an id that does not exist is not
// an error.
func (s *Store) Delete(id string) error {
	if !validID.MatchString(id) {
		return errors.Errorf("invalid record id '%s'", id)
	}

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "problem deleting record %s", id)
	}
	return nil
}
