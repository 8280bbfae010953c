package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
)

// FileStore keeps one JSON file per artifact under
// <root>/<category>/<id>.json and stage logs as JSON lines under
// <root>/logs/<name>.jsonl.
type FileStore struct {
	root   string
	logger zerolog.Logger
	now    func() time.Time
	mu     sync.Mutex // serializes log appends
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string, logger zerolog.Logger) (*FileStore, error) {
	dirs := []string{filepath.Join(root, "logs")}
	for _, c := range Categories() {
		dirs = append(dirs, filepath.Join(root, string(c)))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "creating data directory", err)
		}
	}

	fs := &FileStore{
		root:   root,
		logger: logger.With().Str("component", "storage").Str("driver", "file").Logger(),
		now:    time.Now,
	}
	fs.logger.Info().Str("root", root).Msg("file store ready")
	return fs, nil
}

func (fs *FileStore) path(category Category, id string) string {
	return filepath.Join(fs.root, string(category), id+".json")
}

// validID rejects ids that would escape the category directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Save writes the artifact atomically through a temp file and rename.
func (fs *FileStore) Save(category Category, id string, data interface{}) bool {
	if err := fs.save(category, id, data); err != nil {
		fs.logger.Error().Err(err).Str("category", string(category)).Str("id", id).Msg("save failed")
		return false
	}
	return true
}

func (fs *FileStore) save(category Category, id string, data interface{}) error {
	if !category.Valid() {
		return invalidCategory(category)
	}
	if !validID(id) {
		return apperrors.New(apperrors.ErrInvalidInput, fmt.Sprintf("invalid id %q", id))
	}

	raw, err := marshalEnvelope(category, id, fs.now(), data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "encode envelope", err)
	}
	return writeFileAtomic(fs.path(category, id), raw)
}

// Load reads one artifact.
func (fs *FileStore) Load(category Category, id string) (*Record, error) {
	if !category.Valid() {
		return nil, invalidCategory(category)
	}
	if !validID(id) {
		return nil, notFound(category, id)
	}
	raw, err := os.ReadFile(fs.path(category, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(category, id)
		}
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read artifact", err)
	}
	return unmarshalEnvelope(category, id, raw)
}

// List returns the ids stored in a category, sorted.
func (fs *FileStore) List(category Category) ([]string, error) {
	if !category.Valid() {
		return nil, invalidCategory(category)
	}
	matches, err := filepath.Glob(filepath.Join(fs.root, string(category), "*.json"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list artifacts", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendLog adds one JSON line to the named stage log.
func (fs *FileStore) AppendLog(name string, entry interface{}) bool {
	if !validID(name) {
		fs.logger.Error().Str("log", name).Msg("invalid log name")
		return false
	}
	line, err := json.Marshal(map[string]interface{}{
		"timestamp": fs.now().UTC().Format(time.RFC3339Nano),
		"entry":     entry,
	})
	if err != nil {
		fs.logger.Error().Err(err).Str("log", name).Msg("encode log entry failed")
		return false
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(fs.root, "logs", name+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		fs.logger.Error().Err(err).Str("log", name).Msg("open stage log failed")
		return false
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		fs.logger.Error().Err(err).Str("log", name).Msg("append stage log failed")
		return false
	}
	return true
}

// CleanupOlderThan removes artifacts whose modification time is more than
// days old. It returns how many files were removed.
func (fs *FileStore) CleanupOlderThan(days int) (int, error) {
	if days < 0 {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "days must not be negative")
	}
	cutoff := fs.now().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0

	for _, c := range Categories() {
		matches, err := filepath.Glob(filepath.Join(fs.root, string(c), "*.json"))
		if err != nil {
			return removed, apperrors.Wrap(apperrors.ErrStorage, "scan artifacts", err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(m); err != nil {
				fs.logger.Warn().Err(err).Str("path", m).Msg("cleanup remove failed")
				continue
			}
			removed++
		}
	}

	fs.logger.Info().Int("removed", removed).Int("days", days).Msg("cleanup complete")
	return removed, nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() error { return nil }

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.ErrStorage, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.ErrStorage, "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.ErrStorage, "rename temp file", err)
	}
	return nil
}

// WriteFileAtomic exposes the atomic write for other file-backed writers.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "create directory", err)
	}
	return writeFileAtomic(path, data)
}
