package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
)

// SQLiteStore implements Store with one table per category.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens or creates a SQLite database.
func NewSQLiteStore(dsn string, logger zerolog.Logger) (*SQLiteStore, error) {
	connStr := dsn
	if dsn != ":memory:" {
		connStr = dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDBConnection, "opening sqlite", err)
	}
	if dsn == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrDBConnection, "pinging sqlite", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "storage").Str("driver", "sqlite").Logger(),
		now:    time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "running migrations", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	var migrations []string
	for _, c := range Categories() {
		migrations = append(migrations,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				timestamp DATETIME NOT NULL,
				data TEXT NOT NULL
			)`, c),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp)`, c, c),
		)
	}
	migrations = append(migrations,
		`CREATE TABLE IF NOT EXISTS stage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			entry TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_logs_name ON stage_logs(name)`,
	)

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	s.logger.Info().Msg("database migrations complete")
	return nil
}

// Save upserts the artifact.
func (s *SQLiteStore) Save(category Category, id string, data interface{}) bool {
	if err := s.save(category, id, data); err != nil {
		s.logger.Error().Err(err).Str("category", string(category)).Str("id", id).Msg("save failed")
		return false
	}
	return true
}

func (s *SQLiteStore) save(category Category, id string, data interface{}) error {
	if !category.Valid() {
		return invalidCategory(category)
	}
	if id == "" {
		return apperrors.New(apperrors.ErrInvalidInput, "empty id")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "encode data", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, timestamp, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET timestamp = excluded.timestamp, data = excluded.data`, category)
	if _, err := s.db.Exec(query, id, s.now().UTC(), string(raw)); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "upsert artifact", err)
	}
	return nil
}

// Load reads one artifact.
func (s *SQLiteStore) Load(category Category, id string) (*Record, error) {
	if !category.Valid() {
		return nil, invalidCategory(category)
	}
	var (
		ts   time.Time
		data string
	)
	query := fmt.Sprintf(`SELECT timestamp, data FROM %s WHERE id = ?`, category)
	err := s.db.QueryRow(query, id).Scan(&ts, &data)
	if err == sql.ErrNoRows {
		return nil, notFound(category, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "query artifact", err)
	}
	return &Record{Category: category, ID: id, Timestamp: ts, Data: json.RawMessage(data)}, nil
}

// List returns the ids stored in a category, sorted.
func (s *SQLiteStore) List(category Category) ([]string, error) {
	if !category.Valid() {
		return nil, invalidCategory(category)
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, category))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list artifacts", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendLog inserts one row into stage_logs.
func (s *SQLiteStore) AppendLog(name string, entry interface{}) bool {
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error().Err(err).Str("log", name).Msg("encode log entry failed")
		return false
	}
	_, err = s.db.Exec(`INSERT INTO stage_logs (name, entry, timestamp) VALUES (?, ?, ?)`,
		name, string(raw), s.now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("log", name).Msg("append stage log failed")
		return false
	}
	return true
}

// CleanupOlderThan deletes rows whose timestamp is more than days old.
func (s *SQLiteStore) CleanupOlderThan(days int) (int, error) {
	if days < 0 {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "days must not be negative")
	}
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	removed := 0
	for _, c := range Categories() {
		res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, c), cutoff)
		if err != nil {
			return removed, apperrors.Wrap(apperrors.ErrStorage, "delete old artifacts", err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if _, err := s.db.Exec(`DELETE FROM stage_logs WHERE timestamp < ?`, cutoff); err != nil {
		return removed, apperrors.Wrap(apperrors.ErrStorage, "delete old stage logs", err)
	}

	s.logger.Info().Int("removed", removed).Int("days", days).Msg("cleanup complete")
	return removed, nil
}

// Open returns the Store for driver: "file" uses dataDir, "sqlite" uses dsn.
func Open(driver, dataDir, dsn string, logger zerolog.Logger) (Store, error) {
	switch driver {
	case "file", "":
		return NewFileStore(dataDir, logger)
	case "sqlite":
		return NewSQLiteStore(dsn, logger)
	default:
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown storage driver %q", driver))
	}
}
