package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"order-alert-pipeline/pkg/constants"
)

// SQLiteRegistry keeps the list in a local database file on the watcher host,
// as one JSON-encoded row under the registry key.
type SQLiteRegistry struct {
	db     *sql.DB
	key    string
	logger *logrus.Logger
}

func OpenSQLiteRegistry(path string, logger *logrus.Logger) (*SQLiteRegistry, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open registry database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS registry (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry table: %w", err)
	}

	return &SQLiteRegistry{
		db:     db,
		key:    constants.RegistryKey,
		logger: logger,
	}, nil
}

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistry) Persist(ctx context.Context, locations []string) error {
	value, err := json.Marshal(Normalize(locations))
	if err != nil {
		return fmt.Errorf("failed to encode monitored locations: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO registry (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, r.key, string(value))
	if err != nil {
		return fmt.Errorf("failed to persist monitored locations: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) Load(ctx context.Context) ([]string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM registry WHERE name = ?`, r.key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load monitored locations: %w", err)
	}

	var locations []string
	if err := json.Unmarshal([]byte(value), &locations); err != nil {
		r.logger.WithError(err).Warn("Stored monitored locations are unreadable, treating as empty")
		return nil, nil
	}
	if len(locations) == 0 {
		return nil, nil
	}
	return locations, nil
}
