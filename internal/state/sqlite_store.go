package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
)

// SQLiteStore implements SQLite-based sample storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens (or creates) the sample database at dbPath.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_sample_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS samples (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        latitude REAL NOT NULL,
        longitude REAL NOT NULL,
        captured_at TIMESTAMP NOT NULL,
        owner TEXT NOT NULL DEFAULT '',
        accuracy REAL NOT NULL DEFAULT 0,
        altitude REAL NOT NULL DEFAULT 0,
        speed REAL NOT NULL DEFAULT 0,
        heading REAL NOT NULL DEFAULT 0,
        is_moving INTEGER NOT NULL DEFAULT 0,
        extras TEXT,
        state TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        last_error TEXT,
        synced_at TIMESTAMP,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_samples_state ON samples(state);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Load reads every sample in insertion order.
func (s *SQLiteStore) Load() ([]models.Sample, error) {
	rows, err := s.db.Query(`
        SELECT id, latitude, longitude, captured_at, owner,
               accuracy, altitude, speed, heading, is_moving, extras,
               state, attempts, last_error, synced_at
        FROM samples
        ORDER BY seq
    `)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var samples []models.Sample
	for rows.Next() {
		var (
			sample    models.Sample
			state     string
			extras    sql.NullString
			lastError sql.NullString
			syncedAt  sql.NullTime
		)

		err := rows.Scan(
			&sample.ID, &sample.Latitude, &sample.Longitude, &sample.CapturedAt, &sample.Owner,
			&sample.Accuracy, &sample.Altitude, &sample.Speed, &sample.Heading, &sample.IsMoving, &extras,
			&state, &sample.Attempts, &lastError, &syncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}

		sample.State = models.SyncState(state)
		if lastError.Valid {
			sample.LastError = lastError.String
		}
		if syncedAt.Valid {
			sample.SyncedAt = syncedAt.Time
		}
		if extras.Valid && extras.String != "" {
			if err := json.Unmarshal([]byte(extras.String), &sample.Extras); err != nil {
				s.logger.WithError(err).WithField("sample_id", sample.ID).Warn("Discarding corrupt extras")
			}
		}

		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}

	return samples, nil
}

// Append inserts a new sample.
func (s *SQLiteStore) Append(sample models.Sample) error {
	var extras sql.NullString
	if len(sample.Extras) > 0 {
		data, err := json.Marshal(sample.Extras)
		if err != nil {
			return fmt.Errorf("marshal extras: %w", err)
		}
		extras = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
        INSERT INTO samples (
            id, latitude, longitude, captured_at, owner,
            accuracy, altitude, speed, heading, is_moving, extras,
            state, attempts, last_error, synced_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		sample.ID, sample.Latitude, sample.Longitude, sample.CapturedAt.UTC(), sample.Owner,
		sample.Accuracy, sample.Altitude, sample.Speed, sample.Heading, sample.IsMoving, extras,
		string(sample.State), sample.Attempts, nullString(sample.LastError), nullTime(sample.SyncedAt),
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", models.ErrDuplicateSample, sample.ID)
	}
	if err != nil {
		return fmt.Errorf("insert sample %s: %w", sample.ID, err)
	}

	return nil
}

// Update persists state transitions in one transaction.
func (s *SQLiteStore) Update(samples ...models.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
        UPDATE samples
        SET state = ?, attempts = ?, last_error = ?, synced_at = ?, updated_at = CURRENT_TIMESTAMP
        WHERE id = ?
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		res, err := stmt.Exec(string(sample.State), sample.Attempts, nullString(sample.LastError), nullTime(sample.SyncedAt), sample.ID)
		if err != nil {
			return fmt.Errorf("update sample %s: %w", sample.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", models.ErrSampleNotFound, sample.ID)
		}
	}

	return tx.Commit()
}

// Delete removes samples by ID.
func (s *SQLiteStore) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare("DELETE FROM samples WHERE id = ?")
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("delete sample %s: %w", id, err)
		}
	}

	s.logger.WithField("count", len(ids)).Debug("Deleted samples")
	return tx.Commit()
}

// Count returns the number of stored samples.
func (s *SQLiteStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&n); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
