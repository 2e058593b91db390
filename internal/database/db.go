package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		filePath := filepath.Join(migrationsDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	return nil
}

// InsertSignalSample appends one observation to the signal history table
func (db *DB) InsertSignalSample(sample *SignalSample) error {
	value, err := json.Marshal(sample.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	query := `
		INSERT INTO signal_samples (
			patient_id, device_id, signal_type, value, recorded_at, received_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	return db.QueryRow(
		query,
		sample.PatientID,
		sample.DeviceID,
		sample.SignalType,
		value,
		sample.RecordedAt,
		sample.ReceivedAt,
	).Scan(&sample.ID)
}

// GetRecentSamples returns the latest history rows for a patient's signal
func (db *DB) GetRecentSamples(patientID, signalType string, limit int) ([]*SignalSample, error) {
	query := `
		SELECT id, patient_id, device_id, signal_type, value, recorded_at, received_at
		FROM signal_samples
		WHERE patient_id = $1 AND signal_type = $2
		ORDER BY recorded_at DESC
		LIMIT $3
	`

	rows, err := db.Query(query, patientID, signalType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*SignalSample
	for rows.Next() {
		var s SignalSample
		var rawValue []byte
		if err := rows.Scan(
			&s.ID,
			&s.PatientID,
			&s.DeviceID,
			&s.SignalType,
			&rawValue,
			&s.RecordedAt,
			&s.ReceivedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawValue, &s.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal value: %w", err)
		}
		samples = append(samples, &s)
	}

	return samples, rows.Err()
}

// DeleteSamplesBefore trims the signal history table. Returns rows removed.
func (db *DB) DeleteSamplesBefore(cutoff time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM signal_samples WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// nullableString converts an empty string into a SQL NULL
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
