package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"replaydeck/interaction"
)

// ErrNotFound is returned when a named cassette does not exist.
var ErrNotFound = errors.New("cassette not found")

const memoryPath = ":memory:"

type Database struct {
	db *sql.DB
}

func NewDatabase(dbPath string, poolSize int) (*Database, error) {
	if len(dbPath) == 0 {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dsn := memoryPath
	if dbPath != memoryPath {
		// Expand tilde in path
		if dbPath[0] == '~' {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get user home directory: %w", err)
			}
			dbPath = filepath.Join(homeDir, dbPath[1:])
		}

		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}

		// WAL mode and busy timeout for concurrent readers
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == memoryPath || poolSize < 1 {
		// Every connection to :memory: is a separate database.
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns((poolSize + 1) / 2)

	database := &Database{db: db}
	if err := database.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return database, nil
}

func (d *Database) createTables() error {
	cassettesTable := `
	CREATE TABLE IF NOT EXISTS cassettes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		description TEXT
	);`

	interactionsTable := `
	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cassette_id INTEGER NOT NULL,
		record_id TEXT UNIQUE NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		payload TEXT NOT NULL,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		sequence_number INTEGER NOT NULL,
		FOREIGN KEY (cassette_id) REFERENCES cassettes(id) ON DELETE CASCADE
	);`

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_url_method ON interactions(url, method);",
		"CREATE INDEX IF NOT EXISTS idx_cassette_sequence ON interactions(cassette_id, sequence_number);",
	}

	if _, err := d.db.Exec(cassettesTable); err != nil {
		return fmt.Errorf("failed to create cassettes table: %w", err)
	}

	if _, err := d.db.Exec(interactionsTable); err != nil {
		return fmt.Errorf("failed to create interactions table: %w", err)
	}

	for _, index := range indexes {
		if _, err := d.db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) CreateCassette(name, description string) (*Cassette, error) {
	query := `INSERT INTO cassettes (name, description) VALUES (?, ?)`
	result, err := d.db.Exec(query, name, description)
	if err != nil {
		return nil, fmt.Errorf("failed to create cassette: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get cassette ID: %w", err)
	}

	return &Cassette{
		ID:          int(id),
		Name:        name,
		CreatedAt:   time.Now(),
		Description: description,
	}, nil
}

func (d *Database) GetCassette(name string) (*Cassette, error) {
	query := `
		SELECT id, name, created_at, COALESCE(description, ''),
			(SELECT COUNT(*) FROM interactions WHERE cassette_id = cassettes.id)
		FROM cassettes
		WHERE name = ?`
	row := d.db.QueryRow(query, name)

	var cassette Cassette
	err := row.Scan(&cassette.ID, &cassette.Name, &cassette.CreatedAt, &cassette.Description, &cassette.Interactions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get cassette: %w", err)
	}

	return &cassette, nil
}

func (d *Database) GetOrCreateCassette(name, description string) (*Cassette, error) {
	cassette, err := d.GetCassette(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return d.CreateCassette(name, description)
		}
		return nil, err
	}
	return cassette, nil
}

// ListCassettes returns every cassette with its interaction count, newest
// first.
func (d *Database) ListCassettes() ([]Cassette, error) {
	query := `
		SELECT id, name, created_at, COALESCE(description, ''),
			(SELECT COUNT(*) FROM interactions WHERE cassette_id = cassettes.id)
		FROM cassettes
		ORDER BY created_at DESC, id DESC`
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cassettes: %w", err)
	}
	defer rows.Close()

	var cassettes []Cassette
	for rows.Next() {
		var cassette Cassette
		err := rows.Scan(&cassette.ID, &cassette.Name, &cassette.CreatedAt, &cassette.Description, &cassette.Interactions)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cassette: %w", err)
		}
		cassettes = append(cassettes, cassette)
	}

	return cassettes, rows.Err()
}

// AppendInteractions adds items after the last archived interaction of the
// named cassette, creating it when needed. All items land or none do.
func (d *Database) AppendInteractions(name string, items []interaction.Interaction) ([]Record, error) {
	cassette, err := d.GetOrCreateCassette(name, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get or create cassette: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	records, err := d.insertInteractions(tx, cassette.ID, items)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit interactions: %w", err)
	}
	return records, nil
}

// ReplaceInteractions swaps the archived interactions of the named cassette
// for items in one transaction.
func (d *Database) ReplaceInteractions(name string, items []interaction.Interaction) ([]Record, error) {
	cassette, err := d.GetOrCreateCassette(name, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get or create cassette: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM interactions WHERE cassette_id = ?", cassette.ID); err != nil {
		return nil, fmt.Errorf("failed to delete interactions: %w", err)
	}
	records, err := d.insertInteractions(tx, cassette.ID, items)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit interactions: %w", err)
	}
	return records, nil
}

func (d *Database) insertInteractions(tx *sql.Tx, cassetteID int, items []interaction.Interaction) ([]Record, error) {
	sequenceNumber, err := d.getNextSequenceNumber(tx, cassetteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence number: %w", err)
	}

	query := `
		INSERT INTO interactions (
			cassette_id, record_id, method, url, status, payload, timestamp, sequence_number
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	records := make([]Record, 0, len(items))
	for i, item := range items {
		payload, err := interaction.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to encode interaction %d: %w", i, err)
		}

		record := Record{
			CassetteID:     cassetteID,
			RecordID:       uuid.New().String(),
			Payload:        string(payload),
			Timestamp:      time.Now(),
			SequenceNumber: sequenceNumber + i,
		}
		if item.Request != nil && item.Request.Target != nil {
			record.Method = item.Request.Target.Method
			record.URL = item.Request.Target.URL.String()
		}
		if item.Response != nil {
			record.Status = item.Response.Status
		}

		result, err := tx.Exec(query,
			record.CassetteID,
			record.RecordID,
			record.Method,
			record.URL,
			record.Status,
			record.Payload,
			record.Timestamp,
			record.SequenceNumber,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert interaction %d: %w", i, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get interaction ID: %w", err)
		}
		record.ID = int(id)
		records = append(records, record)
	}
	return records, nil
}

func (d *Database) getNextSequenceNumber(tx *sql.Tx, cassetteID int) (int, error) {
	query := `SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM interactions WHERE cassette_id = ?`
	row := tx.QueryRow(query, cassetteID)

	var sequenceNumber int
	if err := row.Scan(&sequenceNumber); err != nil {
		return 0, fmt.Errorf("failed to get next sequence number: %w", err)
	}

	return sequenceNumber, nil
}

// GetRecords returns the archived interactions of a cassette in sequence
// order.
func (d *Database) GetRecords(cassetteID int) ([]Record, error) {
	query := `
		SELECT id, cassette_id, record_id, method, url, status, payload, timestamp, sequence_number
		FROM interactions
		WHERE cassette_id = ?
		ORDER BY sequence_number ASC`

	rows, err := d.db.Query(query, cassetteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get interactions by cassette: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		err := rows.Scan(
			&record.ID,
			&record.CassetteID,
			&record.RecordID,
			&record.Method,
			&record.URL,
			&record.Status,
			&record.Payload,
			&record.Timestamp,
			&record.SequenceNumber,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// LoadInteractions decodes every archived interaction of the named cassette.
func (d *Database) LoadInteractions(name string) ([]interaction.Interaction, error) {
	cassette, err := d.GetCassette(name)
	if err != nil {
		return nil, err
	}
	records, err := d.GetRecords(cassette.ID)
	if err != nil {
		return nil, err
	}

	items := make([]interaction.Interaction, 0, len(records))
	for _, record := range records {
		item, err := record.Interaction()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (d *Database) ClearCassette(name string) error {
	cassette, err := d.GetCassette(name)
	if err != nil {
		return fmt.Errorf("failed to get cassette: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM interactions WHERE cassette_id = ?", cassette.ID); err != nil {
		return fmt.Errorf("failed to delete interactions: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM cassettes WHERE id = ?", cassette.ID); err != nil {
		return fmt.Errorf("failed to delete cassette: %w", err)
	}

	return tx.Commit()
}

func (d *Database) ClearAllCassettes() error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM interactions"); err != nil {
		return fmt.Errorf("failed to delete interactions: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM cassettes"); err != nil {
		return fmt.Errorf("failed to delete cassettes: %w", err)
	}

	return tx.Commit()
}
