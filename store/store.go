// Package store keeps compiled program images in a SQLite database, keyed by
// name. Images are stored in wire format together with their checksum.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/kestrel/vm"
	"github.com/chazu/kestrel/vm/wire"
)

var log = commonlog.GetLogger("kestrel.store")

// ErrProgramNotFound indicates the requested program doesn't exist.
var ErrProgramNotFound = errors.New("program not found")

// Entry describes a stored program without decoding it.
type Entry struct {
	Name      string
	Checksum  uint64
	Size      int
	Functions int
	UpdatedAt time.Time
}

// Store handles SQLite storage for program images.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the store at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS programs (
		name TEXT PRIMARY KEY,
		image BLOB NOT NULL,
		checksum INTEGER NOT NULL,
		functions INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debug("store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save encodes p and stores it under name, replacing any previous program.
func (s *Store) Save(name string, p *vm.Program) error {
	if name == "" {
		return errors.New("saving program: empty name")
	}
	data, err := wire.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding program %s: %w", name, err)
	}
	sum := wire.Checksum(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO programs (name, image, checksum, functions, updated_at) VALUES (?, ?, ?, ?, ?)",
		name, data, int64(sum), len(p.Functions), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving program: %w", err)
	}
	log.Info("program saved", "name", name, "bytes", len(data), "checksum", fmt.Sprintf("%016x", sum))
	return nil
}

// Load retrieves and decodes the program stored under name.
func (s *Store) Load(name string) (*vm.Program, error) {
	var data []byte
	var sum int64
	err := s.db.QueryRow("SELECT image, checksum FROM programs WHERE name = ?", name).Scan(&data, &sum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, name)
		}
		return nil, fmt.Errorf("querying program: %w", err)
	}

	if got := wire.Checksum(data); got != uint64(sum) {
		return nil, fmt.Errorf("program %s: %w", name, wire.ErrChecksum)
	}
	p, err := wire.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding program %s: %w", name, err)
	}
	return p, nil
}

// List returns all stored programs ordered by name.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT name, checksum, length(image), functions, updated_at FROM programs ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sum, updated int64
		if err := rows.Scan(&e.Name, &sum, &e.Size, &e.Functions, &updated); err != nil {
			return nil, fmt.Errorf("scanning program row: %w", err)
		}
		e.Checksum = uint64(sum)
		e.UpdatedAt = time.Unix(0, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the program stored under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM programs WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting program: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting program: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	log.Info("program deleted", "name", name)
	return nil
}
