package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrSessionActive is returned by BeginSession while another session in
	// the same file is still recording.
	ErrSessionActive = errors.New("store: another session is recording")

	// ErrSessionNotRecording is returned when a record or close targets a
	// session that does not exist or already reached a terminal status.
	ErrSessionNotRecording = errors.New("store: session is not recording")
)

// pragma is a connection setting and the value SQLite reports once it holds.
type pragma struct {
	name, value, readback string
}

// pragmas are applied on every open. In-memory databases report
// journal_mode "memory", so journal_mode is only read back for files.
var pragmas = []pragma{
	{"journal_mode", "WAL", "wal"},
	{"synchronous", "NORMAL", "1"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "ON", "1"},
}

// migration brings a file up to user_version to.
type migration struct {
	to    int
	apply func(tx *sql.Tx) error
}

// migrations run in order on files older than their version. schema.sql
// always describes the newest layout, so a fresh file only has its
// user_version bumped.
var migrations = []migration{
	{to: 1, apply: addTagIndex},
}

// currentSchemaVersion is the user_version of a fully migrated file.
var currentSchemaVersion = migrations[len(migrations)-1].to

// Store is the session database. It holds a single connection, which makes
// it the only writer to the file.
//
// live holds the sessions this handle began and has not closed. RecoverStale
// leaves them alone, so coordinators sharing one Store never abort each
// other's sessions. Separate handles on the same file do not see each
// other's live sessions; open each file once per process.
type Store struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	live map[string]bool
}

// Open creates or opens the session database at path and brings its schema
// up to date. Opening the same file repeatedly is safe. Pass ":memory:" for
// a throwaway database.
//
// An error here means the output file is unusable and no session can start.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, live: make(map[string]bool)}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
		if p.name == "journal_mode" && s.path == ":memory:" {
			continue
		}
		if err := s.verifyPragma(p.name, p.readback); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return s.migrate()
}

// migrate runs pending migrations and stamps user_version in one
// transaction, so a failed upgrade leaves the file at its old version.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("file has schema version %d, this recorder supports up to %d", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if m.to <= version {
			continue
		}
		if err := m.apply(tx); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.to, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("migrate: set user_version: %w", err)
	}
	return tx.Commit()
}

func addTagIndex(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_log_records_tag
		ON log_records(session_id, tag) WHERE tag != ''
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// verifyPragma returns an error unless pragma name currently reads want.
func (s *Store) verifyPragma(name, want string) error {
	var got string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
		return fmt.Errorf("read pragma %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("pragma %s = %q, want %q", name, got, want)
	}
	return nil
}
