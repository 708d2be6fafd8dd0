// Package objstate is a generic per-object key/value state store.
//
// An object is an external entity identified by (name, class_name) and
// resolved to a small integer id. State entries are JSON values keyed by
// (object id, name). The store resolves create/update races between
// independent processes through the database's uniqueness constraints and a
// single bounded retry; it never takes a distributed lock.
package objstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

type objKey struct {
	name      string
	className string
}

// Store is a SQLite-backed object state store. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	mu  sync.Mutex
	ids map[objKey]int64

	// timingHook runs between the first attempt and the insert of the
	// race-handling paths. Tests use it to simulate a concurrent writer
	// sneaking in at the worst possible moment. Nil in production.
	timingHook func()
}

// Open opens (creating if necessary) the state database at path.
// Use a file path; the schema is created on first open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "open state database").
			WithContext("path", path).
			Build()
	}

	store := &Store{db: db, ids: make(map[objKey]int64)}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "initialize state schema").
			WithContext("path", path).
			Build()
	}
	return store, nil
}

func (s *Store) initialize() error {
	pragmas := `
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;
	`
	if _, err := s.db.Exec(pragmas); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		class_name TEXT NOT NULL,
		UNIQUE(name, class_name)
	);
	CREATE TABLE IF NOT EXISTS object_state (
		objectid INTEGER NOT NULL,
		name TEXT NOT NULL,
		value_json TEXT NOT NULL,
		PRIMARY KEY(objectid, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint flushes the WAL back into the main database file. The daemon's
// maintenance job calls this periodically.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "wal checkpoint").Build()
	}
	return nil
}

// GetObjectID resolves (name, className) to its durable object id, creating
// the object row if it does not exist yet. Concurrent resolution from any
// number of callers or processes converges on one id: the select → insert →
// re-select sequence turns a lost insert race into a read of the winner's
// row. The result is cached for the process lifetime.
func (s *Store) GetObjectID(ctx context.Context, name, className string) (int64, error) {
	key := objKey{name: name, className: className}

	s.mu.Lock()
	if id, ok := s.ids[key]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, found, err := s.selectObjectID(ctx, name, className)
	if err != nil {
		return 0, err
	}
	if !found {
		if s.timingHook != nil {
			s.timingHook()
		}
		id, err = s.insertObject(ctx, name, className)
		if err != nil {
			if !isUniqueViolation(err) {
				return 0, ferrors.WrapError(err, ferrors.CategoryStorage, "insert object").
					WithContext("name", name).
					WithContext("class_name", className).
					Build()
			}
			// Lost the race; the winner's row is there now.
			id, found, err = s.selectObjectID(ctx, name, className)
			if err != nil {
				return 0, err
			}
			if !found {
				return 0, ferrors.InternalError("object vanished after insert race").
					WithContext("name", name).
					WithContext("class_name", className).
					Build()
			}
		}
	}

	s.mu.Lock()
	s.ids[key] = id
	s.mu.Unlock()
	return id, nil
}

func (s *Store) selectObjectID(ctx context.Context, name, className string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM objects WHERE name = ? AND class_name = ?",
		name, className,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ferrors.WrapError(err, ferrors.CategoryStorage, "select object").
			WithContext("name", name).
			WithContext("class_name", className).
			Build()
	}
	return id, true, nil
}

func (s *Store) insertObject(ctx context.Context, name, className string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO objects (name, class_name) VALUES (?, ?)",
		name, className,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetState stores value as JSON under (objectID, name). The write is
// update-then-insert: if the update touches no row and the insert then loses
// a race with a concurrent creator, the racing writer's value wins and the
// call succeeds. Callers that need create-once semantics use
// AtomicCreateState instead.
func (s *Store) SetState(ctx context.Context, objectID int64, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return ferrors.StateEncodeError("state value is not JSON-serializable").
			WithCause(err).
			WithContext("state_name", name).
			Build()
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE object_state SET value_json = ? WHERE objectid = ? AND name = ?",
		string(raw), objectID, name,
	)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "update state").
			WithContext("state_name", name).
			Build()
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if s.timingHook != nil {
		s.timingHook()
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO object_state (objectid, name, value_json) VALUES (?, ?, ?)",
		objectID, name, string(raw),
	)
	if err != nil && !isUniqueViolation(err) {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "insert state").
			WithContext("state_name", name).
			Build()
	}
	// Unique violation: someone beat us to the insert - let them win.
	return nil
}

func (s *Store) selectStateJSON(ctx context.Context, objectID int64, name string) (string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value_json FROM object_state WHERE objectid = ? AND name = ?",
		objectID, name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, ferrors.WrapError(err, ferrors.CategoryStorage, "select state").
			WithContext("state_name", name).
			Build()
	}
	return raw, true, nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness-constraint
// failure. The driver does not export a stable error type for this, so the
// check matches the constraint message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "PRIMARY KEY")
}

// IsNotFound reports whether err is a state-not-found error.
func IsNotFound(err error) bool {
	return ferrors.HasCategory(err, ferrors.CategoryStateNotFound)
}
