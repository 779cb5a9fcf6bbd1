package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	_ "modernc.org/sqlite"
)

const (
	EnvJournalDBPath   = "POOL_JOURNAL_DB_PATH"
	defaultDBDirName   = ".computepool"
	defaultDBFileName  = "pool_events.sqlite"
	journalTableName   = "pool_events"
	breakerTripFailure = 5
)

// Event is one row of the pool_events audit trail.
type Event struct {
	Time     time.Time `json:"ts"`
	HostID   string    `json:"hostId,omitempty"`
	DeviceID string    `json:"deviceId"`
	PoolID   string    `json:"poolId,omitempty"`
	Event    string    `json:"event"`
	Detail   any       `json:"detail,omitempty"`
}

// Journal appends lifecycle events to SQLite. Writes go through a circuit
// breaker so a failing database costs one error per call, not one timeout.
type Journal struct {
	db      *sql.DB
	stmt    *sql.Stmt
	path    string
	hostID  string
	breaker *gobreaker.CircuitBreaker
}

// OpenJournal opens (creating if needed) the journal at path. An empty path
// resolves through POOL_JOURNAL_DB_PATH and then ~/.computepool.
func OpenJournal(path, hostID string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		resolved, err := ResolveJournalPath()
		if err != nil {
			return nil, err
		}
		path = resolved
	} else if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open journal sqlite failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareJournalSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	stmt, err := db.Prepare(`INSERT INTO ` + journalTableName +
		` (ts, host_id, device_id, pool_id, event, detail) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: prepare journal insert failed")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pool-journal",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("storage: journal breaker state changed")
		},
	})
	log.Info().Str("path", path).Msg("storage: pool journal opened")
	return &Journal{db: db, stmt: stmt, path: path, hostID: hostID, breaker: breaker}, nil
}

// Record appends ev. It returns gobreaker.ErrOpenState without touching the
// database while the breaker is open.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	if j == nil || j.stmt == nil {
		return pkgerrors.New("storage: journal nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.HostID == "" {
		ev.HostID = j.hostID
	}
	detail, err := formatDetail(ev.Detail)
	if err != nil {
		return err
	}
	_, err = j.breaker.Execute(func() (interface{}, error) {
		return j.stmt.ExecContext(ctx,
			ev.Time.UnixMilli(),
			ev.HostID,
			ev.DeviceID,
			ev.PoolID,
			ev.Event,
			detail,
		)
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: journal insert %s failed", ev.Event)
	}
	return nil
}

// Recent returns up to limit events, newest first, optionally filtered by
// device id.
func (j *Journal) Recent(ctx context.Context, deviceID string, limit int) ([]Event, error) {
	if j == nil || j.db == nil {
		return nil, pkgerrors.New("storage: journal nil")
	}
	return queryRecent(ctx, j.db, deviceID, limit)
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	if j.stmt != nil {
		j.stmt.Close()
	}
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// ResolveJournalPath returns the journal location, creating its parent
// directory if necessary.
func ResolveJournalPath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(EnvJournalDBPath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareJournalSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + journalTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			host_id TEXT,
			device_id TEXT NOT NULL,
			pool_id TEXT,
			event TEXT NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pool_events_device_ts ON ` + journalTableName + ` (device_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare journal schema failed")
		}
	}
	return nil
}

func formatDetail(detail any) (any, error) {
	switch v := detail.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "storage: marshal journal detail failed")
		}
		return string(raw), nil
	}
}
