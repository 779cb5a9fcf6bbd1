package storage

import (
	"context"
	"database/sql"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultRecentLimit = 50

// OpenJournalReader opens the journal for read-only queries from another
// process, e.g. the CLI while the server keeps writing.
func OpenJournalReader(path string) (*sql.DB, error) {
	if path == "" {
		resolved, err := ResolveJournalPath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open journal reader failed")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=60000;"); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: configure journal reader failed")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// QueryRecent reads the newest events from an opened journal database.
func QueryRecent(ctx context.Context, db *sql.DB, deviceID string, limit int) ([]Event, error) {
	if db == nil {
		return nil, pkgerrors.New("storage: journal reader db nil")
	}
	return queryRecent(ctx, db, deviceID, limit)
}

func queryRecent(ctx context.Context, db *sql.DB, deviceID string, limit int) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	query := `SELECT ts, host_id, device_id, pool_id, event, detail FROM ` + journalTableName
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id=?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query journal failed")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ts                   int64
			hostID, poolID, info sql.NullString
			ev                   Event
		)
		if err := rows.Scan(&ts, &hostID, &ev.DeviceID, &poolID, &ev.Event, &info); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan journal row failed")
		}
		ev.Time = time.UnixMilli(ts)
		ev.HostID = hostID.String
		ev.PoolID = poolID.String
		if info.Valid && info.String != "" {
			ev.Detail = info.String
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate journal rows failed")
	}
	log.Debug().Str("device_id", deviceID).Int("rows", len(out)).Msg("storage: journal queried")
	return out, nil
}
