package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS enabled_groups (
	group_id INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	keyCookie    = "bilibili_cookie"
	keyMaxHeight = "max_height"
	keyMaxSize   = "max_filesize_mb"
)

// SQLiteStore keeps the snapshot in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	settings := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(settings) == 0 {
		return nil, ErrNoState
	}

	snap := &Snapshot{
		EnabledGroups:  []int64{},
		BilibiliCookie: settings[keyCookie],
	}
	snap.MaxHeight, _ = strconv.Atoi(settings[keyMaxHeight])
	snap.MaxFileSizeMB, _ = strconv.Atoi(settings[keyMaxSize])

	groups, err := s.db.QueryContext(ctx, `SELECT group_id FROM enabled_groups ORDER BY group_id`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer groups.Close()
	for groups.Next() {
		var g int64
		if err := groups.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		snap.EnabledGroups = append(snap.EnabledGroups, g)
	}
	return snap, groups.Err()
}

// Save replaces every row inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM enabled_groups`); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	for _, g := range snap.EnabledGroups {
		if _, err = tx.ExecContext(ctx, `INSERT INTO enabled_groups (group_id) VALUES (?)`, g); err != nil {
			return fmt.Errorf("insert group %d: %w", g, err)
		}
	}

	settings := map[string]string{
		keyCookie:    snap.BilibiliCookie,
		keyMaxHeight: strconv.Itoa(snap.MaxHeight),
		keyMaxSize:   strconv.Itoa(snap.MaxFileSizeMB),
	}
	for k, v := range settings {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", k, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}
