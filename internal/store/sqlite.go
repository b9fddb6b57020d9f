package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"recurcal/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps one row per record, ordered by list position.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (model.MasterList, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM records ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ws := make([]model.Wire, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var w model.Wire
		if err := json.Unmarshal([]byte(body), &w); err != nil {
			return nil, fmt.Errorf("sqlite row %d: %w", len(ws), err)
		}
		ws = append(ws, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return model.DecodeList(ws)
}

// Save replaces every row in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, list model.MasterList) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records(pos, id, kind, body) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rec := range list {
		body, err := json.Marshal(model.Encode(rec))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, i, rec.RecordID(), rec.Kind().String(), string(body)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
