package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"compagnons/internal/db"
)

// SQL stores documents in the kv_entries table created by the migrate package.
type SQL struct {
	DB     *sql.DB
	Driver string
	Now    func() time.Time
}

func (s SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQL) Load(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, db.Rebind(s.Driver, `SELECT value FROM kv_entries WHERE key=?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return []byte(value), nil
}

func (s SQL) Save(ctx context.Context, key string, value []byte) error {
	now := s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, db.Rebind(s.Driver, `INSERT INTO kv_entries(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`), key, string(value), now)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

type Entry struct {
	Key       string `json:"key"`
	Size      int    `json:"size"`
	UpdatedAt string `json:"updated_at"`
}

// List returns stored keys, most recently written first.
func (s SQL) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, LENGTH(value), updated_at FROM kv_entries ORDER BY updated_at DESC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Size, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
