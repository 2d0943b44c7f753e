// Package migrate creates the kv_entries schema from embedded SQL files named
// <version>_<description>.sql. Every applied file is recorded in schema_version.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"compagnons/internal/db"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Applied is one row of schema_version.
type Applied struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]string, len(paths))
	migrations := make([]Migration, 0, len(paths))
	for _, p := range paths {
		name := path.Base(p)
		prefix, _, ok := strings.Cut(name, "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid migration filename %s", name)
		}
		if prev, dup := byVersion[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, v)
		}
		byVersion[v] = name
		data, err := migrationsFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: name, UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

const createSchemaVersion = `CREATE TABLE IF NOT EXISTS schema_version(
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TEXT NOT NULL
);`

// Migrate applies the embedded migrations that schema_version does not list
// yet, in one transaction. The SQL is portable between sqlite and postgres;
// only placeholders differ.
func Migrate(conn *sql.DB, driver string) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(createSchemaVersion); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	record := db.Rebind(driver, `INSERT INTO schema_version(version, name, applied_at) VALUES (?, ?, ?)`)
	appliedAt := time.Now().UTC().Format(time.RFC3339)
	pending := migrations[sort.Search(len(migrations), func(i int) bool { return migrations[i].Version > current }):]
	for _, m := range pending {
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(record, m.Version, m.Name, appliedAt); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
	}
	return tx.Commit()
}

// History lists the applied migrations, oldest first.
func History(conn *sql.DB) ([]Applied, error) {
	rows, err := conn.Query(`SELECT version, name, applied_at FROM schema_version ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
