package token

import (
  "database/sql"
  "errors"
  "fmt"

  "github.com/rs/zerolog/log"
  _ "modernc.org/sqlite"
)

// SQLiteKV stores values in a single table, partitioned by scope.
type SQLiteKV struct {
  db *sql.DB
  scope string
}

func OpenSQLiteKV(path, scope string) (*SQLiteKV, error) {
  db, err := sql.Open("sqlite", path)

  if err != nil {
    return nil, fmt.Errorf("failed to open token db %q: %w", path, err)
  }

  // a single writer keeps modernc from returning SQLITE_BUSY under WAL.
  db.SetMaxOpenConns(1)

  if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
    db.Close()
    return nil, fmt.Errorf("failed to set WAL mode: %w", err)
  }

  _, err = db.Exec(`
    CREATE TABLE IF NOT EXISTS kv (
      scope TEXT NOT NULL,
      key   TEXT NOT NULL,
      value BLOB NOT NULL,
      PRIMARY KEY (scope, key)
    )
  `)

  if err != nil {
    db.Close()
    return nil, fmt.Errorf("failed to migrate token db: %w", err)
  }

  log.Debug().Str("Path", path).Str("Scope", scope).Msg("token: opened sqlite store")

  return &SQLiteKV{db: db, scope: scope}, nil
}

func (kv *SQLiteKV) Get(key string) (value []byte, found bool, err error) {
  err = kv.db.QueryRow("SELECT value FROM kv WHERE scope = ? AND key = ?", kv.scope, key).Scan(&value)

  if errors.Is(err, sql.ErrNoRows) {
    return nil, false, nil
  }

  if err != nil {
    return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
  }

  return value, true, nil
}

func (kv *SQLiteKV) Put(key string, value []byte) error {
  _, err := kv.db.Exec(
    "INSERT INTO kv (scope, key, value) VALUES (?, ?, ?) "+
      "ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value",
    kv.scope, key, value,
  )

  if err != nil {
    return fmt.Errorf("failed to write %q: %w", key, err)
  }

  return nil
}

func (kv *SQLiteKV) Delete(key string) error {
  if _, err := kv.db.Exec("DELETE FROM kv WHERE scope = ? AND key = ?", kv.scope, key); err != nil {
    return fmt.Errorf("failed to delete %q: %w", key, err)
  }

  return nil
}

func (kv *SQLiteKV) Close() error {
  return kv.db.Close()
}
