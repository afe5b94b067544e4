package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
)

type SQLiteStorage struct {
	db         *sqlx.DB
	writeMutex *sync.Mutex
}

type sqliteGeneration struct {
	s    SQLiteStorage
	name string
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	inMemory := filename == ""
	if inMemory {
		filename = "file::memory:?cache=shared"
	}
	db, err := sqlx.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	// shared-cache memory dbs report table locks across connections
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(ctx context.Context, name string) (Generation, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqliteGeneration{s: s, name: name}, nil
}

func (s SQLiteStorage) Get(ctx context.Context, name string) (Generation, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return sqliteGeneration{s: s, name: name}, true, nil
}

func (s SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM generations WHERE name = ?", name)
	return n > 0, err
}

func (s SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	err := s.db.SelectContext(ctx, &names, "SELECT name FROM generations ORDER BY created_at, rowid")
	return names, err
}

func (s SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (g sqliteGeneration) Name() string {
	return g.name
}

func (g sqliteGeneration) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := g.s.db.GetContext(ctx, &bytes,
		"SELECT bytes FROM entries WHERE generation = ? AND key = ?", g.name, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (g sqliteGeneration) Put(ctx context.Context, key string, bytes []byte) error {
	return g.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (g sqliteGeneration) PutAll(ctx context.Context, entries []Entry) error {
	g.s.writeMutex.Lock()
	defer g.s.writeMutex.Unlock()
	tx, err := g.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var n int
	if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM generations WHERE name = ?", g.name); err != nil {
		return err
	}
	if n == 0 {
		return ErrGenerationDeleted
	}
	now := time.Now().Unix()
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			g.name, e.Key, now, e.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (g sqliteGeneration) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := g.s.db.SelectContext(ctx, &keys, "SELECT key FROM entries WHERE generation = ?", g.name)
	return keys, err
}

func (g sqliteGeneration) Delete(ctx context.Context, key string) (bool, error) {
	g.s.writeMutex.Lock()
	defer g.s.writeMutex.Unlock()
	res, err := g.s.db.ExecContext(ctx, "DELETE FROM entries WHERE generation = ? AND key = ?", g.name, key)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}
