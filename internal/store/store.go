package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
)

// Store is the engine's narrow repository boundary: room status, game
// snapshots, and audit persistence. Backed by MySQL, with a memory mode for
// tests and local runs without a database.
type Store struct {
	DB         *sql.DB
	MemoryMode bool
	mu         sync.RWMutex
	rooms      map[string]Room
	snapshots  map[string]GameSnapshot
	entries    map[string][]audit.Entry
}

func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

func NewMemoryStore() *Store {
	return &Store{
		MemoryMode: true,
		rooms:      make(map[string]Room),
		snapshots:  make(map[string]GameSnapshot),
		entries:    make(map[string][]audit.Entry),
	}
}

func ConnectMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (s *Store) Close() error {
	if s.MemoryMode {
		return nil
	}
	return s.DB.Close()
}
