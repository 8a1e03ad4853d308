package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Entry is the bun model for a persisted key.
type Entry struct {
	bun.BaseModel `bun:"table:local_storage,alias:ls"`

	Namespace string    `bun:"namespace,pk"`
	Key       string    `bun:"item_key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// SQL is a durable Store backed by a bun database. Several namespaces can
// share one table.
type SQL struct {
	db        *bun.DB
	namespace string
}

// NewSQL wraps db, scoping every key to namespace.
func NewSQL(db *bun.DB, namespace string) *SQL {
	return &SQL{db: db, namespace: namespace}
}

// OpenSQLite opens (creating when needed) a sqlite database at path and
// ensures the storage table exists. An empty path opens a throwaway
// in-memory database held by a single connection.
func OpenSQLite(ctx context.Context, path string) (*bun.DB, error) {
	if path == "" {
		path = ":memory:"
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the storage table.
func Migrate(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*Entry)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: create table: %w", err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	var entry Entry
	err := s.db.NewSelect().
		Model(&entry).
		Where("namespace = ? AND item_key = ?", s.namespace, key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return entry.Value, true, nil
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	entry := &Entry{
		Namespace: s.namespace,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(entry).
		On("CONFLICT (namespace, item_key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().
		Model((*Entry)(nil)).
		Where("namespace = ? AND item_key = ?", s.namespace, key).
		Exec(ctx)
	return err
}

func (s *SQL) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.NewSelect().
		Model((*Entry)(nil)).
		Column("item_key").
		Where("namespace = ?", s.namespace).
		Order("item_key ASC").
		Scan(ctx, &keys)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return keys, nil
}

func (s *SQL) Clear(ctx context.Context) error {
	_, err := s.db.NewDelete().
		Model((*Entry)(nil)).
		Where("namespace = ?", s.namespace).
		Exec(ctx)
	return err
}

var _ Store = (*SQL)(nil)
