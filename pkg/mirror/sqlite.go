package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"go.uber.org/zap"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

// SQLiteStore keeps one database file per entity type under a data
// directory, mirroring the one-datasource-per-entity layout expected by
// the downstream BI export. Each entity's connection is limited to a
// single open conn, which serializes writes per entity while leaving
// different entity types independent.
type SQLiteStore struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	dbs  map[string]*sql.DB
	defs map[string]*schema.TableSchema
}

// NewSQLiteStore creates the data directory if needed and returns an
// empty store. Connections are opened lazily per entity type.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create data directory")
	}
	return &SQLiteStore{
		dir:    dir,
		logger: logger.With(zap.String("component", "sqlite_store")),
		dbs:    make(map[string]*sql.DB),
		defs:   make(map[string]*schema.TableSchema),
	}, nil
}

// conn returns the entity's database handle, opening it on first use.
func (s *SQLiteStore) conn(entity string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[entity]; ok {
		return db, nil
	}

	path := filepath.Join(s.dir, entity+".db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open sqlite database").
			WithDetail("entity", entity)
	}
	db.SetMaxOpenConns(1)
	s.dbs[entity] = db
	return db, nil
}

// CreateTable implements Store. The table is replaced when it already
// exists: bulk loading reseeds the mirror from a full fetch, so stale rows
// from a previous run must not survive.
func (s *SQLiteStore) CreateTable(ctx context.Context, sch *schema.TableSchema) error {
	db, err := s.conn(sch.Entity)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(sch.Entity))); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to drop existing table").
			WithDetail("entity", sch.Entity)
	}

	cols := make([]string, 0, len(sch.Columns))
	for _, col := range sch.Columns {
		def := fmt.Sprintf("%s %s", quoteIdent(col.Name), sqliteType(col.Type))
		if !col.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(sch.Entity), strings.Join(cols, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create table").
			WithDetail("entity", sch.Entity)
	}

	s.mu.Lock()
	s.defs[sch.Entity] = sch
	s.mu.Unlock()

	s.logger.Info("created mirror table",
		zap.String("entity", sch.Entity),
		zap.Int("columns", len(sch.Columns)))
	return nil
}

// InsertRows implements Store.
func (s *SQLiteStore) InsertRows(ctx context.Context, entity string, rows [][]models.Value) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	db, err := s.conn(entity)
	if err != nil {
		return 0, err
	}
	sch, err := s.def(entity)
	if err != nil {
		return 0, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sch.Columns)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(entity), placeholders)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to begin insert transaction").
			WithDetail("entity", entity)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to prepare insert").
			WithDetail("entity", entity)
	}
	defer prepared.Close()

	var inserted int64
	for _, row := range rows {
		args := make([]interface{}, len(row))
		for i, v := range row {
			args[i] = bindValue(v)
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return inserted, errors.Wrap(err, errors.ErrorTypeQuery, "failed to insert row").
				WithDetail("entity", entity)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to commit insert").
			WithDetail("entity", entity)
	}
	return inserted, nil
}

// UpdateWhereKey implements Store.
func (s *SQLiteStore) UpdateWhereKey(ctx context.Context, entity string, assignments []Assignment, key string) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}

	db, err := s.conn(entity)
	if err != nil {
		return 0, err
	}

	sets := make([]string, 0, len(assignments))
	args := make([]interface{}, 0, len(assignments)+1)
	for _, a := range assignments {
		col := quoteIdent(a.Column)
		if a.Delta {
			op := "+"
			net := a.Net
			if net < 0 {
				op = "-"
				net = -net
			}
			sets = append(sets, fmt.Sprintf("%s = %s %s %d", col, col, op, net))
		} else {
			sets = append(sets, fmt.Sprintf("%s = ?", col))
			args = append(args, bindValue(a.Value))
		}
	}
	args = append(args, key)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(entity), strings.Join(sets, ", "), quoteIdent(schema.KeyColumn))
	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to update row").
			WithDetail("entity", entity)
	}
	return res.RowsAffected()
}

// DeleteWhereKey implements Store.
func (s *SQLiteStore) DeleteWhereKey(ctx context.Context, entity string, key string) (int64, error) {
	db, err := s.conn(entity)
	if err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(entity), quoteIdent(schema.KeyColumn))
	res, err := db.ExecContext(ctx, stmt, key)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to delete row").
			WithDetail("entity", entity)
	}
	return res.RowsAffected()
}

// CountWhereKey implements Store.
func (s *SQLiteStore) CountWhereKey(ctx context.Context, entity string, key string) (int64, error) {
	db, err := s.conn(entity)
	if err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE %s = ?", quoteIdent(entity), quoteIdent(schema.KeyColumn))
	var n int64
	if err := db.QueryRowContext(ctx, stmt, key).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count rows").
			WithDetail("entity", entity)
	}
	return n, nil
}

// Snapshot implements Snapshotter using VACUUM INTO, which produces a
// consistent standalone copy of the entity's database file.
func (s *SQLiteStore) Snapshot(ctx context.Context, entity string, dir string) (string, error) {
	db, err := s.conn(entity)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to create snapshot directory")
	}

	path := filepath.Join(dir, entity+".db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to remove stale snapshot").
			WithDetail("path", path)
	}

	stmt := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(path, "'", "''"))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeQuery, "failed to snapshot database").
			WithDetail("entity", entity)
	}
	return path, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for entity, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ErrorTypeConnection, "failed to close database").
				WithDetail("entity", entity)
		}
	}
	s.dbs = make(map[string]*sql.DB)
	return firstErr
}

func (s *SQLiteStore) def(entity string) (*schema.TableSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.defs[entity]
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "no table definition for entity").
			WithDetail("entity", entity)
	}
	return sch, nil
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sqliteType maps a schema column type to its SQLite declaration.
func sqliteType(t schema.ColumnType) string {
	// SQLite accepts the generic names directly; affinity rules do the rest.
	return t.String()
}

// bindValue converts a tagged value to a driver argument.
func bindValue(v models.Value) interface{} {
	switch v.Kind {
	case models.KindNull:
		return nil
	case models.KindBool:
		return v.Bool
	case models.KindInt, models.KindCount:
		return v.Int
	case models.KindFloat:
		return v.Float
	case models.KindTimestamp:
		return v.Time
	case models.KindText:
		return v.Text
	default:
		return nil
	}
}
