package mirror

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

// PostgresStore backs the mirror with a Postgres database, one table per
// entity type. A per-entity mutex serializes conflicting writes to the
// same table; different entity types write concurrently through the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	defs  map[string]*schema.TableSchema
}

// NewPostgresStore connects to the database named by dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping postgres")
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "postgres_store")),
		locks:  make(map[string]*sync.Mutex),
		defs:   make(map[string]*schema.TableSchema),
	}, nil
}

// entityLock returns the write lock for one entity type.
func (p *PostgresStore) entityLock(entity string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[entity]
	if !ok {
		l = &sync.Mutex{}
		p.locks[entity] = l
	}
	return l
}

// CreateTable implements Store. As with the sqlite backend, an existing
// table is replaced so a reseed starts clean.
func (p *PostgresStore) CreateTable(ctx context.Context, sch *schema.TableSchema) error {
	l := p.entityLock(sch.Entity)
	l.Lock()
	defer l.Unlock()

	table := pgx.Identifier{sch.Entity}.Sanitize()
	if _, err := p.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to drop existing table").
			WithDetail("entity", sch.Entity)
	}

	cols := make([]string, 0, len(sch.Columns))
	for _, col := range sch.Columns {
		def := fmt.Sprintf("%s %s", pgx.Identifier{col.Name}.Sanitize(), postgresType(col.Type))
		if !col.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create table").
			WithDetail("entity", sch.Entity)
	}

	p.mu.Lock()
	p.defs[sch.Entity] = sch
	p.mu.Unlock()

	p.logger.Info("created mirror table",
		zap.String("entity", sch.Entity),
		zap.Int("columns", len(sch.Columns)))
	return nil
}

// InsertRows implements Store.
func (p *PostgresStore) InsertRows(ctx context.Context, entity string, rows [][]models.Value) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	sch, err := p.def(entity)
	if err != nil {
		return 0, err
	}

	l := p.entityLock(entity)
	l.Lock()
	defer l.Unlock()

	columns := make([]string, len(sch.Columns))
	for i, col := range sch.Columns {
		columns[i] = col.Name
	}

	source := make([][]interface{}, len(rows))
	for i, row := range rows {
		args := make([]interface{}, len(row))
		for j, v := range row {
			args[j] = bindValue(v)
		}
		source[i] = args
	}

	inserted, err := p.pool.CopyFrom(ctx, pgx.Identifier{entity}, columns, pgx.CopyFromRows(source))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to copy rows").
			WithDetail("entity", entity)
	}
	return inserted, nil
}

// UpdateWhereKey implements Store.
func (p *PostgresStore) UpdateWhereKey(ctx context.Context, entity string, assignments []Assignment, key string) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}

	l := p.entityLock(entity)
	l.Lock()
	defer l.Unlock()

	sets := make([]string, 0, len(assignments))
	args := make([]interface{}, 0, len(assignments)+1)
	for _, a := range assignments {
		col := pgx.Identifier{a.Column}.Sanitize()
		if a.Delta {
			op := "+"
			net := a.Net
			if net < 0 {
				op = "-"
				net = -net
			}
			sets = append(sets, fmt.Sprintf("%s = %s %s %d", col, col, op, net))
		} else {
			args = append(args, bindValue(a.Value))
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	args = append(args, key)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		pgx.Identifier{entity}.Sanitize(), strings.Join(sets, ", "),
		pgx.Identifier{schema.KeyColumn}.Sanitize(), len(args))
	tag, err := p.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to update row").
			WithDetail("entity", entity)
	}
	return tag.RowsAffected(), nil
}

// DeleteWhereKey implements Store.
func (p *PostgresStore) DeleteWhereKey(ctx context.Context, entity string, key string) (int64, error) {
	l := p.entityLock(entity)
	l.Lock()
	defer l.Unlock()

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pgx.Identifier{entity}.Sanitize(), pgx.Identifier{schema.KeyColumn}.Sanitize())
	tag, err := p.pool.Exec(ctx, stmt, key)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to delete row").
			WithDetail("entity", entity)
	}
	return tag.RowsAffected(), nil
}

// CountWhereKey implements Store.
func (p *PostgresStore) CountWhereKey(ctx context.Context, entity string, key string) (int64, error) {
	stmt := fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE %s = $1",
		pgx.Identifier{entity}.Sanitize(), pgx.Identifier{schema.KeyColumn}.Sanitize())
	var n int64
	if err := p.pool.QueryRow(ctx, stmt, key).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count rows").
			WithDetail("entity", entity)
	}
	return n, nil
}

// Close implements Store.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) def(entity string) (*schema.TableSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sch, ok := p.defs[entity]
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "no table definition for entity").
			WithDetail("entity", entity)
	}
	return sch, nil
}

// postgresType maps a schema column type to its Postgres declaration.
func postgresType(t schema.ColumnType) string {
	switch t {
	case schema.TypeDouble:
		return "DOUBLE PRECISION"
	default:
		return t.String()
	}
}
