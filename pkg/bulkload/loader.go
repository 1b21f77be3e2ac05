// Package bulkload seeds the mirror: it fetches full entity datasets,
// infers each entity's schema, creates the mirror tables, and inserts the
// initial rows. It is the only component allowed to create tables or
// finalize a schema; entities become ready for live events only once
// their load completes.
package bulkload

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/metrics"
	"github.com/alagonterie/tabby/pkg/mirror"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

// Fetcher retrieves all available records for one entity type. May fail
// per entity type; a failure never aborts other entities.
type Fetcher interface {
	FetchAll(ctx context.Context, entity string, pageSize, limit int) ([]models.Record, error)
}

// Config holds the loader's knobs. Limit caps the total records fetched
// per entity; PageSize sizes each upstream request.
type Config struct {
	Entities []string
	PageSize int
	Limit    int
}

// Loader runs the staged seeding pipeline. Each stage is a full barrier:
// every entity finishes stage N before stage N+1 starts, because row
// building depends on the finalized schema map.
type Loader struct {
	fetcher Fetcher
	store   mirror.Store
	schemas *schema.Registry
	cfg     Config
	logger  *zap.Logger
}

// New creates a loader.
func New(fetcher Fetcher, store mirror.Store, schemas *schema.Registry, cfg Config) *Loader {
	return &Loader{
		fetcher: fetcher,
		store:   store,
		schemas: schemas,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "bulk_loader")),
	}
}

// Run executes the four stages. Per-entity failures are isolated: the
// entity is dropped from later stages, counted, and logged. Run returns
// an error only when every configured entity failed.
func (l *Loader) Run(ctx context.Context) error {
	entities := l.cfg.Entities
	if len(entities) == 0 {
		return nil
	}

	var mu sync.Mutex

	// Stage 1: fetch. One worker when the record cap is large, so big
	// paged pulls do not overload the upstream API.
	fetchWorkers := runtime.NumCPU()
	if l.cfg.Limit > 100 {
		fetchWorkers = 1
	}
	records := make(map[string][]models.Record, len(entities))
	survivors := l.forEach(ctx, entities, fetchWorkers, "fetch", func(ctx context.Context, entity string) error {
		l.logger.Info("fetching entity records", zap.String("entity", entity))
		recs, err := l.fetcher.FetchAll(ctx, entity, l.cfg.PageSize, l.cfg.Limit)
		if err != nil {
			return err
		}
		mu.Lock()
		records[entity] = recs
		mu.Unlock()
		return nil
	})

	// Stage 2: schema inference.
	inferred := make(map[string]*schema.TableSchema, len(survivors))
	survivors = l.forEach(ctx, survivors, runtime.NumCPU(), "infer", func(_ context.Context, entity string) error {
		types := schema.InferColumns(records[entity])
		if len(types) == 0 {
			return errors.New(errors.ErrorTypeData, "no columns inferred from sample").
				WithDetail("entity", entity).
				WithDetail("records", len(records[entity]))
		}
		mu.Lock()
		inferred[entity] = schema.Build(entity, types)
		mu.Unlock()
		return nil
	})

	// Stage 3: create tables.
	survivors = l.forEach(ctx, survivors, runtime.NumCPU(), "create_table", func(ctx context.Context, entity string) error {
		return l.store.CreateTable(ctx, inferred[entity])
	})

	// Stage 4: build and insert rows, then publish readiness.
	survivors = l.forEach(ctx, survivors, runtime.NumCPU(), "insert", func(ctx context.Context, entity string) error {
		sch := inferred[entity]
		rows := make([][]models.Value, 0, len(records[entity]))
		for _, rec := range records[entity] {
			if row, ok := schema.BuildRow(sch, rec); ok {
				rows = append(rows, row)
			}
		}

		inserted, err := l.store.InsertRows(ctx, entity, rows)
		if err != nil {
			return err
		}
		metrics.BulkRowsLoaded.WithLabelValues(entity).Add(float64(inserted))
		l.logger.Info("seeded mirror table",
			zap.String("entity", entity),
			zap.Int64("rows", inserted))

		return l.schemas.Register(sch)
	})

	if len(survivors) == 0 {
		return errors.New(errors.ErrorTypeData, "bulk load failed for every entity")
	}
	return nil
}

// forEach runs fn for each entity on a bounded worker pool and returns
// the entities that succeeded, preserving input order. Failures are
// logged and counted but do not stop the rest of the stage.
func (l *Loader) forEach(ctx context.Context, entities []string, workers int, stage string, fn func(ctx context.Context, entity string) error) []string {
	if len(entities) == 0 {
		return nil
	}
	if workers > len(entities) {
		workers = len(entities)
	}

	errs := make([]error, len(entities))
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, entity := range entities {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, entity string) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(ctx, entity)
		}(i, entity)
	}
	wg.Wait()

	survivors := make([]string, 0, len(entities))
	for i, entity := range entities {
		if errs[i] != nil {
			metrics.BulkLoadFailures.WithLabelValues(entity, stage).Inc()
			l.logger.Error("bulk load stage failed",
				zap.String("entity", entity),
				zap.String("stage", stage),
				zap.Error(errs[i]))
			continue
		}
		survivors = append(survivors, entity)
	}
	return survivors
}
