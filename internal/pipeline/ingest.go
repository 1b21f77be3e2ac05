// Package pipeline runs the always-on ingestion loop that drains the
// reorder buffer and drives the change applier.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alagonterie/tabby/pkg/applier"
	"github.com/alagonterie/tabby/pkg/buffer"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/metrics"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

// Ingestor is the single logical consumer of the reorder buffer. It runs
// for the lifetime of the process and never terminates on a per-event
// failure: every failure is converted to an outcome log entry and the
// loop moves on.
type Ingestor struct {
	buf     *buffer.ReorderBuffer[*models.ChangeEvent]
	applier *applier.Applier
	schemas *schema.Registry
	logger  *zap.Logger
}

// NewIngestor creates the ingestion loop.
func NewIngestor(buf *buffer.ReorderBuffer[*models.ChangeEvent], ap *applier.Applier, schemas *schema.Registry) *Ingestor {
	return &Ingestor{
		buf:     buf,
		applier: ap,
		schemas: schemas,
		logger:  logger.With(zap.String("component", "ingestor")),
	}
}

// Run consumes events until the context is canceled. The only error it
// returns is the context's.
func (in *Ingestor) Run(ctx context.Context) error {
	in.logger.Info("ingestion pipeline started")
	for {
		ev, err := in.buf.DequeueReady(ctx, in.schemas.Ready)
		if err != nil {
			in.logger.Info("ingestion pipeline stopped", zap.Error(err))
			return err
		}
		metrics.BufferDepth.Set(float64(in.buf.Len()))

		start := time.Now()
		outcome := in.applier.Apply(ctx, ev)
		metrics.ApplyLatency.WithLabelValues(ev.EntityType, string(ev.Action)).
			Observe(time.Since(start).Seconds())
		metrics.EventDelay.Observe(time.Since(ev.CreatedAt).Seconds())

		in.observe(ev, outcome)
	}
}

// observe emits the per-event outcome record. Successful applies log at
// info, zero-row applies at warn, store failures at error, and ignorable
// duplicates at debug; no event is swallowed without a log entry.
func (in *Ingestor) observe(ev *models.ChangeEvent, out applier.Outcome) {
	msg := outcomeMessage(ev, out)
	fields := []zap.Field{
		zap.String("entity", out.EntityType),
		zap.String("object_id", out.ObjectID),
		zap.String("action", string(out.Action)),
		zap.Int64("rows", out.RowCount),
	}

	switch {
	case out.Err != nil:
		metrics.EventsProcessed.WithLabelValues(out.EntityType, string(out.Action), "failed").Inc()
		in.logger.Error(msg, append(fields, zap.Error(out.Err))...)
	case out.Ignored:
		metrics.EventsProcessed.WithLabelValues(out.EntityType, string(out.Action), "ignored").Inc()
		in.logger.Debug(msg, fields...)
	case out.RowCount > 0:
		metrics.EventsProcessed.WithLabelValues(out.EntityType, string(out.Action), "applied").Inc()
		in.logger.Info(msg, fields...)
	default:
		metrics.EventsProcessed.WithLabelValues(out.EntityType, string(out.Action), "noop").Inc()
		in.logger.Warn(msg, fields...)
	}
}

// outcomeMessage renders the human-readable outcome line, e.g.
// "Defect abc123 updated with 2 change(s) [Status, Owner] by jdoe".
func outcomeMessage(ev *models.ChangeEvent, out applier.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", out.EntityType, out.ObjectID, strings.ToLower(string(out.Action)))
	if out.Action == models.ActionUpdated {
		fmt.Fprintf(&b, " with %d change(s) [%s]", len(out.Fields), strings.Join(out.Fields, ", "))
	}
	if ev.User != "" {
		fmt.Fprintf(&b, " by %s", ev.User)
	}
	if out.Err != nil || (!out.Ignored && out.RowCount == 0) {
		b.WriteString(" (failed)")
	}
	return b.String()
}
