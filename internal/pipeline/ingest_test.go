package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alagonterie/tabby/pkg/applier"
	"github.com/alagonterie/tabby/pkg/buffer"
	"github.com/alagonterie/tabby/pkg/mirror"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/schema"
)

func newPipeline(t *testing.T) (*Ingestor, *buffer.ReorderBuffer[*models.ChangeEvent], *mirror.MemoryStore, *schema.Registry) {
	t.Helper()

	store := mirror.NewMemoryStore()
	schemas := schema.NewRegistry()
	buf := buffer.New[*models.ChangeEvent](20 * time.Millisecond)
	return NewIngestor(buf, applier.New(store, schemas), schemas), buf, store, schemas
}

func registerDefect(t *testing.T, store *mirror.MemoryStore, schemas *schema.Registry) {
	t.Helper()
	s := schema.Build("Defect", map[string]schema.ColumnType{
		"ObjectUUID": schema.TypeText,
		"Status":     schema.TypeText,
	})
	require.NoError(t, store.CreateTable(context.Background(), s))
	require.NoError(t, schemas.Register(s))
}

// waitForRow polls until the object appears (or disappears) in the mirror.
func waitForRow(t *testing.T, store *mirror.MemoryStore, key string, want bool) map[string]models.Value {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		row, ok := store.Row("Defect", key)
		if ok == want {
			return row
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mirror row %q: presence never became %v", key, want)
	return nil
}

func TestOutOfOrderDeliveryConverges(t *testing.T) {
	in, buf, store, schemas := newPipeline(t)
	registerDefect(t, store, schemas)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = in.Run(ctx)
	}()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	created := &models.ChangeEvent{
		EntityType: "Defect",
		ObjectID:   "A",
		Action:     models.ActionCreated,
		CreatedAt:  base,
		State:      map[string]interface{}{"ObjectUUID": "A", "Status": "Open"},
	}
	updated := &models.ChangeEvent{
		EntityType: "Defect",
		ObjectID:   "A",
		Action:     models.ActionUpdated,
		CreatedAt:  base.Add(time.Second),
		Changes: []models.FieldChange{
			{Name: "Status", DisplayName: "Status", NewValue: "Closed", OldValue: "Open"},
		},
	}

	// Delivered update-first; the buffer must restore creation order so the
	// mirror converges on the final state.
	buf.Enqueue(updated)
	buf.Enqueue(created)

	row := waitForRow(t, store, "A", true)
	deadline := time.Now().Add(5 * time.Second)
	for row["Status"].Text != "Closed" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		row = waitForRow(t, store, "A", true)
	}
	assert.Equal(t, models.TextValue("Closed"), row["Status"])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingestor did not stop on cancellation")
	}
}

func TestEventBufferedUntilEntityReady(t *testing.T) {
	in, buf, store, schemas := newPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = in.Run(ctx) }()

	// The event arrives before the bulk load finishes.
	buf.Enqueue(&models.ChangeEvent{
		EntityType: "Defect",
		ObjectID:   "A",
		Action:     models.ActionCreated,
		CreatedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		State:      map[string]interface{}{"ObjectUUID": "A", "Status": "Open"},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, buf.Len(), "event for a not-ready entity must stay buffered")

	registerDefect(t, store, schemas)

	row := waitForRow(t, store, "A", true)
	assert.Equal(t, models.TextValue("Open"), row["Status"])
}

func TestOutcomeMessage(t *testing.T) {
	ev := &models.ChangeEvent{User: "jdoe"}

	msg := outcomeMessage(ev, applier.Outcome{
		EntityType: "Defect",
		ObjectID:   "abc123",
		Action:     models.ActionUpdated,
		Fields:     []string{"Status", "Owner"},
		RowCount:   1,
	})
	assert.Equal(t, "Defect abc123 updated with 2 change(s) [Status, Owner] by jdoe", msg)

	msg = outcomeMessage(ev, applier.Outcome{
		EntityType: "Defect",
		ObjectID:   "abc123",
		Action:     models.ActionCreated,
	})
	assert.Equal(t, "Defect abc123 created by jdoe (failed)", msg)

	msg = outcomeMessage(&models.ChangeEvent{}, applier.Outcome{
		EntityType: "Defect",
		ObjectID:   "abc123",
		Action:     models.ActionRecycled,
		Ignored:    true,
	})
	assert.Equal(t, "Defect abc123 recycled", msg)
}
