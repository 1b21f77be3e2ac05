package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alagonterie/tabby/pkg/models"
)

type captureEnqueuer struct {
	events []*models.ChangeEvent
}

func (c *captureEnqueuer) Enqueue(ev *models.ChangeEvent) {
	c.events = append(c.events, ev)
}

func TestHandleWebhookAcceptsValidDelivery(t *testing.T) {
	q := &captureEnqueuer{}
	s := NewServer(Config{Addr: ":0"}, q)

	req := httptest.NewRequest(http.MethodPost, s.WebhookPath(), strings.NewReader(createdPayload))
	w := httptest.NewRecorder()
	s.handleWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, q.events, 1)
	assert.Equal(t, "Defect", q.events[0].EntityType)
	assert.Equal(t, models.ActionCreated, q.events[0].Action)
}

func TestHandleWebhookRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"empty object", "{}"},
		{"unsupported action", `{"message": {"object_id": "x", "object_type": "Defect", "action": "Restored", "transaction": {"timestamp": 1}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &captureEnqueuer{}
			s := NewServer(Config{Addr: ":0"}, q)

			req := httptest.NewRequest(http.MethodPost, s.WebhookPath(), strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.handleWebhook(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, q.events)
		})
	}
}

func TestWebhookPathUsesConfiguredToken(t *testing.T) {
	s := NewServer(Config{Addr: ":0", Token: "secret"}, &captureEnqueuer{})
	assert.Equal(t, "/webhooks/secret", s.WebhookPath())

	// A token is generated when none is configured.
	s = NewServer(Config{Addr: ":0"}, &captureEnqueuer{})
	assert.NotEqual(t, "/webhooks/", s.WebhookPath())
}
