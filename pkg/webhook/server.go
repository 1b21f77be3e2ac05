package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/metrics"
	"github.com/alagonterie/tabby/pkg/models"
)

// maxPayloadBytes bounds one webhook delivery body.
const maxPayloadBytes = 1 << 20

// Enqueuer accepts validated change events. Enqueue must not block.
type Enqueuer interface {
	Enqueue(ev *models.ChangeEvent)
}

// Config holds server settings.
type Config struct {
	// Addr is the listen address, e.g. ":5000".
	Addr string
	// Token is the secret path segment of the webhook endpoint. A random
	// one is generated when empty.
	Token string
}

// Server exposes the webhook endpoint the upstream service delivers to,
// plus the Prometheus metrics endpoint.
type Server struct {
	addr    string
	token   string
	enqueue Enqueuer
	logger  *zap.Logger
	srv     *http.Server
	now     func() time.Time
}

// NewServer creates the server. The webhook path is /webhooks/<token>.
func NewServer(cfg Config, q Enqueuer) *Server {
	token := cfg.Token
	if token == "" {
		token = uuid.NewString()
	}

	s := &Server{
		addr:    cfg.Addr,
		token:   token,
		enqueue: q,
		logger:  logger.With(zap.String("component", "webhook_server")),
		now:     time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleHome)
	mux.HandleFunc("POST /webhooks/"+token, s.handleWebhook)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// WebhookPath returns the path the upstream subscription must target.
func (s *Server) WebhookPath() string {
	return "/webhooks/" + s.token
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening",
			zap.String("addr", s.addr),
			zap.String("path", s.WebhookPath()))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Hello, Tabby!"))
}

// handleWebhook decodes, validates and enqueues one delivery. Bad
// payloads get a 400 so the upstream retry machinery does not hammer us
// with the same broken delivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&payload); err != nil {
		metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		s.logger.Warn("rejecting undecodable webhook payload", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ev, err := payload.ToChangeEvent(s.now())
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("invalid").Inc()
		s.logger.Warn("rejecting invalid webhook payload", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.enqueue.Enqueue(ev)
	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusOK)
}
