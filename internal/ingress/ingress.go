// Package ingress implements the venue webhook companion channel (§6): an
// HTTP listener that accepts push-based forecast updates from the
// venue, authenticated by an HMAC-SHA256 signature over the raw request
// body — the mirror image of internal/exchange.Auth's buildHMAC, verifying
// instead of signing.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"wxarb/internal/bus"
	"wxarb/internal/config"
	"wxarb/internal/ingest/fallback"
	"wxarb/pkg/types"
)

// webhookPayload is the wire shape of one venue-pushed forecast snapshot.
type webhookPayload struct {
	CityID    string  `json:"city_id"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	ValidTime int64   `json:"valid_time"` // unix seconds
}

// Server runs the webhook listener. Grounded on internal/api.Server's
// net/http.Server + mux shape, generalized to a single signed ingress
// endpoint instead of a dashboard's multi-route surface.
type Server struct {
	cfg    config.IngressConfig
	bus    *bus.Bus
	logger *slog.Logger
	server *http.Server
}

// NewServer constructs a webhook ingress server.
func NewServer(cfg config.IngressConfig, b *bus.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bus:    b,
		logger: logger.With("component", "ingress"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.logger.Info("ingress server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ingress server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	hdr := s.cfg.SignatureHdr
	if hdr == "" {
		hdr = "X-Signature"
	}
	if !s.verifySignature(r.Header.Get(hdr), body) {
		s.logger.Warn("webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	snapshot := types.ForecastSnapshot{
		CityID:            payload.CityID,
		Metric:            types.MetricType(payload.Metric),
		Value:             payload.Value,
		Unit:              payload.Unit,
		ValidTime:         time.Unix(payload.ValidTime, 0).UTC(),
		Source:            types.SourceVenue,
		ConfirmationState: types.StateUnconfirmed,
		ProducedAt:        time.Now(),
		Cycle:             nil, // venue-ingested snapshots carry no NWP cycle
	}

	evt := fallback.APIDataEvent{Snapshots: []types.ForecastSnapshot{snapshot}, At: time.Now()}
	if err := s.bus.Publish(bus.TagAPIData, evt); err != nil {
		s.logger.Error("publish failed", "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

// verifySignature checks header against the base64-encoded HMAC-SHA256 of
// body under the configured shared secret, using a constant-time compare
// to avoid timing side channels (mirrors internal/exchange.Auth's signing
// construction, verifying instead of producing the signature).
func (s *Server) verifySignature(header string, body []byte) bool {
	if s.cfg.HMACSecret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.HMACSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}
