// Package server exposes the read-only HTTP surface: ledger queries, the
// custody invariant check, and the health probes. All mutations flow through
// NATS; nothing here writes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BondLedger/internal/observability"
	"BondLedger/internal/query"
)

const defaultListLimit = 100

type HTTPServer struct {
	qs      *query.QueryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	srv     *http.Server
}

func NewHTTPServer(addr string, qs *query.QueryService, health *observability.HealthChecker, metrics *observability.Metrics) *HTTPServer {
	s := &HTTPServer{
		qs:      qs,
		health:  health,
		metrics: metrics,
		log:     observability.NewLogger("http_server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	mux.HandleFunc("/v1/assets", s.instrument("assets", s.handleListAssets))
	mux.HandleFunc("/v1/asset", s.instrument("asset", s.handleGetAsset))
	mux.HandleFunc("/v1/position", s.instrument("position", s.handleGetPosition))
	mux.HandleFunc("/v1/positions", s.instrument("positions", s.handleListPositions))
	mux.HandleFunc("/v1/oplog", s.instrument("oplog", s.handleOpLog))
	mux.HandleFunc("/v1/custody", s.instrument("custody", s.handleCustody))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) (int, error)

func (s *HTTPServer) instrument(endpoint string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			s.metrics.QueryRequests.WithLabelValues(endpoint, "405").Inc()
			return
		}
		start := time.Now()
		status, err := h(w, r)
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		if err != nil && status >= 500 {
			s.log.Error().Str("endpoint", endpoint).Err(err).Msg("query failed")
		}
	}
}

func (s *HTTPServer) handleListAssets(w http.ResponseWriter, r *http.Request) (int, error) {
	limit := parseLimit(r)
	assets, err := s.qs.ListAssets(r.Context(), limit)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}
	return writeJSON(w, map[string]interface{}{"assets": assets})
}

func (s *HTTPServer) handleGetAsset(w http.ResponseWriter, r *http.Request) (int, error) {
	q := r.URL.Query()

	var (
		asset *query.AssetResponse
		err   error
	)
	if rawID := q.Get("asset_id"); rawID != "" {
		assetID, parseErr := uuid.Parse(rawID)
		if parseErr != nil {
			return writeError(w, http.StatusBadRequest, parseErr)
		}
		asset, err = s.qs.GetAssetByID(r.Context(), assetID)
	} else {
		symbol, name := q.Get("symbol"), q.Get("name")
		if symbol == "" || name == "" {
			return writeError(w, http.StatusBadRequest, errors.New("asset_id or symbol+name required"))
		}
		asset, err = s.qs.GetAsset(r.Context(), symbol, name)
	}
	if errors.Is(err, query.ErrNotFound) {
		return writeError(w, http.StatusNotFound, err)
	}
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}
	return writeJSON(w, asset)
}

func (s *HTTPServer) handleGetPosition(w http.ResponseWriter, r *http.Request) (int, error) {
	q := r.URL.Query()
	assetID, err := uuid.Parse(q.Get("asset_id"))
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}
	userID, err := uuid.Parse(q.Get("user_id"))
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	pos, err := s.qs.GetPosition(r.Context(), assetID, userID)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}
	return writeJSON(w, pos)
}

func (s *HTTPServer) handleListPositions(w http.ResponseWriter, r *http.Request) (int, error) {
	assetID, err := uuid.Parse(r.URL.Query().Get("asset_id"))
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	positions, err := s.qs.ListPositions(r.Context(), assetID, parseLimit(r))
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}
	return writeJSON(w, map[string]interface{}{"positions": positions})
}

func (s *HTTPServer) handleOpLog(w http.ResponseWriter, r *http.Request) (int, error) {
	q := r.URL.Query()
	assetID, err := uuid.Parse(q.Get("asset_id"))
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	var before *int64
	if raw := q.Get("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return writeError(w, http.StatusBadRequest, err)
		}
		before = &v
	}

	entries, err := s.qs.GetOpLog(r.Context(), assetID, parseLimit(r), before)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}
	return writeJSON(w, map[string]interface{}{"operations": entries})
}

func (s *HTTPServer) handleCustody(w http.ResponseWriter, r *http.Request) (int, error) {
	report, err := s.qs.VerifyCustody(r.Context())
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}
	return writeJSON(w, report)
}

func parseLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			return v
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, v interface{}) (int, error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return http.StatusOK, json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) (int, error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	return status, err
}
