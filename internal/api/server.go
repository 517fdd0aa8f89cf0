package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/voicebridge/campaign-engine/internal/billing"
	"github.com/voicebridge/campaign-engine/internal/campaign"
	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/internal/provider"
	"github.com/voicebridge/campaign-engine/internal/registry"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// Server exposes the control API and the provider webhook ingress.
type Server struct {
	store   *campaign.Store
	manager *campaign.Manager
	reg     *registry.Registry
	ledger  *billing.Ledger
	port    provider.Port
	creds   *provider.CredentialService
	warmer  *registry.Warmer
	metrics MetricsInterface
	cfg     *config.Config

	httpServer *http.Server
}

type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

func NewServer(store *campaign.Store, manager *campaign.Manager, reg *registry.Registry, ledger *billing.Ledger, port provider.Port, creds *provider.CredentialService, warmer *registry.Warmer, metrics MetricsInterface, cfg *config.Config) *Server {
	return &Server{
		store:   store,
		manager: manager,
		reg:     reg,
		ledger:  ledger,
		port:    port,
		creds:   creds,
		warmer:  warmer,
		metrics: metrics,
		cfg:     cfg,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/campaigns", s.handleCreateCampaign).Methods("POST")
	api.HandleFunc("/campaigns", s.handleListCampaigns).Methods("GET")
	api.HandleFunc("/campaigns/{id}", s.handleGetCampaign).Methods("GET")
	api.HandleFunc("/campaigns/{id}/pause", s.handlePauseCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}/resume", s.handleResumeCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}/cancel", s.handleCancelCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}/progress", s.handleCampaignProgress).Methods("GET")

	api.HandleFunc("/contacts/{listId}", s.handleImportContacts).Methods("POST")

	api.HandleFunc("/calls", s.handleSingleCall).Methods("POST")
	api.HandleFunc("/calls", s.handleListCalls).Methods("GET")
	api.HandleFunc("/calls/snapshot", s.handleCallSnapshot).Methods("GET")
	api.HandleFunc("/calls/{callId}", s.handleGetCall).Methods("GET")

	api.HandleFunc("/tenants/{tenantId}/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/tenants/{tenantId}/balance/credit", s.handleCredit).Methods("POST")
	api.HandleFunc("/tenants/{tenantId}/billing", s.handleBillingEntries).Methods("GET")

	api.HandleFunc("/tenants/{tenantId}/credentials/{provider}", s.handleUpsertCredentials).Methods("PUT")
	api.HandleFunc("/tenants/{tenantId}/credentials/{provider}", s.handleDeleteCredentials).Methods("DELETE")

	// Webhook ingress; the callID path token is the correlation key.
	wh := r.PathPrefix("/webhooks").Subrouter()
	wh.HandleFunc("/{provider}/{callId}/ring", s.handleWebhook("ring")).Methods("POST")
	wh.HandleFunc("/{provider}/{callId}/stream-start", s.handleWebhook("stream-start")).Methods("POST")
	wh.HandleFunc("/{provider}/{callId}/hangup", s.handleWebhook("hangup")).Methods("POST")
	wh.HandleFunc("/{provider}/{callId}/recording", s.handleWebhook("recording")).Methods("POST")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	return r
}

// Start runs the HTTP server until the context ends, then drains it.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.API.ListenAddress, s.cfg.API.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", s.httpServer.Addr).Info("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, errors.ErrInternal, "api server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.API.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), "request_id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.ObserveHistogram("api_request_duration", time.Since(start).Seconds(), map[string]string{
			"method": r.Method,
		})
	})
}

// writeJSON and writeError are the only response writers; every handler goes
// through them so status mapping stays in one place.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := errors.ErrInternal
	message := "internal error"

	if appErr, ok := err.(*errors.AppError); ok {
		code = appErr.Code
		message = appErr.Message
		if appErr.StatusCode > 0 {
			status = appErr.StatusCode
		} else {
			status = defaultStatus(code)
		}
	}

	if status >= 500 {
		logger.WithContext(r.Context()).WithError(err).Error("Request failed")
	}

	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": message,
		},
	})
}

func defaultStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCampaignNotFound, errors.ErrCallNotFound, errors.ErrTenantNotFound:
		return http.StatusNotFound
	case errors.ErrInsufficientBalance:
		return http.StatusPaymentRequired
	case errors.ErrConcurrencyFull:
		return http.StatusTooManyRequests
	case errors.ErrInvalidState, errors.ErrConflict, errors.ErrStaleCursor:
		return http.StatusConflict
	case errors.ErrConfiguration:
		return http.StatusBadRequest
	case errors.ErrProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

const healthCheckTimeout = 2 * time.Second

func (s *Server) callbacks(p models.Provider, callID string) provider.Callbacks {
	base := fmt.Sprintf("%s/webhooks/%s/%s", s.cfg.API.PublicBaseURL, p, callID)
	return provider.Callbacks{
		RingURL:        base + "/ring",
		StreamStartURL: base + "/stream-start",
		HangupURL:      base + "/hangup",
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrConfiguration, "invalid request body").
			WithStatusCode(http.StatusBadRequest)
	}
	return nil
}
