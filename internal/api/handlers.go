package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/voicebridge/campaign-engine/internal/campaign"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/internal/registry"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

type createCampaignRequest struct {
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	ListID       string `json:"list_id"`
	FromNumber   string `json:"from_number"`
	ProviderHint string `json:"provider_hint,omitempty"`
	BotEndpoint  string `json:"bot_endpoint"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if req.TenantID == "" || req.ListID == "" || req.FromNumber == "" {
		writeError(w, r, errors.New(errors.ErrConfiguration,
			"tenant_id, list_id and from_number are required").WithStatusCode(400))
		return
	}
	if req.ProviderHint != "" &&
		req.ProviderHint != string(models.ProviderPlivo) &&
		req.ProviderHint != string(models.ProviderTwilio) {
		writeError(w, r, errors.New(errors.ErrConfiguration, "unknown provider_hint").
			WithStatusCode(400))
		return
	}

	c, err := s.store.Create(r.Context(), campaign.CreateParams{
		TenantID:     req.TenantID,
		Name:         req.Name,
		ListID:       req.ListID,
		FromNumber:   req.FromNumber,
		ProviderHint: models.Provider(req.ProviderHint),
		BotEndpoint:  req.BotEndpoint,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.manager.Start(c.ID)
	s.metrics.IncrementCounter("api_campaigns_created", nil)
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, r, errors.New(errors.ErrConfiguration, "tenant_id query parameter required").
			WithStatusCode(400))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	campaigns, err := s.store.ListByTenant(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.store.SetStatus(r.Context(), id, campaign.StatusChange{
		To:     models.CampaignStatusPaused,
		Reason: models.PauseReasonUser,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The runner observes the status flip on its next iteration; stopping
	// the local goroutine just shortens the wait.
	s.manager.Stop(id)

	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.store.SetStatus(r.Context(), id, campaign.StatusChange{To: models.CampaignStatusRunning})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.manager.Start(id)

	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign":  c,
		"remaining": c.TotalContacts - c.CurrentIndex,
	})
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		CancelledBy string `json:"cancelled_by"`
	}
	decodeBody(r, &req) // body optional

	err := s.store.SetStatus(r.Context(), id, campaign.StatusChange{
		To:          models.CampaignStatusCancelled,
		CancelledBy: req.CancelledBy,
	})
	if err != nil {
		// Cancelling twice is a no-op success, not a conflict.
		if errors.Is(err, errors.ErrInvalidState) {
			if c, gerr := s.store.Get(r.Context(), id); gerr == nil &&
				c.Status == models.CampaignStatusCancelled {
				writeJSON(w, http.StatusOK, c)
				return
			}
		}
		writeError(w, r, err)
		return
	}

	s.manager.Stop(id)

	// A campaign cancelled while paused has no runner left to write its
	// aggregated ledger row, so finalize here. Idempotent against the runner
	// doing the same on its way out.
	if err := s.ledger.CompleteCampaignLedger(r.Context(), id); err != nil {
		logger.WithContext(r.Context()).WithError(err).
			WithField("campaign_id", id).Error("Failed to finalize campaign ledger")
	}

	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.store.Progress(r.Context(), mux.Vars(r)["id"], s.cfg.Engine.OrphanThreshold())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleImportContacts(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["listId"]
	if listID == "" {
		listID = uuid.NewString()
	}

	var req struct {
		Numbers []string `json:"numbers"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.store.ImportContacts(r.Context(), listID, req.Numbers); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"list_id": listID,
		"count":   len(req.Numbers),
	})
}

type singleCallRequest struct {
	TenantID    string `json:"tenant_id"`
	FromNumber  string `json:"from_number"`
	ToNumber    string `json:"to_number"`
	Provider    string `json:"provider,omitempty"`
	BotEndpoint string `json:"bot_endpoint,omitempty"`
}

// handleSingleCall places one ad-hoc test call outside any campaign. It is
// billed per call with kind=test.
func (s *Server) handleSingleCall(w http.ResponseWriter, r *http.Request) {
	var req singleCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TenantID == "" || req.FromNumber == "" || req.ToNumber == "" {
		writeError(w, r, errors.New(errors.ErrConfiguration,
			"tenant_id, from_number and to_number are required").WithStatusCode(400))
		return
	}

	ctx := r.Context()

	prov := models.Provider(req.Provider)
	if prov == "" {
		picked, err := s.port.Pick(ctx, req.TenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		prov = picked
	}

	call, err := s.reg.TryAdmit(ctx, registry.AdmitRequest{
		TenantID:   req.TenantID,
		FromNumber: req.FromNumber,
		ToNumber:   req.ToNumber,
		Provider:   prov,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.reg.Warmup(ctx, s.warmer, call.CallID, req.BotEndpoint); err != nil {
		writeError(w, r, err)
		return
	}

	creds, err := s.port.ResolveCredentials(ctx, req.TenantID, prov)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ref, err := s.port.PlaceCall(ctx, creds, req.FromNumber, req.ToNumber, s.callbacks(prov, call.CallID))
	if err != nil {
		if ferr := s.reg.MarkFailed(ctx, call.CallID, models.FailureProviderRejected); ferr != nil {
			logger.WithContext(ctx).WithError(ferr).Warn("Failed to mark rejected call")
		}
		writeError(w, r, err)
		return
	}

	s.reg.AttachProviderRef(ctx, call.CallID, ref)
	if err := s.reg.MarkRinging(ctx, call.CallID); err != nil && !errors.Is(err, errors.ErrConflict) {
		writeError(w, r, err)
		return
	}

	updated, err := s.reg.Get(ctx, call.CallID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.metrics.IncrementCounter("api_test_calls_placed", map[string]string{
		"provider": string(prov),
	})
	writeJSON(w, http.StatusCreated, updated)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	calls, err := s.reg.ListActive(r.Context(), r.URL.Query().Get("tenant_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"calls": calls})
}

func (s *Server) handleCallSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Snapshot(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.reg.Get(r.Context(), mux.Vars(r)["callId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Balance(r.Context(), mux.Vars(r)["tenantId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credits int64 `json:"credits"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	balanceAfter, err := s.ledger.Credit(r.Context(), mux.Vars(r)["tenantId"], req.Credits)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":     mux.Vars(r)["tenantId"],
		"balance_after": balanceAfter,
	})
}

func (s *Server) handleBillingEntries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.ledger.Entries(r.Context(), mux.Vars(r)["tenantId"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleUpsertCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		AccountID string `json:"account_id"`
		AuthToken string `json:"auth_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AccountID == "" || req.AuthToken == "" {
		writeError(w, r, errors.New(errors.ErrConfiguration,
			"account_id and auth_token are required").WithStatusCode(400))
		return
	}

	err := s.creds.Upsert(r.Context(), &models.ProviderCredentials{
		TenantID:  vars["tenantId"],
		Provider:  models.Provider(vars["provider"]),
		AccountID: req.AccountID,
		AuthToken: req.AuthToken,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.creds.Delete(r.Context(), vars["tenantId"], models.Provider(vars["provider"])); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	snap, err := s.reg.Snapshot(ctx, "")
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"active_calls":     snap.NonTerminal,
		"active_campaigns": s.manager.ActiveCount(),
	})
}
