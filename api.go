package syndicate

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cararth/syndicate/internal/httpguard"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 5 * 1024 * 1024

// webhookRatePerMinute caps webhook posts per partner IP.
const webhookRatePerMinute = 300

// Router returns the operator API under /v1 plus a health probe.
func (svc *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpguard.TraceID(svc.logger))
	r.Use(httpguard.SecurityHeaders)
	r.Use(httpguard.MaxBody(maxWebhookBody))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", svc.handleListSources)
			r.Post("/", svc.handleAddSource)
			r.Get("/{id}", svc.handleGetSource)
			r.Put("/{id}", svc.handleUpdateSource)
			r.Delete("/{id}", svc.handleDeleteSource)
			r.Post("/{id}/reset", svc.handleResetSource)
			r.Post("/{id}/trigger", svc.handleTriggerRun)
			r.Get("/{id}/runs", svc.handleRunHistory)
		})

		r.With(httpguard.NewRateLimiter(webhookRatePerMinute, time.Minute).Middleware).
			Post("/webhooks/{sourceID}", svc.handleWebhook)

		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", svc.handleListReviews)
			r.Post("/{id}/decision", svc.handleReviewDecision)
			r.Put("/{id}/listing", svc.handleReviewEdit)
		})

		r.Get("/runs/{runID}/rejections", svc.handleRejections)

		r.Route("/listings", func(r chi.Router) {
			r.Get("/{id}", svc.handleGetListing)
			r.Get("/{id}/syndications", svc.handleSyndications)
		})

		r.Route("/consents", func(r chi.Router) {
			r.Get("/{sellerID}", svc.handleConsentHistory)
			r.Post("/{sellerID}/grant", svc.handleGrantConsent)
			r.Post("/{sellerID}/revoke", svc.handleRevokeConsent)
		})

		r.Get("/health/platforms", svc.handlePlatformHealth)
		r.Get("/health/sources", svc.handleSourceHealth)
		r.Get("/audit", svc.handleAuditLog)
		r.Get("/compliance", svc.handleCompliance)
		r.Get("/stats", svc.handleStats)
	})

	return r
}

// --- Sources ---

func (svc *Service) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := svc.ListSources(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if sources == nil {
		sources = []*PartnerSource{}
	}
	writeData(w, http.StatusOK, sources)
}

func (svc *Service) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var src PartnerSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := svc.AddSource(r.Context(), &src); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, &src)
}

func (svc *Service) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := svc.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, src)
}

func (svc *Service) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var src PartnerSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	src.ID = chi.URLParam(r, "id")
	if err := svc.UpdateSource(r.Context(), &src); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, &src)
}

func (svc *Service) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := svc.DeleteSource(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (svc *Service) handleResetSource(w http.ResponseWriter, r *http.Request) {
	if err := svc.ResetSource(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (svc *Service) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if err := svc.TriggerManualRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (svc *Service) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := svc.RunHistory(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*RunLogEntry{}
	}
	writeData(w, http.StatusOK, runs)
}

// --- Ingestion ---

func (svc *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeErrStatus(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	n, err := svc.ReceiveWebhook(r.Context(), chi.URLParam(r, "sourceID"), body)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]int{"accepted": n})
}

// --- Review ---

func (svc *Service) handleListReviews(w http.ResponseWriter, r *http.Request) {
	items, err := svc.ListFlaggedReviewItems(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []*ReviewItem{}
	}
	writeData(w, http.StatusOK, items)
}

func (svc *Service) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		Notes    string `json:"notes"`
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dec, err := svc.ReviewItem(r.Context(), chi.URLParam(r, "id"), req.Action, req.Notes, req.Reviewer)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"item":     dec.Item,
		"listing":  dec.Listing,
		"approved": dec.Approved,
	})
}

func (svc *Service) handleReviewEdit(w http.ResponseWriter, r *http.Request) {
	var edited Listing
	if err := json.NewDecoder(r.Body).Decode(&edited); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	assessment, err := svc.UpdateReviewListing(r.Context(), chi.URLParam(r, "id"), &edited)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, assessment)
}

func (svc *Service) handleRejections(w http.ResponseWriter, r *http.Request) {
	rejections, err := svc.Rejections(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if rejections == nil {
		rejections = []*Rejection{}
	}
	writeData(w, http.StatusOK, rejections)
}

// --- Listings ---

func (svc *Service) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := svc.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if l == nil {
		writeErrStatus(w, http.StatusNotFound, "listing not found")
		return
	}
	writeData(w, http.StatusOK, l)
}

func (svc *Service) handleSyndications(w http.ResponseWriter, r *http.Request) {
	recs, err := svc.SyndicationRecords(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []*SyndicationRecord{}
	}
	writeData(w, http.StatusOK, recs)
}

// --- Consent & compliance ---

func (svc *Service) handleConsentHistory(w http.ResponseWriter, r *http.Request) {
	events, err := svc.ConsentHistory(r.Context(), chi.URLParam(r, "sellerID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []*ConsentEvent{}
	}
	writeData(w, http.StatusOK, events)
}

func (svc *Service) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	ev, err := svc.GrantConsent(r.Context(), chi.URLParam(r, "sellerID"), queryStr(r, "legal_version"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, ev)
}

func (svc *Service) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	ev, err := svc.RevokeConsent(r.Context(), chi.URLParam(r, "sellerID"), queryStr(r, "legal_version"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, ev)
}

func (svc *Service) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	f := AuditFilter{
		Platform:   queryStr(r, "platform"),
		SellerID:   queryStr(r, "seller_id"),
		ListingID:  queryStr(r, "listing_id"),
		ErrorsOnly: queryStr(r, "errors_only") == "true",
		From:       queryInt64(r, "from"),
		To:         queryInt64(r, "to"),
		Limit:      queryInt(r, "limit", 100),
	}
	entries, err := svc.AuditLog(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []*AuditLogEntry{}
	}
	writeData(w, http.StatusOK, entries)
}

func (svc *Service) handleCompliance(w http.ResponseWriter, r *http.Request) {
	summary, err := svc.ComplianceSummary(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, summary)
}

// --- Health & stats ---

func (svc *Service) handlePlatformHealth(w http.ResponseWriter, r *http.Request) {
	platforms, err := svc.SyndicationHealth(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if platforms == nil {
		platforms = []*PlatformHealth{}
	}
	writeData(w, http.StatusOK, platforms)
}

func (svc *Service) handleSourceHealth(w http.ResponseWriter, r *http.Request) {
	sources, err := svc.ScraperHealth(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if sources == nil {
		sources = []*SourceHealth{}
	}
	writeData(w, http.StatusOK, sources)
}

func (svc *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := svc.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, map[string]any{"ok": true, "data": data})
}

func writeErrStatus(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

// writeErr maps service sentinels to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, ErrDuplicateSource),
		errors.Is(err, ErrScheduleConflict),
		errors.Is(err, ErrTerminalReview):
		code = http.StatusConflict
	case errors.Is(err, ErrQuotaExceeded):
		code = http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownSource),
		errors.Is(err, ErrUnknownReviewItem):
		code = http.StatusNotFound
	case errors.Is(err, ErrConsentMissing):
		code = http.StatusForbidden
	}
	writeErrStatus(w, code, err.Error())
}

func queryStr(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
