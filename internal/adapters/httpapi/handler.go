package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/usecase"
)

type ctxKey string

const (
	tenantIDCtxKey  ctxKey = "tenant_id"
	maxJSONBodySize        = 1 << 20
)

// logEventSchema is compiled once at startup; malformed event submissions are
// rejected before they reach the service.
const logEventSchema = `{
  "type": "object",
  "properties": {
    "actor": {"type": "string"},
    "action": {"type": "string", "minLength": 1},
    "resource_type": {"type": "string", "minLength": 1},
    "resource_id": {"type": "string"},
    "origin": {
      "type": "object",
      "properties": {
        "ip": {"type": "string"},
        "user_agent": {"type": "string"}
      },
      "additionalProperties": false
    },
    "payload": {"type": "object"}
  },
  "required": ["action", "resource_type"],
  "additionalProperties": false
}`

type Handler struct {
	auditService *usecase.AuditService
	authService  *usecase.AuthService
	metrics      http.Handler
	eventSchema  *jsonschema.Schema
	logger       *zap.Logger
}

func NewHandler(auditService *usecase.AuditService, authService *usecase.AuthService, metrics http.Handler, logger *zap.Logger) (*Handler, error) {
	schema, err := jsonschema.CompileString("log_event.json", logEventSchema)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		auditService: auditService,
		authService:  authService,
		metrics:      metrics,
		eventSchema:  schema,
		logger:       logger,
	}, nil
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)
		pr.Post("/v1/audit/events", h.logEvent)
		pr.Get("/v1/audit/records", h.listRecords)
		pr.Get("/v1/audit/records/{id}", h.getRecord)
		pr.Get("/v1/audit/records/{id}/verify", h.verifyRecord)
		pr.Get("/v1/audit/verify", h.batchVerify)
		pr.Get("/v1/audit/tampering", h.detectTampering)
		pr.Get("/v1/audit/integrity-report", h.integrityReport)
		pr.Post("/v1/audit/repair", h.repair)
		pr.Get("/v1/audit/statistics", h.statistics)
	})

	return r
}

type logEventRequest struct {
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Origin       domain.Origin  `json:"origin"`
	Payload      map[string]any `json:"payload"`
}

type recordResponse struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	Actor        string           `json:"actor,omitempty"`
	Action       string           `json:"action"`
	ResourceType string           `json:"resource_type"`
	ResourceID   string           `json:"resource_id,omitempty"`
	Origin       domain.Origin    `json:"origin"`
	Payload      map[string]any   `json:"payload,omitempty"`
	Timestamp    string           `json:"timestamp"`
	SealState    string           `json:"seal_state"`
	Envelope     *domain.Envelope `json:"envelope,omitempty"`
}

type repairRequest struct {
	RecordIDs []string `json:"record_ids"`
}

func (h *Handler) logEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)

	var raw json.RawMessage
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.eventSchema.Validate(loose); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}

	var req logEventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	action, err := domain.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}

	out, err := h.auditService.LogEvent(r.Context(), usecase.LogEventInput{
		TenantID:     tenantIDFromContext(r.Context()),
		Actor:        req.Actor,
		Action:       action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Origin:       req.Origin,
		Payload:      req.Payload,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	stored, err := h.auditService.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	if stored.Record.TenantID != tenantIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(stored))
}

func (h *Handler) verifyRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stored, err := h.auditService.GetRecord(r.Context(), id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	if stored.Record.TenantID != tenantIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	res, err := h.auditService.VerifyRecord(r.Context(), id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id":       res.RecordID,
		"is_valid":        res.IsValid(),
		"hash_valid":      res.HashValid,
		"signature_valid": res.SignatureValid,
		"chain_valid":     res.ChainValid,
		"errors":          res.Errors,
	})
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := h.auditService.ListRecords(r.Context(), tenantIDFromContext(r.Context()), window, limit)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, sr := range records {
		out = append(out, toRecordResponse(sr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) batchVerify(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	out, err := h.auditService.BatchVerify(r.Context(), tenantIDFromContext(r.Context()), window)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) detectTampering(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	report, err := h.auditService.DetectTampering(r.Context(), tenantIDFromContext(r.Context()), window)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) integrityReport(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	report, err := h.auditService.GenerateIntegrityReport(r.Context(), tenantIDFromContext(r.Context()), window)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)

	var req repairRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	out, err := h.auditService.RepairViolations(r.Context(), tenantIDFromContext(r.Context()), req.RecordIDs)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	stats, err := h.auditService.GetStatistics(r.Context(), tenantIDFromContext(r.Context()), window)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	// Health is degraded-but-alive even with the fast path down; the
	// synchronous seal path still accepts events.
	health := h.auditService.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"fast_path_healthy": health.FastPathHealthy,
		"buffer_depth":      health.Depth,
		"pending_retry":     health.PendingRetry,
	})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		apiKey, err := h.authService.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, usecase.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDCtxKey, apiKey.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantIDFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantIDCtxKey).(string)
	return tenant
}

func toRecordResponse(sr domain.StoredRecord) recordResponse {
	return recordResponse{
		ID:           sr.Record.ID,
		TenantID:     sr.Record.TenantID,
		Actor:        sr.Record.Actor,
		Action:       string(sr.Record.Action),
		ResourceType: sr.Record.ResourceType,
		ResourceID:   sr.Record.ResourceID,
		Origin:       sr.Record.Origin,
		Payload:      sr.Record.Payload,
		Timestamp:    sr.Record.Timestamp.UTC().Format(time.RFC3339Nano),
		SealState:    string(sr.SealState),
		Envelope:     sr.Envelope,
	}
}

func parseWindow(w http.ResponseWriter, r *http.Request) (domain.TimeWindow, bool) {
	var window domain.TimeWindow
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return window, false
		}
		window.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return window, false
		}
		window.To = t
	}
	return window, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTenant),
		errors.Is(err, domain.ErrInvalidAction),
		errors.Is(err, domain.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrNoSigningKey):
		h.logger.Error("signing unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "signing unavailable")
	case errors.Is(err, domain.ErrVerifyUnavailable):
		h.logger.Error("verification unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "verification unavailable")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}
