package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Pinger is a dependency checked by GET /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the API serves. Only Detector is required.
type Deps struct {
	Detector *detection.Service

	// Repo serves results and transactions. Nil disables those endpoints.
	Repo domain.Repository

	// RuleStore backs rule management. Nil when rules come from a file, in
	// which case the rule endpoints are read-only views of the snapshot.
	RuleStore domain.RuleRepository

	// Bus enables asynchronous ingestion through POST /transactions.
	Bus domain.EventBus

	// Checks are pinged by GET /ready, keyed by component name.
	Checks map[string]Pinger

	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	detector  *detection.Service
	repo      domain.Repository
	ruleStore domain.RuleRepository
	bus       domain.EventBus
	checks    map[string]Pinger
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		detector:  deps.Detector,
		repo:      deps.Repo,
		ruleStore: deps.RuleStore,
		bus:       deps.Bus,
		checks:    deps.Checks,
		version:   deps.Version,
	}
}

// Evaluate handles POST /evaluate. The verdict is computed synchronously.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	tx, ok := decodeTransaction(w, r)
	if !ok {
		return
	}

	result, err := h.detector.Detect(r.Context(), tx)
	if err != nil {
		// Usually the client went away; nothing was persisted.
		writeError(w, http.StatusServiceUnavailable, "evaluation interrupted")
		return
	}
	noteVerdict(r, string(result.RiskLevel))
	writeJSON(w, http.StatusOK, result)
}

// Ingest handles POST /transactions. The transaction is queued on the event
// bus for the workers and evaluated asynchronously.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	tx, ok := decodeTransaction(w, r)
	if !ok {
		return
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode transaction")
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicTransactionIngested, tx.ID, payload); err != nil {
		slog.Error("failed to queue transaction", "tx_id", tx.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": tx.ID,
		"status":        "queued",
	})
}

func decodeTransaction(w http.ResponseWriter, r *http.Request) (*domain.Transaction, bool) {
	var tx domain.Transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	noteTransaction(r, tx.ID)
	if err := tx.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &tx, true
}

// GetResult retrieves a detection result by ID.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	id := chi.URLParam(r, "id")
	result, err := h.repo.GetResult(r.Context(), id)
	if err != nil {
		h.storeError(w, "result", id, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetTransaction retrieves an evaluated transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	id := chi.URLParam(r, "id")
	tx, err := h.repo.GetTransaction(r.Context(), id)
	if err != nil {
		h.storeError(w, "transaction", id, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListTransactionResults returns every verdict recorded for a transaction.
func (h *Handler) ListTransactionResults(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	id := chi.URLParam(r, "id")
	results, err := h.repo.ListResultsByTransaction(r.Context(), id)
	if err != nil {
		h.storeError(w, "results", id, err)
		return
	}
	if results == nil {
		results = []*domain.FraudDetectionResult{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactionId": id,
		"results":       results,
		"count":         len(results),
	})
}

// ListRules returns every managed rule, or the active snapshot when rules
// are served from a file.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	set := h.detector.Rules().Snapshot()

	rules := set.Rules
	source := "file"
	if h.ruleStore != nil {
		var err error
		rules, err = h.ruleStore.ListRules(r.Context())
		if err != nil {
			h.storeError(w, "rules", "", err)
			return
		}
		source = "repository"
	}
	if rules == nil {
		rules = []*domain.FraudRule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":          rules,
		"count":          len(rules),
		"source":         source,
		"ruleSetVersion": set.Version,
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	if h.ruleStore == nil {
		for _, rule := range h.detector.Rules().Snapshot().Rules {
			if rule.ID == id {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	rule, err := h.ruleStore.GetRule(r.Context(), id)
	if err != nil {
		h.storeError(w, "rule", strconv.FormatInt(id, 10), err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a new rule, then refreshes the snapshot.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = 0

	if err := h.ruleStore.CreateRule(r.Context(), rule); err != nil {
		h.storeError(w, "rule", rule.Name, err)
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name, "type", rule.Type)
	h.refresh(r.Context())
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule replaces a rule, then refreshes the snapshot.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id

	if err := h.ruleStore.UpdateRule(r.Context(), rule); err != nil {
		h.storeError(w, "rule", strconv.FormatInt(id, 10), err)
		return
	}

	// Return the stored row so createdAt is populated.
	stored, err := h.ruleStore.GetRule(r.Context(), id)
	if err != nil {
		stored = rule
	}

	slog.Info("rule updated", "rule_id", id, "name", rule.Name, "enabled", rule.Enabled)
	h.refresh(r.Context())
	writeJSON(w, http.StatusOK, stored)
}

// DeleteRule removes a rule, then refreshes the snapshot.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRuleStore(w) {
		return
	}
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	if err := h.ruleStore.DeleteRule(r.Context(), id); err != nil {
		h.storeError(w, "rule", strconv.FormatInt(id, 10), err)
		return
	}

	slog.Info("rule deleted", "rule_id", id)
	h.refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules forces a snapshot refresh from the rule source. On failure the
// previous snapshot stays active.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	set, err := h.detector.Rules().Refresh(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":          "failed to reload rules: " + err.Error(),
			"ruleSetVersion": h.detector.Rules().Snapshot().Version,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "rules reloaded successfully",
		"count":          len(set.Rules),
		"ruleSetVersion": set.Version,
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	set := h.detector.Rules().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        h.version,
		"rules":          len(set.Rules),
		"ruleSetVersion": set.Version,
	})
}

// Ready pings every registered dependency and reports 503 if any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	ready := true
	for name, p := range h.checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (*domain.FraudRule, bool) {
	if !h.requireRuleStore(w) {
		return nil, false
	}

	var rule domain.FraudRule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	if err := h.detector.Engine().ValidateRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &rule, true
}

func (h *Handler) requireRuleStore(w http.ResponseWriter) bool {
	if h.ruleStore == nil {
		writeError(w, http.StatusConflict, "rules are served from a file and cannot be modified")
		return false
	}
	return true
}

// refresh applies a rule change to the active snapshot. A failed refresh is
// picked up by the next periodic refresh.
func (h *Handler) refresh(ctx context.Context) {
	if _, err := h.detector.Rules().Refresh(ctx); err != nil {
		slog.Warn("rule snapshot refresh failed after change", "error", err)
	}
}

func (h *Handler) storeError(w http.ResponseWriter, kind, id string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, kind+" not found")
	case errors.Is(err, domain.ErrInvalidRule), errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository operation failed", "kind", kind, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to access "+kind)
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "rule id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
