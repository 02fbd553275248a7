package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tradewatch/alert-service/internal/alerts"
	"github.com/tradewatch/alert-service/internal/cache"
	"github.com/tradewatch/alert-service/internal/database"
	"github.com/tradewatch/alert-service/internal/engine"
	"github.com/tradewatch/alert-service/internal/hub"
	"github.com/tradewatch/alert-service/internal/models"
)

const defaultAlertLimit = 50

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db        *database.DB
	generator *alerts.Generator
	hub       *hub.Hub
	feed      hub.MarketFeed
	cache     *cache.Redis
	log       *logrus.Entry
}

// NewHandler creates a new Handler. cache and feed may be nil.
func NewHandler(db *database.DB, generator *alerts.Generator, h *hub.Hub, feed hub.MarketFeed, redis *cache.Redis, logger *logrus.Logger) *Handler {
	return &Handler{
		db:        db,
		generator: generator,
		hub:       h,
		feed:      feed,
		cache:     redis,
		log:       logger.WithField("component", "api"),
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": h.hub.ConnectionCount(),
		"rules":       h.generator.RuleCount(),
	})
}

type ruleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RuleType    string `json:"rule_type"`
	ConfigYAML  string `json:"config_yaml"`
	Enabled     *bool  `json:"enabled"`
	Priority    int    `json:"priority"`
}

// GetAllRules handles GET /rules
func (h *Handler) GetAllRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.GetAllRules()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, rules)
}

// GetRule handles GET /rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid rule id", http.StatusBadRequest)
		return
	}

	rule, err := h.db.GetRuleByID(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.ConfigYAML == "" {
		http.Error(w, "config_yaml is required", http.StatusBadRequest)
		return
	}
	if _, err := engine.ParseDefinition([]byte(req.ConfigYAML)); err != nil {
		http.Error(w, "invalid rule config: "+err.Error(), http.StatusBadRequest)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.Rule{
		Name:        req.Name,
		Description: req.Description,
		RuleType:    req.RuleType,
		ConfigYAML:  req.ConfigYAML,
		Enabled:     enabled,
		Priority:    req.Priority,
	}

	if err := h.db.CreateRule(rule); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.invalidateRules(r.Context())
	respondJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid rule id", http.StatusBadRequest)
		return
	}

	existing, err := h.db.GetRuleByID(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Description != "" {
		existing.Description = req.Description
	}
	if req.RuleType != "" {
		existing.RuleType = req.RuleType
	}
	if req.ConfigYAML != "" {
		if _, err := engine.ParseDefinition([]byte(req.ConfigYAML)); err != nil {
			http.Error(w, "invalid rule config: "+err.Error(), http.StatusBadRequest)
			return
		}
		existing.ConfigYAML = req.ConfigYAML
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if req.Priority != 0 {
		existing.Priority = req.Priority
	}

	if err := h.db.UpdateRule(existing); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.invalidateRules(r.Context())
	respondJSON(w, http.StatusOK, existing)
}

// DeleteRule handles DELETE /rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid rule id", http.StatusBadRequest)
		return
	}

	if err := h.db.DeleteRule(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.invalidateRules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// invalidateRules drops the local rule cache and signals other instances
func (h *Handler) invalidateRules(ctx context.Context) {
	h.generator.InvalidateCache()
	if h.cache != nil {
		if err := h.cache.PublishRulesInvalidated(ctx); err != nil {
			h.log.WithError(err).Error("failed to publish rule invalidation")
		}
	}
}

// GetAlerts handles GET /alerts with optional symbol and limit query params
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	var result []*models.Alert
	var err error
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		result, err = h.db.GetAlertsBySymbol(strings.ToUpper(symbol), limit)
	} else {
		result, err = h.db.GetRecentAlerts(limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if result == nil {
		result = []*models.Alert{}
	}
	respondJSON(w, http.StatusOK, result)
}

// GetAlert handles GET /alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid alert id", http.StatusBadRequest)
		return
	}

	alert, err := h.db.GetAlertByID(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, alert)
}

// MarkAlertRead handles POST /alerts/{id}/read
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid alert id", http.StatusBadRequest)
		return
	}

	if err := h.db.MarkAlertRead(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetWatchlist handles GET /watchlist
func (h *Handler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	items, err := h.db.GetWatchlist()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if items == nil {
		items = []*models.WatchlistItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

// AddWatchlistItem handles POST /watchlist
func (h *Handler) AddWatchlistItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	item := &models.WatchlistItem{
		Symbol:   req.Symbol,
		IsActive: true,
		Notes:    req.Notes,
	}
	if err := h.db.AddWatchlistItem(item); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Start receiving ticks for the new symbol right away.
	if h.feed != nil {
		if err := h.feed.Subscribe([]string{item.Symbol}); err != nil {
			h.log.WithError(err).WithField("symbol", item.Symbol).Error("failed to subscribe upstream feed")
		}
	}

	respondJSON(w, http.StatusCreated, item)
}

// RemoveWatchlistItem handles DELETE /watchlist/{symbol}
func (h *Handler) RemoveWatchlistItem(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	if err := h.db.RemoveWatchlistItem(symbol); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMarketData handles GET /market-data/{symbol}
func (h *Handler) GetMarketData(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		http.Error(w, "market data cache not configured", http.StatusServiceUnavailable)
		return
	}

	symbol := mux.Vars(r)["symbol"]
	snapshot, err := h.cache.GetLatestTick(r.Context(), symbol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snapshot == nil {
		http.Error(w, "no market data for symbol", http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
