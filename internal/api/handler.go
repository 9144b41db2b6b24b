package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/circuitbreaker"
	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/dispatch"
	"github.com/lalithlochan/pricewatch/internal/pricestore"
	"github.com/lalithlochan/pricewatch/internal/quota"
	"github.com/lalithlochan/pricewatch/internal/redis"
	"github.com/lalithlochan/pricewatch/internal/scheduler"
	"github.com/lalithlochan/pricewatch/internal/sqs"
	"github.com/lalithlochan/pricewatch/internal/tracking"
)

// UserHeader carries the caller's user ID, set by the authenticating proxy
// in front of this service.
const UserHeader = "X-User-ID"

type Tracker interface {
	Track(ctx context.Context, userID uuid.UUID, req tracking.Request) (*db.Subscription, *db.Product, error)
	Untrack(ctx context.Context, userID, productID uuid.UUID) error
}

type Repository interface {
	ListSubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]*db.Subscription, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	ListAlertsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*db.Alert, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*db.Product, error)
}

type Interactions interface {
	MarkViewed(ctx context.Context, alertID uuid.UUID) error
	MarkClicked(ctx context.Context, alertID uuid.UUID) error
}

type Prices interface {
	History(ctx context.Context, productID uuid.UUID, window time.Duration) ([]*db.Observation, error)
	Rollup(ctx context.Context, productID uuid.UUID, window time.Duration) (*pricestore.Rollup, error)
}

type UsageReporter interface {
	Usage(ctx context.Context, userID uuid.UUID) (*quota.Report, error)
}

type RunEnqueuer interface {
	Enqueue(ctx context.Context, req sqs.RunRequest) (string, error)
}

// Circuits exposes the notification channels' circuit breakers.
type Circuits interface {
	Stats() []circuitbreaker.Stats
	Reset(name string) (circuitbreaker.Stats, bool)
}

// RunFunc performs one check cycle inline.
type RunFunc func(ctx context.Context, asOf time.Time) (*scheduler.RunReport, error)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Deps are the services behind the API. Queue may be nil, in which case
// run requests execute inline through Run.
type Deps struct {
	Repo         Repository
	Tracker      Tracker
	Interactions Interactions
	Prices       Prices
	Usage        UsageReporter
	Run          RunFunc
	Queue        RunEnqueuer
	Circuits     Circuits
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{logger: logger, deps: deps}
}

// TriggerRun handles POST /v1/runs. The optional body {"as_of": "..."} pins
// the cycle's reference time.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		AsOf *time.Time `json:"as_of"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	if h.deps.Queue != nil {
		id, err := h.deps.Queue.Enqueue(ctx, sqs.RunRequest{AsOf: asOf, RequestedBy: "api"})
		if err != nil {
			h.logger.Error("failed to enqueue run request", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue run", "")
			return
		}
		h.writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
		return
	}

	report, err := h.deps.Run(ctx, asOf)
	if errors.Is(err, redis.ErrLockHeld) {
		h.writeError(w, http.StatusConflict, "run_in_progress", "A run is already in progress", "")
		return
	}
	if err != nil {
		h.logger.Error("inline run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "run_error", "Run failed", "")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	var req tracking.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	sub, product, err := h.deps.Tracker.Track(r.Context(), userID, req)
	switch {
	case errors.Is(err, tracking.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription", err.Error())
		return
	case errors.Is(err, tracking.ErrAlreadyTracking):
		h.writeError(w, http.StatusConflict, "already_tracking", "Product already tracked", "")
		return
	case errors.Is(err, quota.ErrQuotaExceeded):
		h.writeError(w, http.StatusForbidden, "quota_exceeded", "Plan product limit reached", err.Error())
		return
	case err != nil:
		h.logger.Error("failed to track product", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create subscription", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"subscription": sub,
		"product":      product,
	})
}

// ListSubscriptions handles GET /v1/subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	subs, err := h.deps.Repo.ListSubscriptionsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list subscriptions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list subscriptions", "")
		return
	}
	if subs == nil {
		subs = []*db.Subscription{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  subs,
		"count": len(subs),
	})
}

// DeleteSubscription handles DELETE /v1/subscriptions/{productID}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}

	err := h.deps.Tracker.Untrack(r.Context(), userID, productID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to untrack product", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete subscription", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAlerts handles GET /v1/alerts?limit=50
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	alerts, err := h.deps.Repo.ListAlertsByUser(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}
	if alerts == nil {
		alerts = []*db.Alert{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  alerts,
		"limit": limit,
		"count": len(alerts),
	})
}

// MarkAlertViewed handles POST /v1/alerts/{id}/viewed
func (h *Handler) MarkAlertViewed(w http.ResponseWriter, r *http.Request) {
	h.interact(w, r, h.deps.Interactions.MarkViewed)
}

// MarkAlertClicked handles POST /v1/alerts/{id}/clicked
func (h *Handler) MarkAlertClicked(w http.ResponseWriter, r *http.Request) {
	h.interact(w, r, h.deps.Interactions.MarkClicked)
}

func (h *Handler) interact(w http.ResponseWriter, r *http.Request, mark func(context.Context, uuid.UUID) error) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	alertID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	a, err := h.deps.Repo.GetAlert(r.Context(), alertID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && a.UserID != userID) {
		h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get alert", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load alert", "")
		return
	}

	err = mark(r.Context(), alertID)
	if errors.Is(err, dispatch.ErrInvalidTransition) {
		h.writeError(w, http.StatusConflict, "invalid_transition", "Alert state does not allow this", "alert is "+a.State)
		return
	}
	if err != nil {
		h.logger.Error("failed to record alert interaction", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update alert", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProductHistory handles GET /v1/products/{id}/history?window=30d
func (h *Handler) ProductHistory(w http.ResponseWriter, r *http.Request) {
	productID, window, ok := h.productWindow(w, r)
	if !ok {
		return
	}

	hist, err := h.deps.Prices.History(r.Context(), productID, window)
	if err != nil {
		h.logger.Error("failed to load price history", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load history", "")
		return
	}
	if hist == nil {
		hist = []*db.Observation{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  hist,
		"count": len(hist),
	})
}

// ProductRollup handles GET /v1/products/{id}/rollup?window=30d
func (h *Handler) ProductRollup(w http.ResponseWriter, r *http.Request) {
	productID, window, ok := h.productWindow(w, r)
	if !ok {
		return
	}

	rollup, err := h.deps.Prices.Rollup(r.Context(), productID, window)
	if errors.Is(err, pricestore.ErrNoHistory) {
		h.writeError(w, http.StatusNotFound, "no_history", "No observations in window", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to compute rollup", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute rollup", "")
		return
	}
	h.writeJSON(w, http.StatusOK, rollup)
}

func (h *Handler) productWindow(w http.ResponseWriter, r *http.Request) (uuid.UUID, time.Duration, bool) {
	productID, ok := h.pathID(w, r, "id")
	if !ok {
		return uuid.Nil, 0, false
	}
	window, err := pricestore.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid window", err.Error())
		return uuid.Nil, 0, false
	}
	if _, err := h.deps.Repo.GetProduct(r.Context(), productID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Product not found", "")
			return uuid.Nil, 0, false
		}
		h.logger.Error("failed to get product", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load product", "")
		return uuid.Nil, 0, false
	}
	return productID, window, true
}

// GetUsage handles GET /v1/usage
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	report, err := h.deps.Usage.Usage(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load usage", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load usage", "")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ListCircuits handles GET /v1/ops/circuits.
func (h *Handler) ListCircuits(w http.ResponseWriter, r *http.Request) {
	circuits := []circuitbreaker.Stats{}
	if h.deps.Circuits != nil {
		circuits = h.deps.Circuits.Stats()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": circuits,
		"count":    len(circuits),
	})
}

// ResetCircuit handles POST /v1/ops/circuits/{name}/reset.
func (h *Handler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.deps.Circuits == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Circuit not found", "")
		return
	}
	stats, ok := h.deps.Circuits.Reset(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Circuit not found", "no breaker named "+name)
		return
	}
	h.logger.Info("circuit reset via api", zap.String("circuit", name))
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(UserHeader)
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing user", UserHeader+" header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "user ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an RFC 7807 problem+json response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
