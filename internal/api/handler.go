package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/notify"
	"github.com/wikisubmission/ws-push-service/internal/provider"
	"github.com/wikisubmission/ws-push-service/internal/redis"
)

// DeliveryRepository defines the delivery ledger operations the API needs.
type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, d *db.QueuedDelivery) error
	ListDeliveriesByDevice(ctx context.Context, deviceToken string, limit, offset int) ([]*db.QueuedDelivery, error)
}

// Renderer builds category content for a single device on demand.
// Each scheduled category registers one.
type Renderer interface {
	Render(ctx context.Context, deviceToken string) (*notify.Content, error)
}

// Sender delivers rendered content to a device.
type Sender interface {
	Send(ctx context.Context, content *notify.Content) error
}

// SendRequest is the body of POST /v1/send. Title, body, deep link and
// expiration are only honored for ANNOUNCEMENTS; scheduled categories
// render their own content.
type SendRequest struct {
	Category        string `json:"category"`
	DeviceToken     string `json:"deviceToken"`
	Title           string `json:"title,omitempty"`
	Body            string `json:"body,omitempty"`
	DeepLink        string `json:"deepLink,omitempty"`
	ExpirationHours int    `json:"expirationHours,omitempty"`
}

// SendResponse is returned after a successful synchronous send.
type SendResponse struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Status   string `json:"status"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	repo      DeliveryRepository
	sender    Sender
	renderers map[string]Renderer
	guard     *redis.TriggerGuard // nil if Redis not configured
}

// NewHandler creates a new API handler. renderers maps category to the
// provider that renders it; ANNOUNCEMENTS needs no entry.
func NewHandler(logger *zap.Logger, repo DeliveryRepository, sender Sender, renderers map[string]Renderer) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		sender:    sender,
		renderers: renderers,
	}
}

// NewHandlerWithGuard creates a handler with duplicate-trigger suppression.
func NewHandlerWithGuard(logger *zap.Logger, repo DeliveryRepository, sender Sender, renderers map[string]Renderer, guard *redis.TriggerGuard) *Handler {
	h := NewHandler(logger, repo, sender, renderers)
	h.guard = guard
	return h
}

// Send handles POST /v1/send: render content for the device and deliver it
// synchronously, bypassing the queue. The attempt is still recorded on the
// ledger so scheduled enqueue loops see it for dedup.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.DeviceToken == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing deviceToken", "deviceToken is required")
		return
	}
	if !db.ValidCategory(req.Category) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid category",
			"category must be one of: PRAYER_TIMES, DAILY_VERSE, RANDOM_VERSE, ANNOUNCEMENTS")
		return
	}

	if h.guard != nil {
		cached, err := h.guard.CheckOrReserve(ctx, req.Category, req.DeviceToken)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateTrigger) {
				h.writeError(w, http.StatusConflict, "duplicate_trigger",
					"Send already in progress",
					"A trigger for this device and category was accepted moments ago")
				return
			}
			h.logger.Warn("trigger guard check failed, proceeding",
				zap.Error(err),
				zap.String("category", req.Category),
			)
		} else if cached != nil {
			resp := SendResponse{ID: cached.DeliveryID, Category: req.Category, Status: db.StatusSucceeded}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Trigger-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	content, err := h.renderContent(ctx, &req)
	if err != nil {
		h.releaseGuard(req.Category, req.DeviceToken)
		if errors.Is(err, errMissingContent) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing announcement content", err.Error())
			return
		}
		if errors.Is(err, provider.ErrNotEligible) {
			h.writeError(w, http.StatusUnprocessableEntity, "not_eligible",
				"Device not eligible", err.Error())
			return
		}
		h.logger.Error("failed to render content",
			zap.Error(err),
			zap.String("category", req.Category),
		)
		h.writeError(w, http.StatusInternalServerError, "render_error", "Failed to render notification content", "")
		return
	}

	if err := h.sender.Send(ctx, content); err != nil {
		h.releaseGuard(req.Category, req.DeviceToken)
		h.logger.Error("synchronous send failed",
			zap.Error(err),
			zap.String("category", req.Category),
		)
		h.writeError(w, http.StatusBadGateway, "gateway_error", "Push gateway rejected the send", err.Error())
		return
	}

	payload, err := content.Encode()
	if err != nil {
		h.logger.Error("failed to encode delivered payload", zap.Error(err))
	}

	now := time.Now().UTC()
	row := &db.QueuedDelivery{
		ID:            uuid.New(),
		DeviceToken:   req.DeviceToken,
		Category:      req.Category,
		Status:        db.StatusSucceeded,
		ScheduledTime: now,
		Payload:       payload,
		APITriggered:  true,
		DeliveredAt:   &now,
	}

	if err := h.repo.CreateDelivery(ctx, row); err != nil {
		// Notification is already on the device; report success but log
		// the ledger gap.
		h.logger.Error("failed to record api-triggered delivery",
			zap.Error(err),
			zap.String("category", req.Category),
		)
	}

	h.logger.Info("api-triggered send delivered",
		zap.String("id", row.ID.String()),
		zap.String("category", req.Category),
	)

	if h.guard != nil {
		if err := h.guard.Store(ctx, req.Category, req.DeviceToken, &redis.TriggerResult{
			DeliveryID: row.ID.String(),
			StatusCode: http.StatusOK,
		}); err != nil {
			h.logger.Warn("failed to store trigger result", zap.Error(err))
		}
	}

	resp := SendResponse{
		ID:       row.ID.String(),
		Category: req.Category,
		Status:   db.StatusSucceeded,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

var errMissingContent = errors.New("title and body are required for announcements")

// renderContent resolves the content for a trigger. Scheduled categories go
// through their provider's eligibility-checked render; announcements carry
// caller-supplied content.
func (h *Handler) renderContent(ctx context.Context, req *SendRequest) (*notify.Content, error) {
	if req.Category == db.CategoryAnnouncements {
		if req.Title == "" || req.Body == "" {
			return nil, errMissingContent
		}
		return &notify.Content{
			DeviceToken:     req.DeviceToken,
			Title:           req.Title,
			Body:            req.Body,
			Category:        db.CategoryAnnouncements,
			DeepLink:        req.DeepLink,
			ExpirationHours: req.ExpirationHours,
		}, nil
	}

	r, ok := h.renderers[req.Category]
	if !ok {
		return nil, errors.New("no renderer registered for category " + req.Category)
	}

	content, err := r.Render(ctx, req.DeviceToken)
	if err != nil {
		return nil, err
	}

	// Manual prayer triggers break through focus modes; the scheduled path
	// does the same at the exact prayer instant.
	if req.Category == db.CategoryPrayerTimes {
		content.Critical = true
	}
	return content, nil
}

func (h *Handler) releaseGuard(category, deviceToken string) {
	if h.guard == nil {
		return
	}
	// Use a fresh context so a cancelled request still releases the lock.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.guard.Release(ctx, category, deviceToken); err != nil {
		h.logger.Warn("failed to release trigger guard", zap.Error(err))
	}
}

// ListQueue handles GET /v1/queue?device_token=xxx&limit=20&offset=0.
// Returns the device's delivery ledger, newest first.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceToken := r.URL.Query().Get("device_token")
	if deviceToken == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing device_token", "device_token query parameter is required")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	deliveries, err := h.repo.ListDeliveriesByDevice(ctx, deviceToken, limit, offset)
	if err != nil {
		h.logger.Error("failed to list deliveries",
			zap.Error(err),
			zap.String("device_token", deviceToken),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   deliveries,
		"limit":  limit,
		"offset": offset,
		"count":  len(deliveries),
	})
}

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
