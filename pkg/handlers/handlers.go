package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/operator"
	"order-alert-pipeline/pkg/push"
	"order-alert-pipeline/pkg/response"
	"order-alert-pipeline/pkg/watcher"
)

// SessionHandler serves the operator API of a session process.
type SessionHandler struct {
	service         *operator.Service
	logger          *logrus.Logger
	defaultOperator string
}

func NewSessionHandler(service *operator.Service, logger *logrus.Logger, defaultOperator string) *SessionHandler {
	return &SessionHandler{
		service:         service,
		logger:          logger,
		defaultOperator: defaultOperator,
	}
}

func (h *SessionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	var request struct {
		OperatorID string   `json:"operator_id"`
		Locations  []string `json:"locations"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.OperatorID == "" {
		request.OperatorID = h.defaultOperator
	}

	err := h.service.Ready(r.Context(), request.OperatorID, request.Locations)
	if errors.Is(err, operator.ErrOperatorRequired) {
		http.Error(w, "Missing operator ID", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("operator_id", request.OperatorID).Error("Failed to mark session ready")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"session_id":  h.service.Session().ID(),
		"operator_id": request.OperatorID,
		"locations":   request.Locations,
	})
}

func (h *SessionHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Value models.Lifecycle `json:"value"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Value != models.LifecycleForeground && request.Value != models.LifecycleBackground {
		http.Error(w, "Lifecycle must be foreground or background", http.StatusBadRequest)
		return
	}

	if err := h.service.SetLifecycle(r.Context(), request.Value); err != nil {
		h.logger.WithError(err).Error("Failed to report lifecycle")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"lifecycle": request.Value,
	})
}

func (h *SessionHandler) Modal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Controller().Modal())
}

func (h *SessionHandler) Accept(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	if err := h.service.Controller().Accept(r.Context(), orderID); err != nil {
		h.respondError(w, orderID, err)
		return
	}

	h.writeDecision(w, orderID)
}

func (h *SessionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var request struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.Controller().Reject(r.Context(), orderID, request.Reason); err != nil {
		h.respondError(w, orderID, err)
		return
	}

	h.writeDecision(w, orderID)
}

func (h *SessionHandler) writeDecision(w http.ResponseWriter, orderID string) {
	body := map[string]interface{}{
		"success":  true,
		"order_id": orderID,
	}
	if decision, ok := h.service.Controller().Decision(orderID); ok {
		body["decision"] = decision
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *SessionHandler) respondError(w http.ResponseWriter, orderID string, err error) {
	switch {
	case errors.Is(err, response.ErrReasonRequired):
		http.Error(w, "A reason is required to reject an order", http.StatusBadRequest)
	case errors.Is(err, response.ErrNotPresenting):
		http.Error(w, "Order is not being presented", http.StatusConflict)
	case errors.Is(err, response.ErrResponseInFlight):
		http.Error(w, "A response is already being recorded", http.StatusConflict)
	default:
		// The modal stays open; the operator can retry.
		h.logger.WithError(err).WithField("order_id", orderID).Error("Failed to record response")
		http.Error(w, "Failed to record response, please retry", http.StatusServiceUnavailable)
	}
}

func (h *SessionHandler) PushMessage(w http.ResponseWriter, r *http.Request) {
	h.handlePush(w, r, push.TypeReceive)
}

func (h *SessionHandler) PushTap(w http.ResponseWriter, r *http.Request) {
	h.handlePush(w, r, push.TypeTap)
}

func (h *SessionHandler) handlePush(w http.ResponseWriter, r *http.Request, deliveryType string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := push.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if deliveryType == push.TypeTap {
		err = h.service.Push().Tap(r.Context(), msg)
	} else {
		err = h.service.Push().Receive(r.Context(), msg)
	}
	if err != nil {
		h.logger.WithError(err).WithField("order_id", msg.OrderID).Error("Failed to handle push message")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":  true,
		"order_id": msg.OrderID,
		"type":     deliveryType,
	})

	h.logger.WithFields(logrus.Fields{
		"order_id": msg.OrderID,
		"type":     deliveryType,
	}).Debug("Handled push message")
}

func (h *SessionHandler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.service.Session()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"session_id":  state.ID(),
		"ready":       state.Ready(),
		"lifecycle":   state.Lifecycle(),
		"modal_state": h.service.Controller().Modal().State,
		"timestamp":   time.Now(),
	})
}

// WatcherHandler serves the status endpoints of the watcher process.
type WatcherHandler struct {
	service *watcher.Service
	logger  *logrus.Logger
}

func NewWatcherHandler(service *watcher.Service, logger *logrus.Logger) *WatcherHandler {
	return &WatcherHandler{
		service: service,
		logger:  logger,
	}
}

func (h *WatcherHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"is_leader": h.service.IsLeader(),
		"timestamp": time.Now(),
	})
}

func (h *WatcherHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
