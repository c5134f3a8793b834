package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"ordersaga/application/usecases"
	"ordersaga/domain/order"
	"ordersaga/infrastructure/repository"
	"ordersaga/infrastructure/sagastore"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	createOrderUC *usecases.CreateOrderUseCase
	orderRepo     *repository.OrderRepository
	sagaStore     *sagastore.Store
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(createOrderUC *usecases.CreateOrderUseCase, orderRepo *repository.OrderRepository, sagaStore *sagastore.Store) *OrderHandler {
	return &OrderHandler{createOrderUC: createOrderUC, orderRepo: orderRepo, sagaStore: sagaStore}
}

// CreateOrderRequest is the HTTP request body for creating an order.
type CreateOrderRequest struct {
	CustomerID      string       `json:"customer_id"`
	Items           []order.Item `json:"items"`
	TotalAmount     float64      `json:"total_amount"`
	Currency        string       `json:"currency"`
	PaymentMethod   string       `json:"payment_method"`
	ShippingAddress string       `json:"shipping_address"`
}

// CreateOrderResponse is the HTTP response for an accepted order.
type CreateOrderResponse struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// CreateOrder handles POST /orders.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.createOrderUC.Execute(r.Context(), usecases.Request{
		CustomerID:      req.CustomerID,
		Items:           req.Items,
		TotalAmount:     req.TotalAmount,
		Currency:        req.Currency,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		log.Printf("failed to create order: %v", err)
		http.Error(w, "Failed to create order: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := CreateOrderResponse{
		OrderID:       result.OrderID,
		CorrelationID: result.CorrelationID,
		Status:        "pending",
		Message:       "Order accepted and will be processed asynchronously",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)

	log.Printf("order created: %s (saga %s)", result.OrderID, result.CorrelationID)
}

// HealthCheck handles GET /health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// OrderHistoryResponse is the response for GET /orders/{orderID}/history, combining
// the persisted order row with the in-flight or terminal saga state, a
// supplement over spec.md's bare data model (adapted from the teacher's
// OrderHistoryResponse/TimelineEvent).
type OrderHistoryResponse struct {
	Order    *order.Order    `json:"order"`
	Saga     *SagaSummary    `json:"saga,omitempty"`
	Timeline []TimelineEvent `json:"timeline"`
}

// SagaSummary is the saga state projected for external consumption.
type SagaSummary struct {
	CorrelationID  string   `json:"correlation_id"`
	Status         string   `json:"status"`
	CompletedSteps []string `json:"completed_steps"`
	FailureReason  string   `json:"failure_reason,omitempty"`
}

// TimelineEvent is one entry of a saga's step history, derived from
// completedSteps since this module keeps no separate event log (spec.md
// §9's open question on unifying the event store with the outbox is
// resolved by not having one; see DESIGN.md).
type TimelineEvent struct {
	Step        string `json:"step"`
	Description string `json:"description"`
}

// GetOrderHistory handles GET /orders/{orderID}/history?correlation_id=...
// The saga's correlation id must be supplied by the caller since it is not
// recoverable from the order row alone (spec.md §4 treats them as distinct
// identifiers).
func (h *OrderHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/orders/")
	orderID := strings.TrimSuffix(strings.TrimSpace(path), "/history")
	if orderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	o, err := h.orderRepo.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Order not found", http.StatusNotFound)
			return
		}
		log.Printf("failed to load order: %v", err)
		http.Error(w, "Failed to load order", http.StatusInternalServerError)
		return
	}

	resp := OrderHistoryResponse{Order: o, Timeline: []TimelineEvent{}}

	if correlationID := r.URL.Query().Get("correlation_id"); correlationID != "" {
		if state, found, err := h.sagaStore.Load(ctx, correlationID); err != nil {
			log.Printf("failed to load saga state: %v", err)
		} else if found {
			resp.Saga = &SagaSummary{
				CorrelationID:  state.CorrelationID,
				Status:         state.Status,
				CompletedSteps: state.CompletedSteps,
				FailureReason:  state.FailureReason,
			}
			resp.Timeline = buildTimeline(state)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func buildTimeline(state sagastore.State) []TimelineEvent {
	descriptions := map[string]string{
		"RESERVE_INVENTORY": "Inventory reserved",
		"PROCESS_PAYMENT":   "Payment processed",
		"CONFIRM_ORDER":     "Order confirmed",
		"SEND_NOTIFICATION": "Customer notified",
	}
	timeline := make([]TimelineEvent, 0, len(state.CompletedSteps))
	for _, step := range state.CompletedSteps {
		timeline = append(timeline, TimelineEvent{Step: step, Description: descriptions[step]})
	}
	return timeline
}
