package order

// Topic names double as event types, per spec.md §6 ("topic name = event
// type"). Grouped by the participant that owns each topic.
const (
	TopicOrderCreated   = "orders.created"
	TopicOrderConfirmed = "orders.confirmed"
	TopicOrderCancelled = "orders.cancelled"

	TopicPaymentInitiated = "payments.initiated"
	TopicPaymentCompleted = "payments.completed"
	TopicPaymentFailed    = "payments.failed"
	TopicPaymentRefunded  = "payments.refunded"

	TopicInventoryReserveRequested  = "inventory.reserve-requested"
	TopicInventoryReserved          = "inventory.reserved"
	TopicInventoryReservationFailed = "inventory.reservation-failed"
	TopicInventoryReleased          = "inventory.released"

	TopicNotificationSend = "notifications.send"
)

// Item is a line item of an order, per spec.md §6.
type Item struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// Created is the orders.created payload.
type Created struct {
	OrderID         string  `json:"orderId"`
	CustomerID      string  `json:"customerId"`
	Items           []Item  `json:"items"`
	TotalAmount     float64 `json:"totalAmount"`
	Currency        string  `json:"currency"`
	PaymentMethod   string  `json:"paymentMethod"`
	ShippingAddress string  `json:"shippingAddress"`
}

// Confirmed is the orders.confirmed payload.
type Confirmed struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

// Cancelled is the orders.cancelled payload.
type Cancelled struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Reason     string `json:"reason"`
}

// PaymentInitiated is the payments.initiated payload.
type PaymentInitiated struct {
	OrderID       string  `json:"orderId"`
	CustomerID    string  `json:"customerId"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"paymentMethod"`
}

// PaymentCompleted is the payments.completed payload.
type PaymentCompleted struct {
	OrderID   string  `json:"orderId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// PaymentFailed is the payments.failed payload.
type PaymentFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// PaymentRefunded is the payments.refunded payload.
type PaymentRefunded struct {
	OrderID   string  `json:"orderId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// InventoryReserveRequested is the inventory.reserve-requested payload.
type InventoryReserveRequested struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}

// InventoryReserved is the inventory.reserved payload.
type InventoryReserved struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}

// InventoryReservationFailed is the inventory.reservation-failed payload.
type InventoryReservationFailed struct {
	OrderID                string   `json:"orderId"`
	Reason                 string   `json:"reason"`
	InsufficientProductIDs []string `json:"insufficientProductIds"`
}

// InventoryReleased is the inventory.released payload.
type InventoryReleased struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}

// NotificationSend is the notifications.send payload.
type NotificationSend struct {
	CustomerID string            `json:"customerId"`
	Channel    string            `json:"channel"`
	TemplateID string            `json:"templateId"`
	Variables  map[string]string `json:"variables"`
}
