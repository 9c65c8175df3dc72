package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle status. Orders arrive as "pending" and move to
// "processing" once payment is confirmed by webhook.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
)

// Order payment_status column.
const (
	OrderPaymentUnpaid = "unpaid"
	OrderPaymentPaid   = "paid"
)

// Payment status column. "processing" is part of the enum but is never
// set by this service; webhook reconciliation jumps straight to
// "succeeded".
const (
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentSucceeded  = "succeeded"
	PaymentFailed     = "failed"
)

type Order struct {
	ID            string `gorm:"primaryKey;size:36;not null"`
	UserID        string `gorm:"size:36;index;not null"`
	OrderNumber   string `gorm:"size:32;uniqueIndex;not null"`
	Items         []OrderItem
	ShippingEmail string          `gorm:"size:255"`
	ShippingCost  decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Total         decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	PaymentStatus string          `gorm:"size:16;index;not null"` // unpaid, paid
	Status        string          `gorm:"size:32;index;not null"` // pending, processing, ...
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ID uint `gorm:"primaryKey"`
	// FK → orders.id
	OrderID     string          `gorm:"size:36;index;not null"`
	ProductName string          `gorm:"size:255;not null"`
	Size        string          `gorm:"size:32"`
	Color       string          `gorm:"size:32"`
	Price       decimal.Decimal `gorm:"type:decimal(10,2);not null"` // unit price
	Quantity    int64           `gorm:"not null"`
	CreatedAt   time.Time
}

type Payment struct {
	ID string `gorm:"primaryKey;size:36;not null"`
	// FK → orders.id; one-to-one enforced by the service, not the schema
	OrderID                 string          `gorm:"size:36;index;not null"`
	StripePaymentIntentID   string          `gorm:"size:255;index"`
	StripeCheckoutSessionID string          `gorm:"size:255;index"`
	Amount                  decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Currency                string          `gorm:"size:8;not null"`
	Status                  string          `gorm:"size:16;index;not null"` // pending, processing, succeeded, failed
	ErrorMessage            string          `gorm:"size:512"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// MarkAsFailed transitions the payment to failed with a human-readable
// reason. Persistence is the caller's job.
func (p *Payment) MarkAsFailed(message string) {
	p.Status = PaymentFailed
	p.ErrorMessage = message
}

type WebhookEvent struct {
	EventID     string `gorm:"primaryKey;size:128;uniqueIndex;not null"`
	EventType   string `gorm:"size:64;index"`
	ProcessedAt time.Time
	CreatedAt   time.Time
}
