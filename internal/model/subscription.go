package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/subtrack/subtrackd/internal/billing"
)

type Subscription struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	Price           decimal.Decimal `db:"price" json:"price"`
	Currency        string          `db:"currency" json:"currency"`
	BillingCycle    billing.Cycle   `db:"billing_cycle" json:"billing_cycle"`
	StartDate       time.Time       `db:"start_date" json:"start_date"`
	NextBillingDate time.Time       `db:"next_billing_date" json:"next_billing_date"`
	EndDate         *time.Time      `db:"end_date" json:"end_date,omitempty"`
	ReminderDays    int             `db:"reminder_days" json:"reminder_days"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	CategoryID      *uuid.UUID      `db:"category_id" json:"category_id,omitempty"`
	Description     string          `db:"description" json:"description,omitempty"`
	WebsiteURL      string          `db:"website_url" json:"website_url,omitempty"`
	Notes           string          `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

type Category struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Color     string    `db:"color" json:"color,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Create/Update request body
type SubscriptionRequest struct {
	Name            string  `json:"name" validate:"required,min=1"`
	Price           string  `json:"price" validate:"required"`
	Currency        string  `json:"currency" validate:"required,len=3"`
	BillingCycle    string  `json:"billing_cycle" validate:"required,oneof=daily weekly monthly yearly"`
	StartDate       string  `json:"start_date" validate:"required"`
	NextBillingDate string  `json:"next_billing_date" validate:"required"`
	EndDate         *string `json:"end_date,omitempty"`
	ReminderDays    *int    `json:"reminder_days,omitempty" validate:"omitempty,min=0"`
	IsActive        *bool   `json:"is_active,omitempty"`
	CategoryID      *string `json:"category_id,omitempty" validate:"omitempty,uuid4"`
	Description     string  `json:"description,omitempty"`
	WebsiteURL      string  `json:"website_url,omitempty" validate:"omitempty,url"`
	Notes           string  `json:"notes,omitempty"`
}
