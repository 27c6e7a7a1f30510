package model

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReminderType string

const (
	// ReminderRenewal is the only type the lifecycle manager produces;
	// the column exists so future kinds (trial expiry, price change)
	// can share the table.
	ReminderRenewal ReminderType = "RENEWAL"
)

type Reminder struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	SubscriptionID uuid.UUID    `db:"subscription_id" json:"subscription_id"`
	ReminderDate   time.Time    `db:"reminder_date" json:"reminder_date"`
	ReminderType   ReminderType `db:"reminder_type" json:"reminder_type"`
	IsNotified     bool         `db:"is_notified" json:"is_notified"`
	NotificationID int32        `db:"notification_id" json:"notification_id"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// NotificationKey derives the platform-level dedup key for a reminder id.
func NotificationKey(id uuid.UUID) int32 {
	return int32(binary.BigEndian.Uint32(id[:4]))
}

// Payment is one charge recorded when a renewal reminder fires.
type Payment struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	SubscriptionID uuid.UUID       `db:"subscription_id" json:"subscription_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Currency       string          `db:"currency" json:"currency"`
	PaidAt         time.Time       `db:"paid_at" json:"paid_at"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
