package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/subtrack/subtrackd/internal/billing"
	"github.com/subtrack/subtrackd/internal/model"
)

// ErrNotFound is returned when a referenced subscription or reminder does
// not exist. The reminder-fired path treats it as a silent no-op; HTTP
// handlers map it to 404.
var ErrNotFound = errors.New("not found")

type Repository interface {
	CreateSubscriptionWithReminder(sub *model.Subscription, rem *model.Reminder) error
	SubscriptionByID(id uuid.UUID) (*model.Subscription, error)
	UpdateSubscriptionWithReminder(sub *model.Subscription, upsert *model.Reminder, deleteReminderID *uuid.UUID) error
	ListSubscriptions(filter map[string]interface{}) ([]model.Subscription, error)
	DueWithin(now time.Time, days int) ([]model.Subscription, error)
	AggregateSpend(categoryID *uuid.UUID, from, to time.Time) (decimal.Decimal, error)

	ReminderByID(id uuid.UUID) (*model.Reminder, error)
	RemindersBySubscription(subID uuid.UUID) ([]model.Reminder, error)
	LiveRenewalReminder(subID uuid.UUID) (*model.Reminder, error)
	DueReminders(now time.Time) ([]model.Reminder, error)
	UpdateReminder(r *model.Reminder) error

	PaymentsBySubscription(subID uuid.UUID) ([]model.Payment, error)

	AdvanceBilling(sub *model.Subscription, fired *model.Reminder, next *model.Reminder, charge *model.Payment) error
	DeleteSubscriptionCascade(id uuid.UUID) error
}

type PostgresRepo struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func NewPostgresRepository(db *sqlx.DB, log *logrus.Logger) *PostgresRepo {
	return &PostgresRepo{db: db, log: log}
}

func EnsureMigrations(db *sqlx.DB) error {
	// minimal programmatic migration: extension plus the four tables.
	// reminders and payment_history carry no ON DELETE CASCADE on purpose:
	// the reminder lifecycle manager owns the cascade so it can cancel
	// scheduled timers alongside the rows.
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
		`CREATE TABLE IF NOT EXISTS categories (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name TEXT NOT NULL UNIQUE,
			color TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name TEXT NOT NULL,
			price NUMERIC(12,2) NOT NULL,
			currency TEXT NOT NULL,
			billing_cycle TEXT NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			next_billing_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ,
			reminder_days INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			category_id UUID REFERENCES categories(id),
			description TEXT NOT NULL DEFAULT '',
			website_url TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			subscription_id UUID NOT NULL,
			reminder_date TIMESTAMPTZ NOT NULL,
			reminder_type TEXT NOT NULL DEFAULT 'RENEWAL',
			is_notified BOOLEAN NOT NULL DEFAULT FALSE,
			notification_id INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS payment_history (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			subscription_id UUID NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			currency TEXT NOT NULL,
			paid_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_category ON subscriptions(category_id);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_next_billing ON subscriptions(next_billing_date);`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_subscription ON reminders(subscription_id);`,
		`CREATE INDEX IF NOT EXISTS idx_payment_history_subscription ON payment_history(subscription_id);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

const subscriptionColumns = `id,name,price,currency,billing_cycle,start_date,next_billing_date,end_date,reminder_days,is_active,category_id,description,website_url,notes,created_at,updated_at`

// CreateSubscriptionWithReminder persists a new subscription and its
// initial renewal reminder (nil when the lead time is zero) in one
// transaction, so a crash can't leave a subscription with a missing
// reminder.
func (p *PostgresRepo) CreateSubscriptionWithReminder(sub *model.Subscription, rem *model.Reminder) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	q := `INSERT INTO subscriptions (` + subscriptionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	if _, err := tx.Exec(q, sub.ID, sub.Name, sub.Price, sub.Currency, sub.BillingCycle,
		sub.StartDate, sub.NextBillingDate, sub.EndDate, sub.ReminderDays, sub.IsActive,
		sub.CategoryID, sub.Description, sub.WebsiteURL, sub.Notes, sub.CreatedAt, sub.UpdatedAt); err != nil {
		return err
	}
	if rem != nil {
		if err := insertReminderTx(tx, rem, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresRepo) SubscriptionByID(id uuid.UUID) (*model.Subscription, error) {
	var s model.Subscription
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id=$1`
	if err := p.db.Get(&s, q, id); err != nil {
		return nil, notFoundOr(err)
	}
	return &s, nil
}

// UpdateSubscriptionWithReminder rewrites a subscription together with its
// renewal reminder in one transaction. upsert is inserted when its ID is nil
// and updated otherwise; deleteReminderID removes a reminder that the new
// state no longer needs. Either side failing rolls back the whole edit.
func (p *PostgresRepo) UpdateSubscriptionWithReminder(sub *model.Subscription, upsert *model.Reminder, deleteReminderID *uuid.UUID) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sub.UpdatedAt = now
	q := `UPDATE subscriptions SET name=$1, price=$2, currency=$3, billing_cycle=$4,
	start_date=$5, next_billing_date=$6, end_date=$7, reminder_days=$8, is_active=$9,
	category_id=$10, description=$11, website_url=$12, notes=$13, updated_at=$14 WHERE id=$15`
	res, err := tx.Exec(q, sub.Name, sub.Price, sub.Currency, sub.BillingCycle,
		sub.StartDate, sub.NextBillingDate, sub.EndDate, sub.ReminderDays, sub.IsActive,
		sub.CategoryID, sub.Description, sub.WebsiteURL, sub.Notes, sub.UpdatedAt, sub.ID)
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	if deleteReminderID != nil {
		if _, err := tx.Exec(`DELETE FROM reminders WHERE id=$1`, *deleteReminderID); err != nil {
			return err
		}
	}
	if upsert != nil {
		if upsert.ID == uuid.Nil {
			if err := insertReminderTx(tx, upsert, now); err != nil {
				return err
			}
		} else if err := updateReminderTx(tx, upsert, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresRepo) ListSubscriptions(filter map[string]interface{}) ([]model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if v, ok := filter["category_id"]; ok {
		q += ` AND category_id=$` + itoa(idx)
		args = append(args, v)
		idx++
	}
	if v, ok := filter["is_active"]; ok {
		q += ` AND is_active=$` + itoa(idx)
		args = append(args, v)
		idx++
	}
	if v, ok := filter["name"]; ok {
		q += ` AND name ILIKE $` + itoa(idx)
		args = append(args, "%"+v.(string)+"%")
		idx++
	}
	q += ` ORDER BY next_billing_date`
	rows := []model.Subscription{}
	if err := p.db.Select(&rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// DueWithin returns active subscriptions whose billing date falls within
// the next days days. Overdue subscriptions are included deliberately: an
// unpaid renewal is still upcoming work for the user, not history.
func (p *PostgresRepo) DueWithin(now time.Time, days int) ([]model.Subscription, error) {
	until := now.AddDate(0, 0, days)
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions
	WHERE is_active AND next_billing_date <= $1 ORDER BY next_billing_date`
	rows := []model.Subscription{}
	if err := p.db.Select(&rows, q, until); err != nil {
		return nil, err
	}
	return rows, nil
}

// AggregateSpend projects the total charged by subscriptions overlapping
// [from,to]: for each, charge dates are walked cycle by cycle from the
// start date and those inside the period are summed at the current price.
func (p *PostgresRepo) AggregateSpend(categoryID *uuid.UUID, from, to time.Time) (decimal.Decimal, error) {
	q := `SELECT price, billing_cycle, start_date, end_date FROM subscriptions
	WHERE start_date <= $1 AND (end_date IS NULL OR end_date >= $2)`
	args := []interface{}{to, from}
	if categoryID != nil {
		q += ` AND category_id = $3`
		args = append(args, *categoryID)
	}

	type row struct {
		Price        decimal.Decimal `db:"price"`
		BillingCycle billing.Cycle   `db:"billing_cycle"`
		StartDate    time.Time       `db:"start_date"`
		EndDate      sql.NullTime    `db:"end_date"`
	}
	rows, err := p.db.Queryx(q, args...)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return decimal.Zero, err
		}
		end := to
		if r.EndDate.Valid && r.EndDate.Time.Before(to) {
			end = r.EndDate.Time
		}
		n := chargesBetween(r.StartDate, r.BillingCycle, from, end)
		total = total.Add(r.Price.Mul(decimal.NewFromInt(int64(n))))
	}
	return total, rows.Err()
}

func (p *PostgresRepo) ReminderByID(id uuid.UUID) (*model.Reminder, error) {
	var r model.Reminder
	q := `SELECT * FROM reminders WHERE id=$1`
	if err := p.db.Get(&r, q, id); err != nil {
		return nil, notFoundOr(err)
	}
	return &r, nil
}

func (p *PostgresRepo) RemindersBySubscription(subID uuid.UUID) ([]model.Reminder, error) {
	rows := []model.Reminder{}
	q := `SELECT * FROM reminders WHERE subscription_id=$1 ORDER BY reminder_date`
	if err := p.db.Select(&rows, q, subID); err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *PostgresRepo) LiveRenewalReminder(subID uuid.UUID) (*model.Reminder, error) {
	var r model.Reminder
	q := `SELECT * FROM reminders
	WHERE subscription_id=$1 AND reminder_type='RENEWAL' AND NOT is_notified
	ORDER BY reminder_date LIMIT 1`
	if err := p.db.Get(&r, q, subID); err != nil {
		return nil, notFoundOr(err)
	}
	return &r, nil
}

// DueReminders returns the unfired reminders of active subscriptions whose
// fire time has arrived. The dispatcher sweeps this on a schedule, so the
// reminder table itself is the source of truth for pending deliveries.
func (p *PostgresRepo) DueReminders(now time.Time) ([]model.Reminder, error) {
	rows := []model.Reminder{}
	q := `SELECT r.* FROM reminders r
	JOIN subscriptions s ON s.id = r.subscription_id
	WHERE NOT r.is_notified AND s.is_active AND r.reminder_date <= $1
	ORDER BY r.reminder_date`
	if err := p.db.Select(&rows, q, now); err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *PostgresRepo) UpdateReminder(r *model.Reminder) error {
	r.UpdatedAt = time.Now().UTC()
	q := `UPDATE reminders SET reminder_date=$1, is_notified=$2, updated_at=$3 WHERE id=$4`
	res, err := p.db.Exec(q, r.ReminderDate, r.IsNotified, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresRepo) PaymentsBySubscription(subID uuid.UUID) ([]model.Payment, error) {
	rows := []model.Payment{}
	q := `SELECT * FROM payment_history WHERE subscription_id=$1 ORDER BY paid_at DESC`
	if err := p.db.Select(&rows, q, subID); err != nil {
		return nil, err
	}
	return rows, nil
}

// AdvanceBilling applies one renewal in a single transaction: the
// subscription's new billing date, the fired reminder marked notified, the
// next cycle's reminder (nil when lead time is zero or the subscription
// ended) and the charge record. A crash mid-sequence can never leave the
// subscription advanced without its reminder rewritten.
func (p *PostgresRepo) AdvanceBilling(sub *model.Subscription, fired *model.Reminder, next *model.Reminder, charge *model.Payment) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sub.UpdatedAt = now
	if _, err := tx.Exec(`UPDATE subscriptions SET next_billing_date=$1, is_active=$2, updated_at=$3 WHERE id=$4`,
		sub.NextBillingDate, sub.IsActive, sub.UpdatedAt, sub.ID); err != nil {
		return err
	}
	if fired != nil {
		fired.UpdatedAt = now
		if _, err := tx.Exec(`UPDATE reminders SET is_notified=$1, updated_at=$2 WHERE id=$3`,
			fired.IsNotified, fired.UpdatedAt, fired.ID); err != nil {
			return err
		}
	}
	if next != nil {
		if err := insertReminderTx(tx, next, now); err != nil {
			return err
		}
	}
	if charge != nil {
		if charge.ID == uuid.Nil {
			charge.ID = uuid.New()
		}
		charge.CreatedAt = now
		if _, err := tx.Exec(`INSERT INTO payment_history (id, subscription_id, amount, currency, paid_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
			charge.ID, charge.SubscriptionID, charge.Amount, charge.Currency, charge.PaidAt, charge.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteSubscriptionCascade removes a subscription with its reminders and
// payment history in one transaction.
func (p *PostgresRepo) DeleteSubscriptionCascade(id uuid.UUID) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM payment_history WHERE subscription_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM reminders WHERE subscription_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM subscriptions WHERE id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// helpers

func insertReminderTx(tx *sqlx.Tx, r *model.Reminder, now time.Time) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.NotificationID == 0 {
		r.NotificationID = model.NotificationKey(r.ID)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	q := `INSERT INTO reminders (id, subscription_id, reminder_date, reminder_type, is_notified, notification_id, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := tx.Exec(q, r.ID, r.SubscriptionID, r.ReminderDate, r.ReminderType, r.IsNotified, r.NotificationID, r.CreatedAt, r.UpdatedAt)
	return err
}

func updateReminderTx(tx *sqlx.Tx, r *model.Reminder, now time.Time) error {
	r.UpdatedAt = now
	q := `UPDATE reminders SET reminder_date=$1, is_notified=$2, updated_at=$3 WHERE id=$4`
	res, err := tx.Exec(q, r.ReminderDate, r.IsNotified, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}

func notFoundOr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// chargesBetween counts the charge dates of a subscription started at
// start that land inside [from,to].
func chargesBetween(start time.Time, cycle billing.Cycle, from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	n := 0
	for t := start; !t.After(to); t = billing.Advance(t, cycle) {
		if !t.Before(from) {
			n++
		}
	}
	return n
}
