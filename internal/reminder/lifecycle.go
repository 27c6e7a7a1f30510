package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/subtrack/subtrackd/internal/billing"
	"github.com/subtrack/subtrackd/internal/model"
	"github.com/subtrack/subtrackd/internal/store"
)

// Store is the slice of the repository the lifecycle manager needs.
// *store.PostgresRepo satisfies it.
type Store interface {
	CreateSubscriptionWithReminder(sub *model.Subscription, rem *model.Reminder) error
	UpdateSubscriptionWithReminder(sub *model.Subscription, upsert *model.Reminder, deleteReminderID *uuid.UUID) error
	SubscriptionByID(id uuid.UUID) (*model.Subscription, error)
	ReminderByID(id uuid.UUID) (*model.Reminder, error)
	RemindersBySubscription(subID uuid.UUID) ([]model.Reminder, error)
	LiveRenewalReminder(subID uuid.UUID) (*model.Reminder, error)
	UpdateReminder(r *model.Reminder) error
	AdvanceBilling(sub *model.Subscription, fired *model.Reminder, next *model.Reminder, charge *model.Payment) error
	DeleteSubscriptionCascade(id uuid.UUID) error
}

// Dispatcher is the boundary that arms and delivers alarms. The manager
// treats scheduling as best-effort: a Schedule error is logged, never
// propagated, since the persisted reminder row is picked up by the
// dispatcher's next sweep anyway. A cancelled alarm never fires.
type Dispatcher interface {
	Schedule(subscriptionID, reminderID uuid.UUID, fireTime time.Time) error
	Cancel(reminderID uuid.UUID)
	Notify(subscriptionID, reminderID uuid.UUID)
}

// Lifecycle ties each active subscription to zero-or-one live renewal
// reminder and keeps the dispatcher in sync with the store across
// subscription create, edit, delete and reminder firings.
type Lifecycle struct {
	store Store
	disp  Dispatcher
	log   *logrus.Logger
	now   func() time.Time
}

func NewLifecycle(s Store, d Dispatcher, log *logrus.Logger) *Lifecycle {
	return &Lifecycle{store: s, disp: d, log: log, now: time.Now}
}

// OnSubscriptionCreated persists the subscription together with its
// renewal reminder in one transaction. Inactive subscriptions and zero
// lead times get no reminder.
func (l *Lifecycle) OnSubscriptionCreated(sub *model.Subscription) error {
	var r *model.Reminder
	if sub.IsActive && sub.ReminderDays > 0 {
		r = &model.Reminder{
			SubscriptionID: sub.ID,
			ReminderDate:   FireTime(sub.NextBillingDate, sub.ReminderDays),
			ReminderType:   model.ReminderRenewal,
		}
	}
	if err := l.store.CreateSubscriptionWithReminder(sub, r); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	if r != nil {
		l.schedule(sub.ID, r)
	}
	return nil
}

// OnSubscriptionUpdated persists the edited subscription and its
// recomputed renewal reminder in one transaction, so a failure can never
// leave the new billing date saved with a stale reminder. The existing
// reminder row is rewritten in place, never duplicated, and its alarm is
// cancelled before the new one is armed so a stale duplicate can't fire.
func (l *Lifecycle) OnSubscriptionUpdated(old, updated *model.Subscription) error {
	existing, err := l.store.LiveRenewalReminder(updated.ID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load reminder: %w", err)
	}

	if !updated.IsActive || updated.ReminderDays <= 0 {
		if existing == nil {
			if err := l.store.UpdateSubscriptionWithReminder(updated, nil, nil); err != nil {
				return fmt.Errorf("update subscription: %w", err)
			}
			return nil
		}
		l.disp.Cancel(existing.ID)
		if err := l.store.UpdateSubscriptionWithReminder(updated, nil, &existing.ID); err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		return nil
	}

	r := &model.Reminder{
		SubscriptionID: updated.ID,
		ReminderDate:   FireTime(updated.NextBillingDate, updated.ReminderDays),
		ReminderType:   model.ReminderRenewal,
	}
	if existing != nil {
		r.ID = existing.ID
		r.IsNotified = existing.IsNotified
		r.NotificationID = existing.NotificationID
		l.disp.Cancel(existing.ID)
	}
	if err := l.store.UpdateSubscriptionWithReminder(updated, r, nil); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	l.schedule(updated.ID, r)
	return nil
}

// OnSubscriptionDeleted cancels every alarm for the subscription and
// removes it with its reminders and payment history in one transaction.
func (l *Lifecycle) OnSubscriptionDeleted(sub *model.Subscription) error {
	reminders, err := l.store.RemindersBySubscription(sub.ID)
	if err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	for _, r := range reminders {
		l.disp.Cancel(r.ID)
	}
	if err := l.store.DeleteSubscriptionCascade(sub.ID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// OnReminderFired is the alarm-delivery entry point. The subscription or
// reminder may have been deleted after the alarm was armed; that is a
// silent no-op. For a live active subscription it shows the notification,
// records the charge, advances the billing date past now (catching up
// through any cycles missed while the service was down, without replaying
// a backlog of notifications) and arms the next cycle's reminder, all
// persisted in one transaction.
func (l *Lifecycle) OnReminderFired(subscriptionID, reminderID uuid.UUID) error {
	rem, err := l.store.ReminderByID(reminderID)
	if err == store.ErrNotFound {
		l.log.WithField("reminder_id", reminderID).Debug("fired reminder no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reminder: %w", err)
	}
	if rem.IsNotified {
		return nil
	}
	sub, err := l.store.SubscriptionByID(subscriptionID)
	if err == store.ErrNotFound {
		l.log.WithField("subscription_id", subscriptionID).Debug("fired reminder's subscription no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	l.disp.Notify(subscriptionID, reminderID)
	rem.IsNotified = true

	if !sub.IsActive {
		if err := l.store.UpdateReminder(rem); err != nil {
			return fmt.Errorf("mark reminder notified: %w", err)
		}
		return nil
	}

	now := l.now()
	charge := &model.Payment{
		SubscriptionID: sub.ID,
		Amount:         sub.Price,
		Currency:       sub.Currency,
		PaidAt:         sub.NextBillingDate,
	}
	sub.NextBillingDate = billing.AdvancePast(sub.NextBillingDate, sub.BillingCycle, now)
	if sub.EndDate != nil && sub.NextBillingDate.After(*sub.EndDate) {
		// subscription ran out; no further cycles, no further reminders
		sub.IsActive = false
	}

	var next *model.Reminder
	if sub.IsActive && sub.ReminderDays > 0 {
		next = &model.Reminder{
			SubscriptionID: sub.ID,
			ReminderDate:   FireTime(sub.NextBillingDate, sub.ReminderDays),
			ReminderType:   model.ReminderRenewal,
		}
	}
	if err := l.store.AdvanceBilling(sub, rem, next, charge); err != nil {
		return fmt.Errorf("advance billing: %w", err)
	}
	if next != nil {
		l.schedule(sub.ID, next)
	}
	return nil
}

func (l *Lifecycle) schedule(subID uuid.UUID, r *model.Reminder) {
	if err := l.disp.Schedule(subID, r.ID, r.ReminderDate); err != nil {
		// best effort: the row is persisted, the next sweep picks it up
		l.log.WithFields(logrus.Fields{
			"subscription_id": subID,
			"reminder_id":     r.ID,
		}).Warnf("failed to schedule reminder: %v", err)
	}
}
