package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/subtrack/subtrackd/internal/model"
)

// Handler receives alarm deliveries. *reminder.Lifecycle satisfies it.
type Handler interface {
	OnReminderFired(subscriptionID, reminderID uuid.UUID) error
}

// Source loads the reminders whose fire time has passed. The store
// satisfies it.
type Source interface {
	DueReminders(now time.Time) ([]model.Reminder, error)
}

// CronDispatcher delivers reminders with a periodic cron sweep: each tick
// loads every due live reminder from the source and hands it to the
// handler. The persisted reminder row is the authoritative schedule, so a
// restart needs no re-arming and a past-due reminder is picked up by the
// next sweep at the latest; Schedule kicks an immediate sweep for past-due
// fire times so they are not delayed by a full tick. Cancel marks the
// reminder so an already-running sweep that loaded the row skips it; a
// cancelled alarm never fires.
type CronDispatcher struct {
	cron    *cron.Cron
	src     Source
	log     *logrus.Logger
	sweepMu sync.Mutex // serializes sweeps so a reminder can't fire twice

	mu        sync.Mutex
	handler   Handler
	cancelled map[uuid.UUID]struct{}
}

func NewCronDispatcher(src Source, log *logrus.Logger) *CronDispatcher {
	cronLog := cron.PrintfLogger(log)
	return &CronDispatcher{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLog))),
		src:       src,
		log:       log,
		cancelled: map[uuid.UUID]struct{}{},
	}
}

// SetHandler wires the firing target. Must be called before Start;
// separate from the constructor because the lifecycle manager and the
// dispatcher reference each other.
func (d *CronDispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Start registers the sweep under the given cron schedule (standard spec
// or a descriptor like "@every 1m") and runs one sweep immediately so
// reminders that came due while the service was down fire at startup.
func (d *CronDispatcher) Start(schedule string) error {
	if _, err := d.cron.AddFunc(schedule, d.Sweep); err != nil {
		return err
	}
	d.cron.Start()
	go d.Sweep()
	d.log.WithField("schedule", schedule).Info("reminder sweep started")
	return nil
}

// Stop halts the cron schedule and waits for a running sweep to finish.
func (d *CronDispatcher) Stop() {
	<-d.cron.Stop().Done()
	d.sweepMu.Lock()
	d.sweepMu.Unlock()
}

func (d *CronDispatcher) Schedule(subscriptionID, reminderID uuid.UUID, fireTime time.Time) error {
	d.mu.Lock()
	delete(d.cancelled, reminderID)
	d.mu.Unlock()
	d.log.WithFields(logrus.Fields{
		"subscription_id": subscriptionID,
		"reminder_id":     reminderID,
		"fire_time":       fireTime,
	}).Debug("reminder scheduled")
	if !fireTime.After(time.Now()) {
		go d.Sweep()
	}
	return nil
}

func (d *CronDispatcher) Cancel(reminderID uuid.UUID) {
	d.mu.Lock()
	d.cancelled[reminderID] = struct{}{}
	d.mu.Unlock()
}

// Notify is the delivery surface itself; with no push transport attached
// the notification is a structured log line.
func (d *CronDispatcher) Notify(subscriptionID, reminderID uuid.UUID) {
	d.log.WithFields(logrus.Fields{
		"subscription_id": subscriptionID,
		"reminder_id":     reminderID,
	}).Info("subscription renewal due")
}

// Sweep fires every due live reminder once. Also the cron job body.
func (d *CronDispatcher) Sweep() {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		return
	}

	due, err := d.src.DueReminders(time.Now())
	if err != nil {
		// no caller to surface to at the alarm boundary: log only
		d.log.Errorf("reminder sweep failed: %v", err)
		return
	}
	for _, r := range due {
		d.mu.Lock()
		_, skip := d.cancelled[r.ID]
		if skip {
			delete(d.cancelled, r.ID)
		}
		d.mu.Unlock()
		if skip {
			continue
		}
		if err := h.OnReminderFired(r.SubscriptionID, r.ID); err != nil {
			d.log.WithFields(logrus.Fields{
				"subscription_id": r.SubscriptionID,
				"reminder_id":     r.ID,
			}).Errorf("reminder firing failed: %v", err)
		}
	}
}
