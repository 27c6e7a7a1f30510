package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subtrack/subtrackd/internal/model"
)

type fakeSource struct {
	mu   sync.Mutex
	due  []model.Reminder
	err  error
	hits int
}

func (f *fakeSource) DueReminders(now time.Time) ([]model.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.Reminder, len(f.due))
	copy(out, f.due)
	return out, nil
}

func (f *fakeSource) loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

type recordingHandler struct {
	mu    sync.Mutex
	fired []uuid.UUID
	err   error
}

func (h *recordingHandler) OnReminderFired(subID, remID uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, remID)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func dueReminder(subID uuid.UUID) model.Reminder {
	return model.Reminder{
		ID:             uuid.New(),
		SubscriptionID: subID,
		ReminderDate:   time.Now().Add(-time.Hour),
		ReminderType:   model.ReminderRenewal,
	}
}

func TestSweepFiresEveryDueReminder(t *testing.T) {
	sub := uuid.New()
	src := &fakeSource{due: []model.Reminder{dueReminder(sub), dueReminder(sub)}}
	h := &recordingHandler{}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	d.Sweep()

	require.Equal(t, 2, h.count())
	assert.Equal(t, src.due[0].ID, h.fired[0])
	assert.Equal(t, src.due[1].ID, h.fired[1])
}

func TestSweepWithoutHandlerIsNoop(t *testing.T) {
	src := &fakeSource{due: []model.Reminder{dueReminder(uuid.New())}}
	d := NewCronDispatcher(src, quietLogger())

	d.Sweep()

	assert.Zero(t, src.loads())
}

func TestCancelSkipsLoadedReminder(t *testing.T) {
	sub := uuid.New()
	keep := dueReminder(sub)
	gone := dueReminder(sub)
	src := &fakeSource{due: []model.Reminder{keep, gone}}
	h := &recordingHandler{}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	d.Cancel(gone.ID)
	d.Sweep()

	require.Equal(t, 1, h.count())
	assert.Equal(t, keep.ID, h.fired[0])
}

func TestScheduleClearsEarlierCancel(t *testing.T) {
	rem := dueReminder(uuid.New())
	src := &fakeSource{due: []model.Reminder{rem}}
	h := &recordingHandler{}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	d.Cancel(rem.ID)
	require.NoError(t, d.Schedule(rem.SubscriptionID, rem.ID, time.Now().Add(time.Hour)))
	d.Sweep()

	assert.Equal(t, 1, h.count())
}

func TestSchedulePastDueSweepsImmediately(t *testing.T) {
	rem := dueReminder(uuid.New())
	src := &fakeSource{due: []model.Reminder{rem}}
	h := &recordingHandler{}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	require.NoError(t, d.Schedule(rem.SubscriptionID, rem.ID, time.Now().Add(-time.Minute)))

	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleFutureWaitsForTick(t *testing.T) {
	src := &fakeSource{}
	h := &recordingHandler{}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	require.NoError(t, d.Schedule(uuid.New(), uuid.New(), time.Now().Add(time.Hour)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, src.loads())
}

func TestSweepSourceErrorReachesNoHandler(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	h := &recordingHandler{}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	d.Sweep()

	assert.Zero(t, h.count())
}

func TestSweepContinuesPastHandlerError(t *testing.T) {
	sub := uuid.New()
	src := &fakeSource{due: []model.Reminder{dueReminder(sub), dueReminder(sub)}}
	h := &recordingHandler{err: errors.New("advance failed")}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	d.Sweep()

	assert.Equal(t, 2, h.count())
}

func TestStartRunsInitialSweepAndStops(t *testing.T) {
	rem := dueReminder(uuid.New())
	src := &fakeSource{due: []model.Reminder{rem}}
	h := &recordingHandler{}

	d := NewCronDispatcher(src, quietLogger())
	d.SetHandler(h)
	require.NoError(t, d.Start("@every 1h"))
	defer d.Stop()

	// the startup sweep delivers without waiting for the first tick
	require.Eventually(t, func() bool { return h.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	d := NewCronDispatcher(&fakeSource{}, quietLogger())
	d.SetHandler(&recordingHandler{})

	assert.Error(t, d.Start("not a schedule"))
}
