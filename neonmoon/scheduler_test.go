package neonmoon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDeliverer is a DeliverFunc capturing everything delivered to it.
type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []Reminder
	err       error
}

func (d *recordingDeliverer) deliver(ctx context.Context, r Reminder) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.delivered = append(d.delivered, r)
	return nil
}

func (d *recordingDeliverer) contents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.delivered))
	for _, r := range d.delivered {
		out = append(out, r.Content)
	}
	return out
}

func (d *recordingDeliverer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func newTestScheduler(t testing.TB) (
	*ReminderScheduler,
	*Store,
	*recordingDeliverer,
	clock.FakeClock,
) {
	t.Helper()
	store := newTestStore(t)
	deliverer := &recordingDeliverer{}
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	scheduler := NewReminderScheduler(
		&SchedulerConfig{PollInterval: time.Minute},
		store,
		deliverer.deliver,
		clk,
		testLogger(),
	)
	return scheduler, store, deliverer, clk
}

func TestScheduleResolvesLocalTime(t *testing.T) {
	scheduler, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	reminder, err := scheduler.Schedule(
		ctx,
		"user1",
		"chan1",
		"guild1",
		"stand-up",
		"2026-04-02 09:30",
		"America/Chicago",
	)
	require.NoError(t, err)
	require.NotZero(t, reminder.ID)

	// CDT is UTC-5
	expected := time.Date(2026, 4, 2, 14, 30, 0, 0, time.UTC)
	assert.True(
		t,
		reminder.RunAt.Equal(expected),
		"got %s, expected %s",
		reminder.RunAt,
		expected,
	)
	assert.False(t, reminder.Delivered)
}

func TestScheduleTimeOnlyToday(t *testing.T) {
	scheduler, _, _, _ := newTestScheduler(t)

	// now is 2026-04-01 12:00 UTC = 07:00 in Chicago
	reminder, err := scheduler.Schedule(
		context.Background(),
		"user1",
		"chan1",
		"",
		"lunch",
		"12:30",
		"America/Chicago",
	)
	require.NoError(t, err)
	expected := time.Date(2026, 4, 1, 17, 30, 0, 0, time.UTC)
	assert.True(t, reminder.RunAt.Equal(expected))
}

func TestScheduleValidation(t *testing.T) {
	scheduler, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	testCases := []struct {
		name string
		when string
		zone string
		err  error
	}{
		{
			name: "past date",
			when: "2026-03-31 09:00",
			zone: "America/Chicago",
			err:  ErrPastTime,
		},
		{
			name: "elapsed time-only",
			when: "06:00",
			zone: "America/Chicago",
			err:  ErrPastTime,
		},
		{
			name: "exactly now",
			when: "2026-04-01 07:00",
			zone: "America/Chicago",
			err:  ErrPastTime,
		},
		{
			name: "unparseable",
			when: "next tuesday",
			zone: "America/Chicago",
			err:  ErrInvalidTimeFormat,
		},
		{
			name: "unknown zone",
			when: "2026-04-02 09:00",
			zone: "Mars/Olympus_Mons",
			err:  ErrUnknownTimezone,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				_, err := scheduler.Schedule(
					ctx, "user1", "chan1", "", "x", tc.when, tc.zone,
				)
				assert.ErrorIs(t, err, tc.err)

				var validationErr *ValidationError
				assert.ErrorAs(t, err, &validationErr)
			},
		)
	}
}

func TestTickDeliversDueSet(t *testing.T) {
	scheduler, store, deliverer, clk := newTestScheduler(t)
	ctx := context.Background()
	now := clk.Now().UTC()

	for _, r := range []*Reminder{
		{UserID: "u1", ChannelID: "c1", Content: "due", RunAt: now.Add(-time.Minute)},
		{UserID: "u1", ChannelID: "c1", Content: "also due", RunAt: now},
		{UserID: "u1", ChannelID: "c1", Content: "not yet", RunAt: now.Add(time.Hour)},
	} {
		require.NoError(t, store.CreateReminder(ctx, r))
	}

	scheduler.tick(ctx, now)
	scheduler.deliveries.Wait()
	assert.ElementsMatch(t, []string{"due", "also due"}, deliverer.contents())

	// a second tick at the same instant has nothing left to deliver
	scheduler.tick(ctx, now)
	scheduler.deliveries.Wait()
	assert.Len(t, deliverer.contents(), 2)

	// advancing past the last fire instant picks it up
	clk.Add(2 * time.Hour)
	scheduler.tick(ctx, clk.Now().UTC())
	scheduler.deliveries.Wait()
	assert.ElementsMatch(
		t,
		[]string{"due", "also due", "not yet"},
		deliverer.contents(),
	)
}

func TestTickRetriesFailedDelivery(t *testing.T) {
	scheduler, store, deliverer, clk := newTestScheduler(t)
	ctx := context.Background()
	now := clk.Now().UTC()

	reminder := &Reminder{
		UserID: "u1", ChannelID: "c1", Content: "flaky",
		RunAt: now.Add(-time.Minute),
	}
	require.NoError(t, store.CreateReminder(ctx, reminder))

	deliverer.setErr(errors.New("discord is down"))
	scheduler.tick(ctx, now)
	scheduler.deliveries.Wait()
	assert.Empty(t, deliverer.contents())

	// the reminder stays pending and the next tick re-attempts it
	pending, err := store.PendingReminders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	deliverer.setErr(nil)
	scheduler.tick(ctx, now)
	scheduler.deliveries.Wait()
	assert.Equal(t, []string{"flaky"}, deliverer.contents())

	pending, err = store.PendingReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSchedulerStartStop(t *testing.T) {
	store := newTestStore(t)
	deliverer := &recordingDeliverer{}
	scheduler := NewReminderScheduler(
		&SchedulerConfig{PollInterval: 10 * time.Millisecond},
		store,
		deliverer.deliver,
		clock.New(),
		testLogger(),
	)
	ctx := context.Background()

	reminder := &Reminder{
		UserID: "u1", ChannelID: "c1", Content: "soon",
		RunAt: time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, store.CreateReminder(ctx, reminder))

	scheduler.Start(ctx)
	// idempotent
	scheduler.Start(ctx)

	require.Eventually(
		t,
		func() bool { return len(deliverer.contents()) == 1 },
		2*time.Second,
		5*time.Millisecond,
	)

	scheduler.Stop()
	scheduler.Stop()

	pending, err := store.PendingReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
