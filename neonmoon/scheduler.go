package neonmoon

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// DeliverFunc attempts to deliver one due reminder. A nil error confirms
// the send; any error leaves the reminder undelivered, to be retried on a
// later tick.
type DeliverFunc func(ctx context.Context, r Reminder) error

// ReminderScheduler is the process-wide reminder poller. At a fixed
// interval it queries the store for due reminders and dispatches each to
// the injected delivery callback, marking it delivered only after the
// callback confirms the send.
//
// Ticks do not guard against overlap: a slow delivery run may still be in
// flight when the next tick fires, in which case the due-query re-selects
// anything not yet marked delivered. That makes delivery at-least-once,
// never lost - a duplicate send on that race is an accepted risk. Retries
// of failed deliveries are unbounded.
type ReminderScheduler struct {
	store    *Store
	deliver  DeliverFunc
	clk      clock.Clock
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	loopDone   chan struct{}
	deliveries sync.WaitGroup
}

// NewReminderScheduler creates a scheduler. clk supplies the tick
// timestamps, letting tests drive synthetic `now` values. deliver must be
// safe for concurrent calls.
func NewReminderScheduler(
	config *SchedulerConfig,
	store *Store,
	deliver DeliverFunc,
	clk clock.Clock,
	logger *slog.Logger,
) *ReminderScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	var limiter *rate.Limiter
	if config.DeliveriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.DeliveriesPerSecond), 1)
	}
	return &ReminderScheduler{
		store:    store,
		deliver:  deliver,
		clk:      clk,
		interval: config.PollInterval,
		limiter:  limiter,
		logger:   logger.With(loggerNameKey, "scheduler"),
	}
}

// Schedule validates and persists a new reminder. whenLocal is parsed
// against the user's zone and must resolve to an instant strictly after
// now. The returned reminder carries the resolved UTC instant; callers
// echo it back in the user's zone for confirmation.
func (s *ReminderScheduler) Schedule(
	ctx context.Context,
	userID string,
	channelID string,
	guildID string,
	content string,
	whenLocal string,
	zoneName string,
) (*Reminder, error) {
	loc, err := loadZone(zoneName)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now().UTC()
	runAt, err := parseLocalTime(strings.TrimSpace(whenLocal), loc, now)
	if err != nil {
		return nil, err
	}
	if !runAt.After(now) {
		return nil, ErrPastTime
	}

	reminder := &Reminder{
		UserID:    userID,
		ChannelID: channelID,
		GuildID:   guildID,
		Content:   content,
		RunAt:     runAt,
	}
	if err := s.store.CreateReminder(ctx, reminder); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "scheduled reminder", "reminder", reminder)
	return reminder, nil
}

// Start launches the polling loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (s *ReminderScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopDone = make(chan struct{})

	go func() {
		defer close(s.loopDone)
		s.logger.Info("scheduler started", "poll_interval", s.interval)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.tick(ctx, s.clk.Now().UTC())
			}
		}
	}()
}

// Stop halts the polling loop and waits for in-flight deliveries.
func (s *ReminderScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	loopDone := s.loopDone
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-loopDone
	s.deliveries.Wait()
}

// tick queries reminders due at now and dispatches each delivery on its
// own goroutine, in ascending fire-instant order. A delivery failure is
// logged and the reminder left untouched for the next tick; it never
// blocks the remaining due reminders and never kills the loop.
func (s *ReminderScheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "due-reminder query failed", tint.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.logger.InfoContext(ctx, "delivering due reminders", "count", len(due), "now", now)

	for _, reminder := range due {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		s.deliveries.Add(1)
		go func(r Reminder) {
			defer s.deliveries.Done()
			if deliverErr := s.deliver(ctx, r); deliverErr != nil {
				s.logger.WarnContext(
					ctx,
					"reminder delivery failed, will retry next tick",
					"reminder", r,
					tint.Err(deliverErr),
				)
				return
			}
			rows, markErr := s.store.MarkDelivered(ctx, r.ID)
			if markErr != nil {
				s.logger.ErrorContext(
					ctx,
					"failed to mark reminder delivered",
					"reminder", r,
					tint.Err(markErr),
				)
				return
			}
			if rows == 0 {
				// lost the race with an overlapping tick: already marked
				s.logger.DebugContext(ctx, "reminder already delivered", "reminder", r)
				return
			}
			s.logger.InfoContext(ctx, "reminder delivered", "reminder", r)
		}(reminder)
	}
}
