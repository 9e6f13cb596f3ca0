// Package unread keeps a user's unread message count current. The count is
// always recomputed from stored rows, never incremented, so it cannot drift.
package unread

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sudooom.portal.messaging/internal/metrics"
	"sudooom.portal.messaging/internal/model"
)

// DefaultPollInterval is the reconciliation period.
const DefaultPollInterval = 30 * time.Second

// Store is the message state the aggregator reads and writes.
type Store interface {
	CountUnread(ctx context.Context, userID int64) (int64, error)
	UnreadIDs(ctx context.Context, userID int64) ([]int64, error)
	MarkRead(ctx context.Context, messageIDs []int64, userID int64) ([]*model.Message, error)
}

// MarkAllRead marks every message currently unread for userID as read and
// returns the recomputed count. A message arriving while this runs may or
// may not be included.
func MarkAllRead(ctx context.Context, store Store, userID int64) (int64, error) {
	if err := markAll(ctx, store, userID); err != nil {
		return 0, err
	}
	return store.CountUnread(ctx, userID)
}

func markAll(ctx context.Context, store Store, userID int64) error {
	ids, err := store.UnreadIDs(ctx, userID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = store.MarkRead(ctx, ids, userID)
	return err
}

// Config tunes an Aggregator.
type Config struct {
	PollInterval time.Duration
	// PushRate and PushBurst throttle recomputes caused by realtime events.
	PushRate  rate.Limit
	PushBurst int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PushRate <= 0 {
		c.PushRate = rate.Every(200 * time.Millisecond)
	}
	if c.PushBurst <= 0 {
		c.PushBurst = 2
	}
	return c
}

// Aggregator maintains one user's unread count. It recomputes on realtime
// events, on every poll tick regardless of push activity, and synchronously
// after MarkAllRead.
type Aggregator struct {
	userID  int64
	store   Store
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger

	trigger chan struct{}

	// refreshMu serialises recomputes so a slow one can't overwrite a newer result.
	refreshMu   sync.Mutex
	mu          sync.RWMutex
	count       int64
	lastRefresh time.Time
	lastErr     error
	listeners   []func(count int64)

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewAggregator creates an aggregator for userID. Call Start to begin polling.
func NewAggregator(store Store, userID int64, config Config) *Aggregator {
	config = config.withDefaults()
	return &Aggregator{
		userID:  userID,
		store:   store,
		config:  config,
		limiter: rate.NewLimiter(config.PushRate, config.PushBurst),
		logger:  slog.Default().With("userId", userID),
		trigger: make(chan struct{}, 1),
	}
}

// Start computes the initial count and runs the refresh loop until ctx is
// cancelled or Stop is called.
func (a *Aggregator) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	if _, err := a.refresh(loopCtx, "start"); err != nil {
		a.logger.Warn("Initial unread count failed, poll will retry", "error", err)
	}

	a.wg.Add(1)
	go a.loop(loopCtx)
	a.logger.Debug("Unread aggregator started", "pollInterval", a.config.PollInterval)
}

// Stop ends the refresh loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.wg.Wait()
}

func (a *Aggregator) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	var deferred <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshLogged(ctx, "poll")
		case <-a.trigger:
			if deferred != nil {
				// a throttled recompute is already scheduled
				continue
			}
			if delay := a.limiter.Reserve().Delay(); delay > 0 {
				deferred = time.After(delay)
				continue
			}
			a.refreshLogged(ctx, "push")
		case <-deferred:
			deferred = nil
			a.refreshLogged(ctx, "push")
		}
	}
}

// HandleEvent reacts to a realtime event from one of the user's conversations.
func (a *Aggregator) HandleEvent(ev *model.Event) {
	if ev == nil || !ev.AffectsUnread() {
		return
	}
	a.Trigger()
}

// Trigger requests a recompute. Requests made while one is pending coalesce.
func (a *Aggregator) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Count returns the most recently computed unread count.
func (a *Aggregator) Count() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// LastRefresh returns when the count was last recomputed successfully, and
// the error of the latest attempt if it failed.
func (a *Aggregator) LastRefresh() (time.Time, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRefresh, a.lastErr
}

// Refresh recomputes the count now.
func (a *Aggregator) Refresh(ctx context.Context) (int64, error) {
	return a.refresh(ctx, "manual")
}

// MarkAllRead marks every currently unread message as read, then recomputes.
func (a *Aggregator) MarkAllRead(ctx context.Context) (int64, error) {
	if err := markAll(ctx, a.store, a.userID); err != nil {
		return a.Count(), err
	}
	return a.refresh(ctx, "mark_all_read")
}

// OnChange registers fn to run whenever the count changes. fn runs while
// recomputes are serialised and must not call back into the aggregator.
func (a *Aggregator) OnChange(fn func(count int64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *Aggregator) refreshLogged(ctx context.Context, trigger string) {
	if _, err := a.refresh(ctx, trigger); err != nil && ctx.Err() == nil {
		a.logger.Warn("Unread recompute failed", "trigger", trigger, "error", err)
	}
}

func (a *Aggregator) refresh(ctx context.Context, trigger string) (int64, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	metrics.UnreadRecomputes.WithLabelValues(trigger).Inc()
	n, err := a.store.CountUnread(ctx, a.userID)

	a.mu.Lock()
	if err != nil {
		a.lastErr = err
		current := a.count
		a.mu.Unlock()
		return current, err
	}
	changed := n != a.count
	a.count = n
	a.lastRefresh = time.Now()
	a.lastErr = nil
	listeners := append([]func(int64){}, a.listeners...)
	a.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(n)
		}
	}
	return n, nil
}
