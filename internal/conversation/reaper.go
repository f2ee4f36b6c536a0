// ABOUTME: Inactivity Reaper keeps one timer per active conversation plus a cron safety sweep
// ABOUTME: Timers are generation-guarded so a reset never lets a stale timer fire

package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type reaperTimer struct {
	timer    *time.Timer
	gen      uint64
	address  string
	deadline time.Time
}

// ExpireFunc is called when a conversation's inactivity deadline passes.
// It runs on the timer goroutine and must not block.
type ExpireFunc func(conversationID, address string)

// Reaper schedules inactivity deadlines for active conversations.
type Reaper struct {
	mu       sync.Mutex
	window   time.Duration
	timers   map[string]*reaperTimer
	gen      uint64
	stopped  bool
	onExpire ExpireFunc
	sweeper  *cron.Cron
	now      func() time.Time
	logger   *slog.Logger
}

// NewReaper creates a reaper that calls onExpire once a conversation has
// been idle for window. Pass nil logger for default.
func NewReaper(window time.Duration, onExpire ExpireFunc, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		window:   window,
		timers:   make(map[string]*reaperTimer),
		onExpire: onExpire,
		now:      time.Now,
		logger:   logger.With("component", "reaper"),
	}
}

// Window returns the inactivity window.
func (r *Reaper) Window() time.Duration {
	return r.window
}

// Reset cancels any pending timer for conversationID and schedules a new
// one for lastActivity + window. A deadline already in the past fires
// immediately.
func (r *Reaper) Reset(conversationID, address string, lastActivity time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if t, ok := r.timers[conversationID]; ok {
		t.timer.Stop()
	}

	r.gen++
	gen := r.gen
	deadline := lastActivity.Add(r.window)
	delay := deadline.Sub(r.now())
	if delay < 0 {
		delay = 0
	}

	r.timers[conversationID] = &reaperTimer{
		timer:    time.AfterFunc(delay, func() { r.fire(conversationID, gen) }),
		gen:      gen,
		address:  address,
		deadline: deadline,
	}
}

// Cancel drops the pending timer for conversationID, if any.
func (r *Reaper) Cancel(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[conversationID]; ok {
		t.timer.Stop()
		delete(r.timers, conversationID)
	}
}

// Deadline returns the scheduled deadline for conversationID.
func (r *Reaper) Deadline(conversationID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[conversationID]
	if !ok {
		return time.Time{}, false
	}
	return t.deadline, true
}

// Len returns the number of pending timers.
func (r *Reaper) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// StartSweep runs sweep on the cron schedule spec (for example "@every 5m")
// until Stop. An empty spec disables the sweep.
func (r *Reaper) StartSweep(spec string, sweep func()) error {
	if spec == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, sweep); err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	r.sweeper = c
	r.mu.Unlock()

	c.Start()
	r.logger.Debug("inactivity sweep scheduled", "schedule", spec)
	return nil
}

// Stop cancels every timer and the sweep. Reset is a no-op afterwards.
func (r *Reaper) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id, t := range r.timers {
		t.timer.Stop()
		delete(r.timers, id)
	}
	sweeper := r.sweeper
	r.sweeper = nil
	r.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
}

func (r *Reaper) fire(conversationID string, gen uint64) {
	r.mu.Lock()
	t, ok := r.timers[conversationID]
	if !ok || t.gen != gen || r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.timers, conversationID)
	address := t.address
	r.mu.Unlock()

	r.logger.Debug("inactivity deadline reached", "conversation_id", conversationID)
	r.onExpire(conversationID, address)
}
