// ABOUTME: Transport Supervisor: owns the single driver session and its reconnect loop
// ABOUTME: Publishes status and inbound batches as typed events on one channel

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// eventBufferSize bounds the supervisor's outbound event channel.
const eventBufferSize = 256

// Supervisor keeps one transport session alive. A transient disconnect is
// followed by a reconnect after a fixed backoff; a logout ends the loop until
// Connect is called again.
type Supervisor struct {
	driver  Driver
	backoff time.Duration
	logger  *slog.Logger
	events  chan Event
	now     func() time.Time

	mu      sync.Mutex
	status  Status
	base    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	gen     uint64 // incremented per connection attempt; stale sessions are ignored
	running bool
}

// NewSupervisor creates a supervisor for driver. Pass nil logger for default.
func NewSupervisor(driver Driver, backoff time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		driver:  driver,
		backoff: backoff,
		logger:  logger.With("component", "transport", "driver", driver.Name()),
		events:  make(chan Event, eventBufferSize),
		now:     time.Now,
		base:    context.Background(),
		status: Status{
			Driver: driver.Name(),
			State:  StateDisconnected,
		},
	}
}

// Events returns the channel the router consumes. It is never closed.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start binds the supervisor to ctx and connects. Sessions started later by
// Connect also end when ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.Connect()
}

// Connect starts the connection loop. Calling it while the loop is running
// is a no-op.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	if s.base.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.status.LastError = ""
	s.status.Reconnecting = false

	s.logger.Info("starting transport loop")
	go s.loop(ctx, s.done)
}

// Disconnect stops the loop, waits for the driver to return and forces the
// Disconnected state. It is safe to call when not connected.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		s.transition(func(st *Status) {
			st.State = StateDisconnected
			st.Connected = false
			st.PairingCode = ""
			st.Reconnecting = false
		})
		return
	}

	cancel()
	<-done
	s.logger.Info("transport disconnected by request")
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Send delivers text on the connected session. It fails fast with
// ErrNotConnected when there is no session and wraps driver failures in
// ErrSendFailed. Nothing is queued.
func (s *Supervisor) Send(ctx context.Context, address, text string) error {
	if s.Status().State != StateConnected {
		return ErrNotConnected
	}
	if err := s.driver.Send(ctx, address, text); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		s.gen++
		sess := &session{sup: s, gen: s.gen, ctx: ctx}
		s.mu.Unlock()

		err := s.driver.Run(ctx, sess)

		if ctx.Err() != nil {
			s.finish(func(st *Status) {
				st.State = StateDisconnected
				st.Connected = false
				st.PairingCode = ""
				st.Reconnecting = false
			})
			return
		}

		if errors.Is(err, ErrLoggedOut) {
			s.logger.Warn("transport logged out, not reconnecting", "error", err)
			s.finish(func(st *Status) {
				st.State = StateDisconnected
				st.Connected = false
				st.PairingCode = ""
				st.LastError = err.Error()
				st.Reconnecting = false
			})
			return
		}

		lastErr := "session ended"
		if err != nil {
			lastErr = err.Error()
		}
		s.logger.Warn("transport session lost, reconnecting", "error", lastErr, "backoff", s.backoff)
		s.transition(func(st *Status) {
			st.State = StateDisconnected
			st.Connected = false
			st.PairingCode = ""
			st.LastError = lastErr
			st.Reconnecting = true
		})

		timer := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.finish(func(st *Status) { st.Reconnecting = false })
			return
		case <-timer.C:
		}
	}
}

// transition applies fn to the status and publishes the new snapshot.
func (s *Supervisor) transition(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	snapshot := s.status
	s.mu.Unlock()

	select {
	case s.events <- Event{Kind: EventStatus, Status: snapshot}:
	default:
		// Observers can always read Status(); a full channel only loses a snapshot.
		s.logger.Warn("event channel full, dropping status event", "state", snapshot.State)
	}
}

// finish marks the loop stopped and publishes its final status in one step,
// so a Connect issued by an observer of that status starts a new loop.
func (s *Supervisor) finish(fn func(*Status)) {
	s.transition(func(st *Status) {
		s.running = false
		s.cancel = nil
		fn(st)
	})
}

// current reports whether gen is the live session.
func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gen == gen
}

// session is the Session implementation handed to the driver for one attempt.
type session struct {
	sup *Supervisor
	gen uint64
	ctx context.Context
}

func (ss *session) PairingCode(code string) {
	if !ss.sup.current(ss.gen) {
		return
	}
	ss.sup.logger.Info("awaiting pairing", "code", code)
	ss.sup.transition(func(st *Status) {
		st.State = StateAwaitingPairing
		st.Connected = false
		st.PairingCode = code
	})
}

func (ss *session) Connected(boundAddress string) {
	if !ss.sup.current(ss.gen) {
		return
	}
	now := ss.sup.now()
	ss.sup.logger.Info("transport connected", "bound_address", boundAddress)
	ss.sup.transition(func(st *Status) {
		st.State = StateConnected
		st.Connected = true
		st.PairingCode = ""
		st.BoundAddress = boundAddress
		st.LastConnectedAt = &now
		st.LastError = ""
		st.Reconnecting = false
	})
}

func (ss *session) Deliver(events []RawEvent) {
	if len(events) == 0 || !ss.sup.current(ss.gen) {
		return
	}
	batch := make([]RawEvent, len(events))
	copy(batch, events)

	// Inbound messages are never dropped; the driver waits for the router.
	select {
	case ss.sup.events <- Event{Kind: EventInbound, Inbound: batch}:
	case <-ss.ctx.Done():
		ss.sup.logger.Warn("session ended before inbound batch was accepted", "events", len(batch))
	}
}
