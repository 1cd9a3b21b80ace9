package intake

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/puripat-lakornthai/line-bot-backend/internal/session"
)

// ExpiryScheduler owns one single-shot timer per LINE user and pushes
// a lapse notice when an in-progress session goes silent past its
// window. Timers are cancel-and-replace, never stacked, and the
// registry drops entries as soon as they are disarmed or fired.
type ExpiryScheduler struct {
	store  session.Store
	msg    Messenger
	window time.Duration
	lg     zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewExpiryScheduler builds a scheduler firing after window of silence.
func NewExpiryScheduler(store session.Store, msg Messenger, window time.Duration, lg zerolog.Logger) *ExpiryScheduler {
	if window <= 0 {
		window = session.Window
	}
	return &ExpiryScheduler{
		store:  store,
		msg:    msg,
		window: window,
		lg:     lg,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// Arm (re)starts the timer for a user, replacing any previous one.
func (s *ExpiryScheduler) Arm(lineUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[lineUserID]; ok {
		t.Stop()
	}
	s.timers[lineUserID] = time.AfterFunc(s.window, func() { s.fire(lineUserID) })
}

// Disarm stops and forgets the user's timer.
func (s *ExpiryScheduler) Disarm(lineUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[lineUserID]; ok {
		t.Stop()
		delete(s.timers, lineUserID)
	}
}

// Close stops every timer. Armed sessions will still expire on read.
func (s *ExpiryScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for uid, t := range s.timers {
		t.Stop()
		delete(s.timers, uid)
	}
}

// Armed reports whether a timer is currently registered for the user.
func (s *ExpiryScheduler) Armed(lineUserID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[lineUserID]
	return ok
}

func (s *ExpiryScheduler) fire(lineUserID string) {
	s.mu.Lock()
	delete(s.timers, lineUserID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Peek, not Get: the point is to observe the expired session.
	sess, err := s.store.Peek(ctx, lineUserID)
	if err != nil {
		s.lg.Error().Err(err).Str("line_user", lineUserID).Msg("expiry peek")
		return
	}
	if sess == nil {
		return
	}
	// The read path may have raced us and already handled the lapse,
	// or the user acted just in time. Only one notice per lapse.
	if !sess.Expired(s.now()) || sess.Data.ExpiredNotified {
		return
	}

	sess.Step = session.StepIdle
	sess.RetryCount = 0
	sess.Data.ExpiredNotified = true
	sess.Data.Warned = true
	sess.Touch(s.now())
	if err := s.store.Set(ctx, lineUserID, sess); err != nil {
		s.lg.Error().Err(err).Str("line_user", lineUserID).Msg("expiry reseed")
		return
	}
	if err := s.msg.Push(ctx, lineUserID, `เซสชันของคุณหมดอายุเนื่องจากไม่มีการตอบกลับ หากต้องการแจ้งปัญหาใหม่ พิมพ์ "แจ้งปัญหา"`); err != nil {
		// Delivery failures never block future arming.
		s.lg.Error().Err(err).Str("line_user", lineUserID).Msg("expiry push")
	}
}
