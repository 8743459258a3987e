// Package ban executes the instant-ban side effect: notify the user, wait out
// a grace period, then sign the user out and redirect them.
package ban

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultLogoutGrace  = 10 * time.Second
	DefaultRedirectPath = "/ban"
	DefaultReason       = "child-sexual-image"

	// NoticeType is the Notice.Type of a ban notice.
	NoticeType = "instant_ban"

	stepTimeout = 10 * time.Second
)

// Subject identifies the account being banned.
type Subject struct {
	UserID    string
	SessionID string
}

func (s Subject) key() string {
	if s.UserID != "" {
		return s.UserID
	}
	return "session:" + s.SessionID
}

// Notice is broadcast to the user's listeners as soon as a ban fires.
type Notice struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	LogoutInMs int64  `json:"logoutInMs"`
}

// Notifier delivers a ban notice to whatever UI the user has open.
type Notifier interface {
	NotifyBan(userID string, n Notice) error
}

// SessionProvider destroys the user's authenticated sessions.
type SessionProvider interface {
	SignOut(ctx context.Context, userID string) error
}

// Navigator redirects the user's open clients to a path.
type Navigator interface {
	Navigate(userID, path string) error
}

// Recorder persists the ban.
type Recorder interface {
	RecordBan(ctx context.Context, userID, reason string) error
}

// Timer is a scheduled task handle.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// State is the progress of a fired ban.
type State int32

const (
	StateDetected State = iota
	StateNotified
	StateSignedOut
	StateRedirected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateNotified:
		return "notified"
	case StateSignedOut:
		return "signed_out"
	case StateRedirected:
		return "redirected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Pending is the handle of a fired ban.
type Pending struct {
	Subject Subject
	Reason  string
	FiredAt time.Time

	state atomic.Int32
	once  sync.Once
	done  chan struct{}

	mu    sync.Mutex
	timer Timer
}

func (p *Pending) setTimer(t Timer) {
	p.mu.Lock()
	p.timer = t
	p.mu.Unlock()
}

// stopTimer reports whether the scheduled task was prevented from running.
func (p *Pending) stopTimer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil && p.timer.Stop()
}

// State returns the current progress of the ban.
func (p *Pending) State() State {
	return State(p.state.Load())
}

// Done is closed once the ban has redirected or was stopped.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

func (p *Pending) finish(s State) {
	p.state.Store(int32(s))
	close(p.done)
}

// Config is the ban policy.
type Config struct {
	LogoutGrace  time.Duration
	RedirectPath string
}

// Deps holds the collaborators of a Trigger. Only Sessions is required for a
// ban to have any effect; every other collaborator is optional.
type Deps struct {
	Sessions  SessionProvider
	Navigator Navigator
	Notifier  Notifier
	Recorder  Recorder
	Scheduler Scheduler
	Logger    *zap.Logger
}

// Trigger fires instant bans. Firing is idempotent per subject: a second Fire
// for a subject returns the first handle, so sign-out and redirect run once.
type Trigger struct {
	cfg       Config
	sessions  SessionProvider
	navigator Navigator
	notifier  Notifier
	recorder  Recorder
	scheduler Scheduler
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	fired map[string]*Pending
}

// NewTrigger creates a ban trigger.
func NewTrigger(cfg Config, deps Deps) *Trigger {
	if cfg.LogoutGrace <= 0 {
		cfg.LogoutGrace = DefaultLogoutGrace
	}
	if cfg.RedirectPath == "" {
		cfg.RedirectPath = DefaultRedirectPath
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = wallClock{}
	}
	return &Trigger{
		cfg:       cfg,
		sessions:  deps.Sessions,
		navigator: deps.Navigator,
		notifier:  deps.Notifier,
		recorder:  deps.Recorder,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
		fired:     make(map[string]*Pending),
	}
}

// Fire starts the ban flow for a subject and returns immediately. It never
// panics and never fails; every step is best-effort and logged. While a ban
// for the subject is waiting out its grace period, Fire returns that ban;
// once it has run, a new Fire starts a new ban.
func (t *Trigger) Fire(subject Subject, reason string) *Pending {
	if reason == "" {
		reason = DefaultReason
	}

	t.mu.Lock()
	if p, ok := t.fired[subject.key()]; ok {
		t.mu.Unlock()
		t.logger.Info("ban already fired",
			zap.String("user_id", subject.UserID),
			zap.String("state", p.State().String()),
		)
		return p
	}
	p := &Pending{
		Subject: subject,
		Reason:  reason,
		FiredAt: t.now(),
		done:    make(chan struct{}),
	}
	t.fired[subject.key()] = p
	t.mu.Unlock()

	t.logger.Error("instant ban fired",
		zap.String("user_id", subject.UserID),
		zap.String("session_id", subject.SessionID),
		zap.String("reason", reason),
		zap.Duration("logout_grace", t.cfg.LogoutGrace),
	)

	t.step("record", subject, func(ctx context.Context) error {
		if t.recorder == nil {
			return nil
		}
		return t.recorder.RecordBan(ctx, subject.UserID, reason)
	})

	t.step("notify", subject, func(context.Context) error {
		if t.notifier == nil {
			return nil
		}
		return t.notifier.NotifyBan(subject.UserID, Notice{
			Type:       NoticeType,
			Reason:     reason,
			LogoutInMs: t.cfg.LogoutGrace.Milliseconds(),
		})
	})
	p.state.Store(int32(StateNotified))

	p.setTimer(t.scheduler.AfterFunc(t.cfg.LogoutGrace, func() { t.execute(p) }))
	return p
}

// Lookup returns the handle of a ban still inside its grace period, if any.
func (t *Trigger) Lookup(subject Subject) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.fired[subject.key()]
	return p, ok
}

// Stop cancels a ban whose grace period has not elapsed. It reports whether
// the sign-out was prevented. A stopped subject can be fired again.
func (t *Trigger) Stop(p *Pending) bool {
	if p == nil || !p.stopTimer() {
		return false
	}
	stopped := false
	p.once.Do(func() {
		stopped = true
		p.finish(StateStopped)
	})
	if stopped {
		t.forget(p)
	}
	return stopped
}

// forget drops p from the in-flight set so the subject can be banned again.
func (t *Trigger) forget(p *Pending) {
	t.mu.Lock()
	if t.fired[p.Subject.key()] == p {
		delete(t.fired, p.Subject.key())
	}
	t.mu.Unlock()
}

// Flush runs every ban still inside its grace period right away. Used on
// shutdown so no scheduled sign-out is lost.
func (t *Trigger) Flush() {
	t.mu.Lock()
	var waiting []*Pending
	for _, p := range t.fired {
		if p.State() == StateNotified {
			waiting = append(waiting, p)
		}
	}
	t.mu.Unlock()

	for _, p := range waiting {
		p.stopTimer()
		t.execute(p)
	}
}

// execute signs the subject out, then redirects. Each step runs even if the
// other failed.
func (t *Trigger) execute(p *Pending) {
	p.once.Do(func() {
		t.step("sign_out", p.Subject, func(ctx context.Context) error {
			if t.sessions == nil {
				return nil
			}
			return t.sessions.SignOut(ctx, p.Subject.UserID)
		})
		p.state.Store(int32(StateSignedOut))

		t.step("redirect", p.Subject, func(context.Context) error {
			if t.navigator == nil {
				return nil
			}
			return t.navigator.Navigate(p.Subject.UserID, t.cfg.RedirectPath)
		})
		p.finish(StateRedirected)
		t.forget(p)

		t.logger.Info("instant ban completed",
			zap.String("user_id", p.Subject.UserID),
			zap.String("redirect", t.cfg.RedirectPath),
		)
	})
}

func (t *Trigger) step(name string, subject Subject, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("ban step panicked",
				zap.String("step", name),
				zap.String("user_id", subject.UserID),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		t.logger.Warn("ban step failed",
			zap.String("step", name),
			zap.String("user_id", subject.UserID),
			zap.Error(err),
		)
	}
}
