package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/metrics"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("welcome session not found")
	// ErrSessionBusy is returned when a retry is requested while a run is still in flight.
	ErrSessionBusy = errors.New("welcome session still verifying")
)

// ActivatedTopic is the event published when a membership is confirmed.
const ActivatedTopic = "membership.activated"

// MembershipCache is warmed with the confirmed record so the first article
// render after the redirect sees the new status.
type MembershipCache interface {
	Put(ctx context.Context, record edge.MembershipRecord) error
}

// SignInSender emails a sign-in link to a confirmed member. The reader
// proves ownership of the address by redeeming it; a welcome session never
// hands out credentials itself.
type SignInSender interface {
	SendSignInLink(ctx context.Context, email string) error
}

// ActivationEvent is the payload published on ActivatedTopic.
type ActivationEvent struct {
	SessionID   string                `json:"session_id"`
	Email       string                `json:"email"`
	Status      edge.MembershipStatus `json:"status"`
	Attempts    int                   `json:"attempts"`
	ActivatedAt time.Time             `json:"activated_at"`
}

// Snapshot is the externally visible state of a welcome session.
type Snapshot struct {
	ID              string  `json:"session_id"`
	Attempt         Attempt `json:"attempt"`
	FirstName       string  `json:"first_name,omitempty"`
	SignInLinkSent  bool    `json:"sign_in_link_sent"`
	RedirectTo      string  `json:"redirect_to,omitempty"`
	RedirectAfterMS int64   `json:"redirect_after_ms,omitempty"`
}

// RegistryConfig tunes session lifetime and the post-success redirect hint.
type RegistryConfig struct {
	TTL           time.Duration
	RedirectTo    string
	RedirectAfter time.Duration
	Topic         string
}

// Hooks are the side effects run once a session succeeds. Each is optional.
type Hooks struct {
	Publisher edge.Publisher
	Cache     MembershipCache
	SignIn    SignInSender
}

type session struct {
	snap    Snapshot
	cancel  context.CancelFunc
	running bool
	expires time.Time
}

// Registry owns the in-flight welcome sessions. Each session runs at most one
// reconciliation at a time. Sessions live in memory only and are dropped
// after their TTL.
type Registry struct {
	rec    *Reconciler
	ids    edge.IDGenerator
	clock  edge.Clock
	hooks  Hooks
	cfg    RegistryConfig
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
	base     context.Context
	stop     context.CancelFunc
}

// NewRegistry constructs a Registry.
func NewRegistry(
	rec *Reconciler,
	ids edge.IDGenerator,
	clock edge.Clock,
	hooks Hooks,
	cfg RegistryConfig,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RedirectTo == "" {
		cfg.RedirectTo = "/"
	}
	if cfg.RedirectAfter <= 0 {
		cfg.RedirectAfter = 3 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = ActivatedTopic
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		rec:      rec,
		ids:      ids,
		clock:    clock,
		hooks:    hooks,
		cfg:      cfg,
		logger:   logger.Named("welcome"),
		sessions: make(map[string]*session),
		base:     base,
		stop:     stop,
	}
}

// Start registers a new session for email and begins reconciling it in the
// background. Invalid emails still produce a session, already Failed.
func (r *Registry) Start(email string) (Snapshot, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return Snapshot{}, fmt.Errorf("session id: %w", err)
	}
	s := &session{
		snap: Snapshot{
			ID: id,
			Attempt: Attempt{
				Email:       strings.TrimSpace(email),
				Status:      StatusPending,
				MaxAttempts: r.rec.cfg.MaxAttempts,
				Message:     MsgPending,
			},
		},
		expires: r.clock.Now().Add(r.cfg.TTL),
	}

	r.mu.Lock()
	r.sessions[id] = s
	snap := r.launchLocked(s, email)
	r.mu.Unlock()
	return snap, nil
}

// Get returns the current snapshot of a session.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snap, nil
}

// Retry restarts a terminal session with a fresh attempt budget.
func (r *Registry) Retry(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if s.running {
		return Snapshot{}, ErrSessionBusy
	}
	s.snap.Attempt = Attempt{
		Email:       s.snap.Attempt.Email,
		Status:      StatusPending,
		MaxAttempts: r.rec.cfg.MaxAttempts,
		Message:     MsgPending,
	}
	s.snap.SignInLinkSent = false
	s.snap.FirstName = ""
	s.snap.RedirectTo = ""
	s.snap.RedirectAfterMS = 0
	s.expires = r.clock.Now().Add(r.cfg.TTL)
	return r.launchLocked(s, s.snap.Attempt.Email), nil
}

// Cancel stops a session's run and forgets it.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep cancels and removes every session whose TTL has passed. It returns
// the number of sessions removed.
func (r *Registry) Sweep() int {
	now := r.clock.Now()
	var expired []*session
	r.mu.Lock()
	for id, s := range r.sessions {
		if !now.Before(s.expires) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, s := range expired {
		if s.cancel != nil {
			s.cancel()
		}
	}
	return len(expired)
}

// Run sweeps expired sessions every interval until ctx is done, then stops
// every in-flight run and waits for them.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("expired welcome sessions", zap.Int("count", n))
			}
		}
	}
}

// Close cancels every run and waits for the goroutines to exit.
func (r *Registry) Close() {
	r.stop()
	r.wg.Wait()
}

func (r *Registry) launchLocked(s *session, email string) Snapshot {
	ctx, cancel := context.WithCancel(r.base)
	s.cancel = cancel
	s.running = true
	id := s.snap.ID

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		final, err := r.rec.Reconcile(ctx, email, func(a Attempt) {
			if a.Status.Terminal() {
				return
			}
			r.update(id, s, func(snap *Snapshot) { snap.Attempt = a })
		})
		if err != nil {
			r.update(id, s, func(snap *Snapshot) {
				snap.Attempt = final
			})
			r.finish(id, s)
			return
		}

		var linkSent bool
		if final.Status == StatusSucceeded {
			linkSent = r.activate(ctx, id, final)
		}
		metrics.ObserveReconcileSession(string(final.Status))
		r.update(id, s, func(snap *Snapshot) {
			snap.Attempt = final
			if final.Status == StatusSucceeded {
				snap.SignInLinkSent = linkSent
				snap.RedirectTo = r.cfg.RedirectTo
				snap.RedirectAfterMS = r.cfg.RedirectAfter.Milliseconds()
				if final.Record != nil {
					snap.FirstName = FirstName(final.Record.Name)
				}
			}
		})
		r.finish(id, s)
	}()
	return s.snap
}

// update mutates s only while it is still the registered session for id, so
// a cancelled run cannot resurrect state.
func (r *Registry) update(id string, s *session, fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		fn(&s.snap)
	}
}

func (r *Registry) finish(id string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		s.running = false
	}
}

// activate runs the success side effects and reports whether a sign-in link
// went out.
func (r *Registry) activate(ctx context.Context, id string, final Attempt) bool {
	if final.Record == nil {
		return false
	}
	record := *final.Record
	logger := r.logger.With(zap.String("session_id", id), zap.String("email", final.Email))

	if r.hooks.Cache != nil {
		if err := r.hooks.Cache.Put(ctx, record); err != nil {
			logger.Warn("warm membership cache failed", zap.Error(err))
		}
	}
	if r.hooks.Publisher != nil {
		event := ActivationEvent{
			SessionID:   id,
			Email:       final.Email,
			Status:      record.Status,
			Attempts:    final.AttemptCount,
			ActivatedAt: r.clock.Now(),
		}
		if msgID, err := r.hooks.Publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
			logger.Warn("publish activation failed", zap.Error(err))
		} else {
			logger.Info("membership activated", zap.String("message_id", msgID), zap.Int("attempts", final.AttemptCount))
		}
	}
	if r.hooks.SignIn == nil {
		return false
	}
	if err := r.hooks.SignIn.SendSignInLink(ctx, record.Email); err != nil {
		logger.Warn("send sign-in link failed", zap.Error(err))
		return false
	}
	return true
}

// FirstName returns the first word of a display name for the greeting.
func FirstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
