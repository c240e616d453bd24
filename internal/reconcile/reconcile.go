// Package reconcile waits for a just-paid subscription to appear in the CMS.
// The payment collaborator updates membership asynchronously, so the reader
// lands on the welcome flow before the CMS knows about them; the Reconciler
// polls a MembershipVerifier on a fixed cadence until the membership is
// confirmed or the attempt budget runs out.
package reconcile

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/access"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/metrics"
)

// Status is the state of one reconciliation.
type Status string

// Status values. Everything except StatusPending is terminal.
const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further verification will happen.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Reader-facing messages.
const (
	MsgPending         = "Setting up your account..."
	MsgSucceeded       = "Your subscription is active. Check your email for a sign-in link."
	MsgMissingEmail    = "No email provided"
	MsgInvalidEmail    = "This link appears to be invalid. Please try subscribing again."
	MsgStillProcessing = "Payment is still processing. Please check your email for confirmation."
	MsgNotFound        = "We couldn't find your subscription. Please check your email or contact support."
	MsgFailed          = "Something went wrong. Please try logging in manually."
)

// Defaults used when Config leaves a field unset.
const (
	DefaultMaxAttempts = 10
	DefaultDelay       = 3 * time.Second
)

// Attempt is the observable state of one reconciliation run.
type Attempt struct {
	Email        string                 `json:"email"`
	Status       Status                 `json:"status"`
	AttemptCount int                    `json:"attempt_count"`
	MaxAttempts  int                    `json:"max_attempts"`
	Message      string                 `json:"message"`
	Record       *edge.MembershipRecord `json:"-"`
	LastError    string                 `json:"-"`
	StartedAt    time.Time              `json:"started_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Config tunes the polling cadence.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
}

// Reconciler runs the polling loop. It holds no per-run state, so one
// Reconciler may serve any number of concurrent runs.
type Reconciler struct {
	verifier edge.MembershipVerifier
	clock    edge.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Reconciler.
func New(verifier edge.MembershipVerifier, clock edge.Clock, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	return &Reconciler{
		verifier: verifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("reconcile"),
	}
}

// Config returns the effective configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

type result int

const (
	resultPaid result = iota
	resultUnpaid
	resultNotFound
	resultError
)

func (res result) String() string {
	switch res {
	case resultPaid:
		return "paid"
	case resultUnpaid:
		return "unpaid"
	case resultNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// Reconcile polls until the membership for email is paying or the budget of
// MaxAttempts verifier calls is spent. observe, when non-nil, receives every
// state change including the terminal one. On cancellation Reconcile stops
// its timer and returns the last state with the context error; a cancelled
// run never reports StatusSucceeded.
func (r *Reconciler) Reconcile(ctx context.Context, email string, observe func(Attempt)) (Attempt, error) {
	now := r.clock.Now()
	att := Attempt{
		Email:       strings.TrimSpace(email),
		Status:      StatusPending,
		MaxAttempts: r.cfg.MaxAttempts,
		Message:     MsgPending,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	notify := func() {
		att.UpdatedAt = r.clock.Now()
		if observe != nil {
			observe(att)
		}
	}

	if msg, ok := validateEmail(att.Email); !ok {
		att.Status = StatusFailed
		att.Message = msg
		notify()
		return att, nil
	}
	att.Email = strings.ToLower(att.Email)
	notify()

	logger := r.logger.With(zap.String("email", att.Email))
	for {
		if err := ctx.Err(); err != nil {
			return att, err
		}

		verification, err := r.verifier.VerifyMember(ctx, att.Email)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return att, ctxErr
		}
		att.AttemptCount++

		outcome := r.classify(verification, err)
		metrics.ObserveReconcileAttempt(outcome.String())
		logger.Debug("membership verification",
			zap.Int("attempt", att.AttemptCount),
			zap.Stringer("result", outcome),
			zap.Error(err),
		)

		if err != nil {
			att.LastError = err.Error()
		} else {
			att.LastError = ""
		}

		if outcome == resultPaid {
			record := verification.Record
			att.Record = &record
			att.Status = StatusSucceeded
			att.Message = MsgSucceeded
			notify()
			return att, nil
		}

		if att.AttemptCount >= r.cfg.MaxAttempts {
			att.Status, att.Message = exhausted(outcome)
			logger.Info("membership reconciliation exhausted",
				zap.Int("attempts", att.AttemptCount),
				zap.String("status", string(att.Status)),
			)
			notify()
			return att, nil
		}
		notify()

		timer := time.NewTimer(r.cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return att, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Reconciler) classify(v edge.Verification, err error) result {
	switch {
	case err != nil:
		return resultError
	case !v.Exists:
		return resultNotFound
	case access.EffectiveStatus(v.Record, r.clock.Now()).Paying():
		return resultPaid
	default:
		return resultUnpaid
	}
}

func exhausted(last result) (Status, string) {
	switch last {
	case resultError:
		return StatusFailed, MsgFailed
	case resultUnpaid:
		return StatusTimedOut, MsgStillProcessing
	default:
		return StatusTimedOut, MsgNotFound
	}
}

func validateEmail(email string) (string, bool) {
	if email == "" {
		return MsgMissingEmail, false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || strings.ContainsAny(email, "'\"") {
		return MsgInvalidEmail, false
	}
	return "", true
}
