// Package engine implements the OTP issuance/verification orchestrator:
// input validation, rate-limit coordination, supersession of prior
// active codes, record creation with duplicate-key retry, delivery with
// rollback, and the verification state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MetaDevZone/secure-2fa/internal/crypto"
	"github.com/MetaDevZone/secure-2fa/internal/event"
	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/notify"
	"github.com/MetaDevZone/secure-2fa/internal/otperr"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// createRetries bounds the session-id regeneration loop when record
// creation collides with a concurrent issuance for the same key.
const createRetries = 3

// Options is the issuance/verification policy of an Engine.
type Options struct {
	CodeLength    int
	Expiry        time.Duration
	MaxAttempts   int
	StrictBinding bool
	RateMax       int
	RateWindow    time.Duration
	From          string
	// Template overrides the built-in default message for issuances
	// that do not supply their own.
	Template *notify.Template
}

// Engine is the stateful orchestrator. All persistent state lives in
// the RecordStore; the engine itself is safe for concurrent use.
type Engine struct {
	store      model.RecordStore
	notifier   model.Notifier
	governor   model.RateGovernor
	gen        *crypto.Generator
	dispatcher *event.Dispatcher
	opts       Options
	logger     *zap.Logger
}

// New validates the options and assembles an engine. The dispatcher may
// be nil when the host attaches no observers.
func New(
	store model.RecordStore,
	notifier model.Notifier,
	governor model.RateGovernor,
	gen *crypto.Generator,
	dispatcher *event.Dispatcher,
	opts Options,
	logger *zap.Logger,
) (*Engine, error) {
	if store == nil || notifier == nil || governor == nil || gen == nil {
		return nil, fmt.Errorf("store, notifier, governor and generator are required")
	}
	if opts.CodeLength < 4 || opts.CodeLength > 10 {
		return nil, fmt.Errorf("code length must be between 4 and 10, got %d", opts.CodeLength)
	}
	if opts.Expiry <= 0 {
		return nil, fmt.Errorf("expiry must be positive")
	}
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if opts.RateMax <= 0 || opts.RateWindow <= 0 {
		return nil, fmt.Errorf("rate limit max and window must be positive")
	}
	if opts.Template == nil {
		opts.Template = notify.DefaultTemplate()
	}
	if logger == nil {
		logger = util.Get()
	}

	return &Engine{
		store:      store,
		notifier:   notifier,
		governor:   governor,
		gen:        gen,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}, nil
}

// IssueInput describes one code issuance request.
type IssueInput struct {
	Destination string
	Context     string
	Meta        model.RequestMetadata
	// Template optionally overrides the engine default for this message.
	Template *notify.Template
}

// IssueResult is handed back to the caller on success.
type IssueResult struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	// Resent is true when this issuance superseded a prior active code
	// for the same (destination, context).
	Resent bool `json:"resent"`
}

// Issue generates, persists and delivers a new code.
func (e *Engine) Issue(ctx context.Context, in IssueInput) (*IssueResult, error) {
	if in.Destination == "" || in.Context == "" || in.Meta.Empty() {
		return nil, otperr.ErrInvalid
	}

	e.dispatch(ctx, event.Event{
		Type:        event.TypeRequest,
		Destination: in.Destination,
		Context:     in.Context,
	})

	// Rate limiting is keyed by destination alone, so varying the
	// context cannot be used to bypass the quota.
	allowed, err := e.governor.CheckLimit(ctx, in.Destination, e.opts.RateMax, e.opts.RateWindow)
	if err != nil {
		return nil, otperr.Wrap(otperr.KindStorage, "rate limit check failed", err)
	}
	if !allowed {
		e.failEvent(ctx, in.Destination, in.Context, "", otperr.KindRateLimited)
		return nil, otperr.ErrRateLimited
	}

	// The increment lands before delivery so a forced downstream
	// failure still counts against the quota.
	if err := e.governor.Increment(ctx, in.Destination, e.opts.RateWindow); err != nil {
		e.logger.Warn("Failed to record rate limit increment",
			util.String("context", in.Context),
			util.ErrorField(err))
	}

	// Supersede any prior active code for the same key. A failure here
	// must never block issuance; at worst the create below retries on a
	// duplicate key.
	resent := false
	if prior, err := e.store.FindActive(ctx, in.Destination, in.Context, model.ChannelEmail); err != nil {
		e.logger.Warn("Failed to look up prior active code",
			util.String("context", in.Context),
			util.ErrorField(err))
	} else if prior != nil {
		resent = true
		used := true
		if _, err := e.store.Update(ctx, prior.ID, model.RecordUpdate{Used: &used}); err != nil {
			e.logger.Warn("Failed to supersede prior active code",
				util.String("session_id", prior.SessionID),
				util.ErrorField(err))
		}
	}

	code, err := e.gen.GenerateCode(e.opts.CodeLength)
	if err != nil {
		return nil, otperr.Wrap(otperr.KindStorage, "code generation failed", err)
	}
	hash, err := e.gen.HashCode(code)
	if err != nil {
		return nil, otperr.Wrap(otperr.KindStorage, "code hashing failed", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(e.opts.Expiry)

	// Creation races with concurrent issuances for the same key at the
	// store's uniqueness constraint. Regenerate the session id and
	// retry a bounded number of times; no stale session id ever escapes
	// because the id is minted before each attempt.
	var rec *model.CodeAttempt
	for attempt := 1; attempt <= createRetries; attempt++ {
		sessionID := crypto.GenerateSessionID()
		candidate := &model.CodeAttempt{
			Destination:     in.Destination,
			Context:         in.Context,
			Channel:         model.ChannelEmail,
			SessionID:       sessionID,
			CodeHash:        hash,
			CodeTag:         e.gen.CreateTag(code, in.Context, sessionID),
			MetaFingerprint: crypto.FingerprintMeta(in.Meta),
			Meta:            in.Meta,
			Attempts:        0,
			MaxAttempts:     e.opts.MaxAttempts,
			CreatedAt:       now,
			ExpiresAt:       expiresAt,
		}

		rec, err = e.store.Create(ctx, candidate)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrDuplicateKey) {
			return nil, otperr.Wrap(otperr.KindStorage, "failed to create code record", err)
		}
		e.logger.Warn("Session key collision, regenerating",
			util.String("context", in.Context),
			util.Int("attempt", attempt))
	}
	if rec == nil {
		e.failEvent(ctx, in.Destination, in.Context, "", otperr.KindStorage)
		return nil, otperr.Wrap(otperr.KindStorage, "failed to create code record", model.ErrDuplicateKey)
	}

	// A concurrent issuance can slip past the FindActive check above and
	// create its own record under a fresh session id, leaving two active
	// records for the key. Reconciliation keeps only the newest; like
	// the supersede step it is best-effort and never blocks issuance.
	if err := e.store.ReconcileDuplicates(ctx, in.Destination, in.Context, model.ChannelEmail); err != nil {
		e.logger.Warn("Failed to reconcile duplicate records",
			util.String("context", in.Context),
			util.ErrorField(err))
	}

	tmpl := in.Template
	if tmpl == nil {
		tmpl = e.opts.Template
	}
	subject, html, text := tmpl.Render(notify.Vars{
		Code:             code,
		Context:          in.Context,
		Destination:      in.Destination,
		ExpiresInMinutes: strconv.Itoa(int(e.opts.Expiry.Minutes())),
	})

	if err := e.notifier.Send(ctx, model.Message{
		To:      in.Destination,
		From:    e.opts.From,
		Subject: subject,
		HTML:    html,
		Text:    text,
	}); err != nil {
		// Roll back so no undeliverable-but-active record lingers.
		if delErr := e.store.Delete(ctx, rec.ID); delErr != nil {
			e.logger.Error("Failed to roll back record after delivery failure",
				util.String("session_id", rec.SessionID),
				util.ErrorField(delErr))
		}
		e.failEvent(ctx, in.Destination, in.Context, rec.SessionID, otperr.KindNotificationFailed)
		return nil, otperr.Wrap(otperr.KindNotificationFailed, "delivery failed", err)
	}

	e.dispatch(ctx, event.Event{
		Type:        event.TypeSend,
		Destination: in.Destination,
		Context:     in.Context,
		SessionID:   rec.SessionID,
	})

	e.logger.Info("Code issued",
		util.String("context", in.Context),
		util.String("session_id", rec.SessionID),
		util.Time("expires_at", expiresAt),
		util.Bool("resent", resent))

	return &IssueResult{
		SessionID: rec.SessionID,
		ExpiresAt: expiresAt,
		Resent:    resent,
	}, nil
}

// VerifyInput describes one verification attempt.
type VerifyInput struct {
	Destination string
	Context     string
	SessionID   string
	Code        string
	Meta        model.RequestMetadata
}

// Verify checks a submitted code against the stored record, advancing
// the record's state machine.
func (e *Engine) Verify(ctx context.Context, in VerifyInput) error {
	if in.Destination == "" || in.Context == "" || in.SessionID == "" || in.Code == "" {
		return otperr.ErrInvalid
	}

	rec, err := e.store.FindBySessionKey(ctx, in.Destination, in.Context, in.SessionID, model.ChannelEmail)
	if err != nil {
		return otperr.Wrap(otperr.KindStorage, "record lookup failed", err)
	}
	// A missing record answers exactly like a wrong code so callers
	// cannot probe which sessions exist.
	if rec == nil {
		e.failEvent(ctx, in.Destination, in.Context, in.SessionID, otperr.KindInvalid)
		return otperr.ErrInvalid
	}

	// Terminal-state checks run before any hash work.
	switch {
	case rec.Used:
		e.failEvent(ctx, in.Destination, in.Context, in.SessionID, otperr.KindAlreadyUsed)
		return otperr.ErrAlreadyUsed
	case rec.Locked:
		e.failEvent(ctx, in.Destination, in.Context, in.SessionID, otperr.KindLocked)
		return otperr.ErrLocked
	case rec.Expired(time.Now().UTC()):
		e.failEvent(ctx, in.Destination, in.Context, in.SessionID, otperr.KindExpired)
		return otperr.ErrExpired
	}

	// Both the one-way hash and the HMAC binding tag must pass; the tag
	// catches tampering with stored records that the hash alone cannot.
	hashOK := e.gen.VerifyHash(in.Code, rec.CodeHash)
	tagOK := e.gen.VerifyTag(in.Code, rec.Context, rec.SessionID, rec.CodeTag)
	if !hashOK || !tagOK {
		return e.recordFailedAttempt(ctx, rec, in)
	}

	// Strict binding runs only after the code itself is proven correct,
	// so an attacker without the code learns nothing about the binding.
	if e.opts.StrictBinding && !crypto.VerifyMeta(in.Meta, rec.MetaFingerprint) {
		e.failEvent(ctx, in.Destination, in.Context, in.SessionID, otperr.KindContextMismatch)
		return otperr.ErrContextMismatch
	}

	// The only path that flips used.
	used := true
	if _, err := e.store.Update(ctx, rec.ID, model.RecordUpdate{Used: &used}); err != nil {
		return otperr.Wrap(otperr.KindStorage, "failed to finalize record", err)
	}

	e.dispatch(ctx, event.Event{
		Type:        event.TypeVerify,
		Destination: in.Destination,
		Context:     in.Context,
		SessionID:   in.SessionID,
	})

	e.logger.Info("Code verified",
		util.String("context", in.Context),
		util.String("session_id", in.SessionID))
	return nil
}

func (e *Engine) recordFailedAttempt(ctx context.Context, rec *model.CodeAttempt, in VerifyInput) error {
	attempts := rec.Attempts + 1
	locked := attempts >= rec.MaxAttempts

	upd := model.RecordUpdate{Attempts: &attempts}
	if locked {
		upd.Locked = &locked
	}
	if _, err := e.store.Update(ctx, rec.ID, upd); err != nil {
		return otperr.Wrap(otperr.KindStorage, "failed to record attempt", err)
	}

	if locked {
		e.failEvent(ctx, in.Destination, in.Context, in.SessionID, otperr.KindAttemptsExceeded)
		e.logger.Warn("Code locked after exhausted attempts",
			util.String("context", in.Context),
			util.String("session_id", in.SessionID),
			util.Int("attempts", attempts))
		return otperr.ErrAttemptsExceeded
	}

	e.failEvent(ctx, in.Destination, in.Context, in.SessionID, otperr.KindInvalid)
	return otperr.ErrInvalid
}

// Cleanup removes all records past their expiry. Owner-triggered; the
// engine never schedules it itself.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	deleted, err := e.store.DeleteExpired(ctx)
	if err != nil {
		return deleted, otperr.Wrap(otperr.KindStorage, "cleanup failed", err)
	}
	return deleted, nil
}

// Health is the tri-state summary of a health check.
type Health struct {
	Status string            `json:"status"` // healthy | degraded | unhealthy
	Checks map[string]string `json:"checks"`
}

// HealthCheck probes the store, notifier and rate governor in parallel
// without mutating any application state. A store failure makes the
// engine unhealthy; notifier or governor failures degrade it.
func (e *Engine) HealthCheck(ctx context.Context) *Health {
	var storeErr, notifierErr, governorErr error

	g, probeCtx := errgroup.WithContext(ctx)
	g.Go(func() error { storeErr = e.store.HealthCheck(probeCtx); return nil })
	g.Go(func() error { notifierErr = e.notifier.HealthCheck(probeCtx); return nil })
	g.Go(func() error { governorErr = e.governor.HealthCheck(probeCtx); return nil })
	_ = g.Wait()

	health := &Health{
		Status: "healthy",
		Checks: map[string]string{
			"store":    checkResult(storeErr),
			"notifier": checkResult(notifierErr),
			"governor": checkResult(governorErr),
		},
	}

	if notifierErr != nil || governorErr != nil {
		health.Status = "degraded"
	}
	if storeErr != nil {
		health.Status = "unhealthy"
	}
	return health
}

func checkResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func (e *Engine) dispatch(ctx context.Context, ev event.Event) {
	e.dispatcher.Dispatch(ctx, ev)
}

func (e *Engine) failEvent(ctx context.Context, destination, otpContext, sessionID string, kind otperr.Kind) {
	e.dispatch(ctx, event.Event{
		Type:        event.TypeFail,
		Destination: destination,
		Context:     otpContext,
		SessionID:   sessionID,
		ErrorCode:   kind.Code(),
	})
}
