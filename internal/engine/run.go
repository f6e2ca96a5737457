// File: internal/engine/run.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/inject"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
)

// outcome is how a run ended.
type outcome struct {
	state     State
	failure   FailureKind
	remaining *int
	message   string
}

// run is the polling loop of one started machine. It always releases the guard.
func (e *Engine) run(ctx context.Context, sp startSpec) {
	defer e.runs.Done()
	log := e.logger.With(
		zap.String("run_id", sp.runID),
		zap.String("origin", sp.origin),
		zap.String("purpose", string(sp.purpose)))

	out := outcome{state: StateAborted, message: "Run ended unexpectedly."}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic recovered in OTP run.",
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())))
			out = outcome{state: StateAborted, message: fmt.Sprintf("internal error: %v", r)}
		}
		e.finish(sp, out, log)
	}()

	out = e.poll(ctx, sp, log)
}

func (e *Engine) poll(ctx context.Context, sp startSpec, log *zap.Logger) outcome {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome{state: StateAborted, message: "Cancelled."}
		case <-timer.C:
		}

		if out, done := e.tick(ctx, sp, log); done {
			return out
		}
		timer.Reset(e.cfg.PollInterval)
	}
}

// tick performs one polling step. done is true when the run reached a terminal state.
func (e *Engine) tick(ctx context.Context, sp startSpec, log *zap.Logger) (outcome, bool) {
	e.transition(sp, StatePolling, log)

	s, err := e.deps.Page.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{state: StateAborted, message: "Cancelled."}, true
		}
		log.Debug("Page not readable, waiting.", zap.Error(err))
		return e.renderWait(sp, log)
	}
	if !e.deps.Resolver.ProbeOTP(s, sp.site.OtpSelector).Found() {
		return e.renderWait(sp, log)
	}

	att := e.bump(sp)
	log.Info("Fetching code.", zap.Int("attempt", att.AttemptsMade), zap.Int("max_attempts", att.MaxAttempts))
	e.emit(sp, StatePolling, FailureNone, nil,
		fmt.Sprintf("Checking for code (attempt %d of %d).", att.AttemptsMade, att.MaxAttempts))

	opts := mailclient.FetchOptions{MaxRetries: e.cfg.FetchRetries}
	if sp.purpose == schemas.PurposeLogin {
		opts.ExpirySeconds = sp.site.ExpirySeconds
	}
	res, err := e.deps.Fetcher.FetchCode(ctx, sp.mailbox.Username, sp.purpose, opts)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{state: StateAborted, message: "Cancelled."}, true
		}
		log.Warn("Mail client call failed.", zap.Error(err))
		res = schemas.OtpFetchResult{Outcome: schemas.OutcomeTransportError, Message: err.Error()}
	}

	switch {
	case res.Outcome == schemas.OutcomeAuthError:
		log.Warn("Mail API rejected the credential, aborting.", zap.String("message", res.Message))
		return outcome{state: StateAborted, failure: FailureAuth, message: authMessage(res)}, true
	case res.HasCode() && (res.Outcome == schemas.OutcomeFound || e.cfg.AcceptExpiredCode):
		if res.Outcome == schemas.OutcomeExpired {
			log.Info("Using a just-expired code.")
		}
		return e.fill(ctx, sp, res, log)
	}

	failure := failureFor(res.Outcome)
	log.Debug("No usable code yet.", zap.String("outcome", string(res.Outcome)), zap.String("message", res.Message))
	if att.Exhausted() {
		return e.exhausted(log), true
	}
	e.emit(sp, StatePolling, failure, nil, "No code yet.")
	return outcome{}, false
}

// renderWait handles a tick on which no OTP field was present.
func (e *Engine) renderWait(sp startSpec, log *zap.Logger) (outcome, bool) {
	if e.cfg.CountRenderWaits {
		if att := e.bump(sp); att.Exhausted() {
			return e.exhausted(log), true
		}
	} else if e.now().Sub(sp.started) > e.cfg.SessionStaleness {
		log.Info("OTP fields never appeared, giving up.")
		return outcome{state: StateTimedOut, failure: FailureElementNotFound,
			message: "The verification fields never appeared."}, true
	}
	e.emit(sp, StatePolling, FailureElementNotFound, nil, "Waiting for the verification fields.")
	return outcome{}, false
}

func (e *Engine) exhausted(log *zap.Logger) outcome {
	log.Info("Attempt budget exhausted.")
	return outcome{state: StateTimedOut, failure: FailureBudgetExhausted,
		message: "No code arrived in time. Trigger again to retry."}
}

// fill writes the code, verifies it and, for logins, submits the form. A page that drops
// a written value sends the run back to polling.
func (e *Engine) fill(ctx context.Context, sp startSpec, res schemas.OtpFetchResult, log *zap.Logger) (outcome, bool) {
	s, err := e.deps.Page.Snapshot(ctx)
	if err != nil {
		log.Warn("Failed to re-read page before filling.", zap.Error(err))
		return e.retryFill(sp, log)
	}
	fields := e.deps.Resolver.ResolveOTP(s, sp.site.OtpSelector, len([]rune(res.Code)))
	if !fields.Found() {
		log.Info("OTP fields vanished before filling.")
		return e.retryFill(sp, log)
	}

	writes, err := e.deps.Injector.Fill(ctx, e.deps.Page, fields.Refs(), res.Code)
	if err != nil {
		if errors.Is(err, inject.ErrFieldMismatch) {
			log.Warn("Field layout does not fit the code.",
				zap.Int("fields", len(fields.Elements)), zap.Int("length", len([]rune(res.Code))))
		} else {
			log.Warn("Failed to fill fields.", zap.Error(err))
		}
		if ctx.Err() != nil {
			return outcome{state: StateAborted, message: "Cancelled."}, true
		}
		return e.retryFill(sp, log)
	}

	if after, err := e.deps.Page.Snapshot(ctx); err == nil {
		if bad := inject.Verify(after, writes); len(bad) > 0 {
			log.Warn("Some fields did not keep their value.", zap.Strings("refs", bad))
			if ctx.Err() != nil {
				return outcome{state: StateAborted, message: "Cancelled."}, true
			}
			return e.retryFill(sp, log)
		}
	}
	log.Info("Code filled.", zap.String("strategy", fields.Strategy), zap.Int("fields", len(writes)))

	if sp.purpose == schemas.PurposeLogin {
		e.submit(ctx, sp, log)
	}
	return outcome{state: StateFilled, remaining: res.RemainingSeconds, message: "Code filled."}, true
}

// retryFill keeps polling after a failed fill unless the budget is spent.
func (e *Engine) retryFill(sp startSpec, log *zap.Logger) (outcome, bool) {
	if e.Attempts(sp.origin, sp.purpose).Exhausted() {
		return e.exhausted(log), true
	}
	e.emit(sp, StatePolling, FailureElementNotFound, nil, "Could not fill the fields, retrying.")
	return outcome{}, false
}

func (e *Engine) submit(ctx context.Context, sp startSpec, log *zap.Logger) {
	if err := e.deps.Page.Sleep(ctx, e.cfg.SettleDelay); err != nil {
		return
	}
	s, err := e.deps.Page.Snapshot(ctx)
	if err != nil {
		log.Warn("Failed to read page before submitting.", zap.Error(err))
		return
	}
	btn := e.deps.Resolver.FindSubmit(s, sp.site.OtpSubmitSelector)
	if btn == nil {
		log.Debug("No submit target found.")
		return
	}
	if err := e.deps.Page.Click(ctx, btn.Ref); err != nil {
		log.Warn("Failed to click submit.", zap.String("ref", btn.Ref), zap.Error(err))
		return
	}
	log.Info("Submitted.", zap.String("ref", btn.Ref))
}

// finish releases the guard, clears the persisted session and publishes the final status.
func (e *Engine) finish(sp startSpec, out outcome, log *zap.Logger) {
	e.stateLock.Lock()
	m := e.machines[sp.key()]
	prev := m.state
	m.state = out.state
	m.attempt.HandlingInProgress = false
	m.attempt.Filled = out.state == StateFilled
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	// The other purpose may own the stored session for this origin.
	shared := e.otherRunningLocked(sp)
	e.stateLock.Unlock()

	if !shared {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := e.deps.Sessions.Release(ctx, schemas.OtpSession{OriginDomain: sp.origin, StartedAt: sp.started})
		if err != nil {
			log.Warn("Failed to clear session.", zap.Error(err))
		}
	}

	elapsed := e.now().Sub(sp.started)
	if e.metrics != nil {
		e.metrics.RunsInFlight.WithLabelValues(string(sp.purpose)).Dec()
	}
	e.metrics.RecordRun(string(sp.purpose), string(out.state), elapsed, out.state == StateFilled)

	log.Info("State transition.",
		zap.String("from", string(prev)),
		zap.String("to", string(out.state)),
		zap.String("failure", string(out.failure)),
		zap.Duration("elapsed", elapsed))
	e.emit(sp, out.state, out.failure, out.remaining, out.message)
}

// transition moves a running machine to state, logging only real changes.
func (e *Engine) transition(sp startSpec, to State, log *zap.Logger) {
	e.stateLock.Lock()
	m := e.machines[sp.key()]
	from := m.state
	m.state = to
	e.stateLock.Unlock()
	if from != to {
		log.Info("State transition.", zap.String("from", string(from)), zap.String("to", string(to)))
	}
}

// bump counts one attempt and returns the updated state.
func (e *Engine) bump(sp startSpec) schemas.PollingAttemptState {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	m := e.machines[sp.key()]
	m.attempt.AttemptsMade++
	return m.attempt
}

func authMessage(res schemas.OtpFetchResult) string {
	if res.Message != "" {
		return "Authentication failed: " + res.Message
	}
	return "Authentication failed. Check the API token in settings."
}
