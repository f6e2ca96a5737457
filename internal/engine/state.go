// File: internal/engine/state.go
package engine

import (
	"time"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/detector"
)

// State is a step of the per (origin, purpose) state machine.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StatePolling   State = "polling"
	StateFilled    State = "filled"
	StateTimedOut  State = "timed_out"
	StateAborted   State = "aborted"
)

// Running reports whether a run currently holds the machine's guard.
func (s State) Running() bool { return s == StateTriggered || s == StatePolling }

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateTimedOut || s == StateAborted
}

// FailureKind classifies why a tick or a run did not fill the form.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureConfigurationMissing FailureKind = "configuration_missing"
	FailureElementNotFound      FailureKind = "element_not_found"
	FailureAuth                 FailureKind = "auth_error"
	FailureExpired              FailureKind = "expired"
	FailureTransport            FailureKind = "transport_error"
	FailureBudgetExhausted      FailureKind = "budget_exhausted"
)

// failureFor maps a fetch outcome that did not yield a usable code.
func failureFor(o schemas.FetchOutcome) FailureKind {
	switch o {
	case schemas.OutcomeAuthError:
		return FailureAuth
	case schemas.OutcomeExpired:
		return FailureExpired
	case schemas.OutcomeTransportError:
		return FailureTransport
	}
	return FailureNone
}

// StartSource records what asked a machine to start.
type StartSource string

const (
	SourceTrigger   StartSource = "trigger"
	SourceDetection StartSource = "detection"
	SourceResume    StartSource = "resume"
)

// Status is published on every transition and on every polling tick.
type Status struct {
	RunID            string          `json:"runId"`
	Origin           string          `json:"origin"`
	Purpose          schemas.Purpose `json:"purpose"`
	State            State           `json:"state"`
	Failure          FailureKind     `json:"failure,omitempty"`
	Mailbox          string          `json:"mailbox,omitempty"`
	Attempt          int             `json:"attempt"`
	MaxAttempts      int             `json:"maxAttempts"`
	RemainingSeconds *int            `json:"remainingSeconds,omitempty"`
	Message          string          `json:"message,omitempty"`
	Time             time.Time       `json:"time"`
}

// StatusFunc receives status updates. It is called synchronously and must not block.
type StatusFunc func(Status)

// machineKey identifies one state machine.
type machineKey struct {
	origin  string
	purpose schemas.Purpose
}

// machine is the state of one (origin, purpose) pair. Fields are guarded by Engine.stateLock.
type machine struct {
	key     machineKey
	state   State
	runID   string
	mailbox detector.Mailbox
	attempt schemas.PollingAttemptState
	started time.Time
	cancel  func()
}
