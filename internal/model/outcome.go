package model

import (
	"fmt"
	"time"
)

// OutcomeKind tags the variant held by a SyncOutcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeError   OutcomeKind = "error"
	OutcomeSkipped OutcomeKind = "skipped"
)

// ErrorKind classifies a failed cycle.
type ErrorKind string

const (
	ErrNotAuthenticated  ErrorKind = "not_authenticated"
	ErrTransport         ErrorKind = "transport"
	ErrAPI               ErrorKind = "api"
	ErrMalformedResponse ErrorKind = "malformed_response"
	ErrStorage           ErrorKind = "storage"
	ErrCancelled         ErrorKind = "cancelled"
)

// Retryable reports whether the scheduling substrate should retry a cycle
// that failed with this kind.
func (k ErrorKind) Retryable() bool {
	return k != ErrNotAuthenticated
}

// SyncOutcome is the result of one cycle (or of a gate decision that
// prevented one). Only the fields of the active Kind are meaningful.
type SyncOutcome struct {
	Kind    OutcomeKind `json:"kind"`
	CycleID string      `json:"cycle_id,omitempty"`
	At      time.Time   `json:"at"`

	// Success
	NewEntries int `json:"new_entries,omitempty"`

	// Error
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`

	// Skipped
	Reason string `json:"reason,omitempty"`

	// Retryable is set on errors worth retrying and on policy deferrals.
	Retryable bool `json:"retryable"`
}

func Success(newEntries int) SyncOutcome {
	return SyncOutcome{Kind: OutcomeSuccess, NewEntries: newEntries}
}

func Failure(kind ErrorKind, message string) SyncOutcome {
	return SyncOutcome{
		Kind:      OutcomeError,
		ErrorKind: kind,
		Message:   message,
		Retryable: kind.Retryable(),
	}
}

// Skipped is a hard skip: nothing to retry until the next periodic run.
func Skipped(reason string) SyncOutcome {
	return SyncOutcome{Kind: OutcomeSkipped, Reason: reason}
}

// Deferred is a policy deferral the scheduler should retry with backoff.
func Deferred(reason string) SyncOutcome {
	return SyncOutcome{Kind: OutcomeSkipped, Reason: reason, Retryable: true}
}

// Visible reports whether the outcome should surface a failure indicator.
// Missing sessions and policy deferrals stay silent.
func (o SyncOutcome) Visible() bool {
	if o.Kind != OutcomeError {
		return false
	}
	switch o.ErrorKind {
	case ErrTransport, ErrAPI, ErrMalformedResponse:
		return true
	default:
		return false
	}
}

func (o SyncOutcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return fmt.Sprintf("success(%d new)", o.NewEntries)
	case OutcomeError:
		return fmt.Sprintf("error(%s: %s)", o.ErrorKind, o.Message)
	case OutcomeSkipped:
		if o.Retryable {
			return fmt.Sprintf("deferred(%s)", o.Reason)
		}
		return fmt.Sprintf("skipped(%s)", o.Reason)
	default:
		return string(o.Kind)
	}
}
