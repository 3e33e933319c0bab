package model

import "testing"

func TestOutcomeVisibility(t *testing.T) {
	tests := []struct {
		name    string
		outcome SyncOutcome
		visible bool
		retry   bool
	}{
		{"success", Success(3), false, false},
		{"not authenticated", Failure(ErrNotAuthenticated, "not authenticated"), false, false},
		{"transport", Failure(ErrTransport, "dial tcp: timeout"), true, true},
		{"api", Failure(ErrAPI, "status 502"), true, true},
		{"malformed", Failure(ErrMalformedResponse, "unexpected EOF"), true, true},
		{"storage", Failure(ErrStorage, "database is locked"), false, true},
		{"cancelled", Failure(ErrCancelled, "context canceled"), false, true},
		{"skipped", Skipped("outside allowed hours"), false, false},
		{"deferred", Deferred("waiting for wifi"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Visible(); got != tt.visible {
				t.Errorf("Visible() = %v, want %v", got, tt.visible)
			}
			if got := tt.outcome.Retryable; got != tt.retry {
				t.Errorf("Retryable = %v, want %v", got, tt.retry)
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	if got := Success(2).String(); got != "success(2 new)" {
		t.Errorf("unexpected string %q", got)
	}
	if got := Deferred("low battery").String(); got != "deferred(low battery)" {
		t.Errorf("unexpected string %q", got)
	}
	if got := Skipped("outside allowed hours").String(); got != "skipped(outside allowed hours)" {
		t.Errorf("unexpected string %q", got)
	}
}
