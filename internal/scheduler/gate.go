// Package scheduler decides when a sync cycle may run and drives the
// periodic trigger.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// WifiProbe reports whether the current transport is wifi or equivalent
// (unmetered).
type WifiProbe interface {
	Unmetered(ctx context.Context) (bool, error)
}

// BatteryProbe reports the battery charge in percent.
type BatteryProbe interface {
	Percent(ctx context.Context) (int, error)
}

// WifiFunc adapts a function to WifiProbe.
type WifiFunc func(ctx context.Context) (bool, error)

func (f WifiFunc) Unmetered(ctx context.Context) (bool, error) { return f(ctx) }

// BatteryFunc adapts a function to BatteryProbe.
type BatteryFunc func(ctx context.Context) (int, error)

func (f BatteryFunc) Percent(ctx context.Context) (int, error) { return f(ctx) }

// Verdict is the gate's answer for one evaluation.
type Verdict int

const (
	Run Verdict = iota
	// Skip is a hard skip; wait for the next periodic run.
	Skip
	// Defer asks the substrate to retry later with backoff.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Run:
		return "run"
	case Skip:
		return "skip"
	case Defer:
		return "defer"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is a verdict with its reason.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Outcome maps a non-Run decision onto the outcome reported to listeners.
func (d Decision) Outcome() model.SyncOutcome {
	if d.Verdict == Defer {
		return model.Deferred(d.Reason)
	}
	return model.Skipped(d.Reason)
}

const (
	ReasonOutsideHours = "outside allowed hours"
	ReasonNotWifi      = "waiting for wifi"
	ReasonLowBattery   = "battery below floor"
)

// Gate evaluates a SyncPolicy against the clock and device state. Probes
// are only consulted when the policy needs them; a nil probe counts as
// "condition met".
type Gate struct {
	Wifi     WifiProbe
	Battery  BatteryProbe
	Location *time.Location
}

// NewGate builds a gate reading hours in loc.
func NewGate(wifi WifiProbe, battery BatteryProbe, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{Wifi: wifi, Battery: battery, Location: loc}
}

// Check decides whether a cycle may run at now.
func (g *Gate) Check(ctx context.Context, p model.SyncPolicy, now time.Time) Decision {
	hour := now.In(g.location()).Hour()
	if hour < p.StartHour || hour > p.EndHour {
		return Decision{Verdict: Skip, Reason: ReasonOutsideHours}
	}

	if p.WifiOnly && g.Wifi != nil {
		ok, err := g.Wifi.Unmetered(ctx)
		if err != nil {
			appLog.Warn("wifi probe failed", "error", err.Error())
		}
		if err != nil || !ok {
			return Decision{Verdict: Defer, Reason: ReasonNotWifi}
		}
	}

	if p.RespectBatteryFloor && g.Battery != nil {
		pct, err := g.Battery.Percent(ctx)
		switch {
		case err != nil:
			// An unreadable battery never blocks a sync.
			appLog.Warn("battery probe failed", "error", err.Error())
		case pct < model.BatteryFloorPercent:
			return Decision{Verdict: Defer, Reason: fmt.Sprintf("%s (%d%%)", ReasonLowBattery, pct)}
		}
	}

	return Decision{Verdict: Run}
}

func (g *Gate) location() *time.Location {
	if g.Location == nil {
		return time.UTC
	}
	return g.Location
}

// NextEligible returns the first instant at or after from whose hour lies
// inside the policy window, in loc.
func NextEligible(p model.SyncPolicy, from time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	if h := local.Hour(); h >= p.StartHour && h <= p.EndHour {
		return local
	}

	r, err := rrule.StrToRRule(fmt.Sprintf("FREQ=DAILY;BYHOUR=%d;BYMINUTE=0;BYSECOND=0", p.StartHour))
	if err != nil {
		appLog.Error("next eligible: bad rule", err, "start_hour", p.StartHour)
		return local
	}
	r.DTStart(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc))
	return r.After(local, true)
}
