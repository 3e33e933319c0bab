// Package syncer runs one synchronization cycle: fetch the monitor's
// schedule, normalize it, merge it into the local store and prune stale
// entries.
package syncer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"esfcal/internal/esfdate"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
	"esfcal/internal/remote"
	"esfcal/internal/session"
)

// SessionProvider yields the current credentials or session.ErrNoSession.
type SessionProvider interface {
	Get(ctx context.Context) (model.SessionCredentials, error)
}

// ScheduleFetcher is the remote side of a cycle.
type ScheduleFetcher interface {
	FetchSchedule(ctx context.Context, identity, sessionToken string, windowStart, windowEnd time.Time) (*remote.Response, error)
}

// EntryStore is the part of the local store a cycle writes to.
type EntryStore interface {
	IDs(ctx context.Context) (map[int64]struct{}, error)
	UpsertBatch(ctx context.Context, entries []model.ScheduleEntry) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LastSyncRecorder checkpoints a successful cycle.
type LastSyncRecorder interface {
	SetLastSyncAt(t time.Time) error
}

// State is the engine's position within a cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateMerging
	StatePruning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateMerging:
		return "merging"
	case StatePruning:
		return "pruning"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Options tune a cycle. Zero values fall back to the defaults noted per
// field.
type Options struct {
	// FetchMonths is the forward window (default 4).
	FetchMonths int
	// Retention is the prune horizon (default 30 days).
	Retention time.Duration
	// AbsenceCodes are matched against post code and label (default
	// ABSENT, ABSENCEMONO, ABSENCE MONO).
	AbsenceCodes []string
	// Location is the reference zone for decoded dates (default UTC).
	Location *time.Location
	// Now is the clock (default time.Now).
	Now func() time.Time
}

var defaultAbsenceCodes = []string{"ABSENT", "ABSENCEMONO", "ABSENCE MONO"}

// Engine executes cycles. It is safe to call Run from several goroutines,
// but callers are expected to serialize cycles; see scheduler.Runner.
type Engine struct {
	sessions SessionProvider
	fetcher  ScheduleFetcher
	store    EntryStore
	recorder LastSyncRecorder

	codec       esfdate.Codec
	absence     map[string]struct{}
	fetchMonths int
	retention   time.Duration
	now         func() time.Time

	state atomic.Int32
}

// New wires an engine. recorder may be nil.
func New(sessions SessionProvider, fetcher ScheduleFetcher, store EntryStore, recorder LastSyncRecorder, opts Options) *Engine {
	if opts.FetchMonths <= 0 {
		opts.FetchMonths = 4
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.AbsenceCodes == nil {
		opts.AbsenceCodes = defaultAbsenceCodes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	absence := make(map[string]struct{}, len(opts.AbsenceCodes))
	for _, c := range opts.AbsenceCodes {
		absence[normalizeCode(c)] = struct{}{}
	}

	return &Engine{
		sessions:    sessions,
		fetcher:     fetcher,
		store:       store,
		recorder:    recorder,
		codec:       esfdate.New(opts.Location),
		absence:     absence,
		fetchMonths: opts.FetchMonths,
		retention:   opts.Retention,
		now:         opts.Now,
	}
}

// State returns the current cycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run performs one cycle. Failures never escape as errors; they are
// classified into the returned outcome.
func (e *Engine) Run(ctx context.Context) model.SyncOutcome {
	cycleID := uuid.NewString()
	now := e.now()

	out := e.run(ctx, now)
	out.CycleID = cycleID
	out.At = now
	e.setState(StateDone)

	switch out.Kind {
	case model.OutcomeSuccess:
		appLog.Info("sync cycle done", "cycle", cycleID, "new", out.NewEntries)
	case model.OutcomeError:
		if out.ErrorKind == model.ErrNotAuthenticated || out.ErrorKind == model.ErrCancelled {
			appLog.Info("sync cycle stopped", "cycle", cycleID, "kind", string(out.ErrorKind))
		} else {
			appLog.Error("sync cycle failed", errors.New(out.Message), "cycle", cycleID, "kind", string(out.ErrorKind))
		}
	}
	return out
}

func (e *Engine) run(ctx context.Context, now time.Time) model.SyncOutcome {
	creds, err := e.sessions.Get(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return model.Failure(model.ErrNotAuthenticated, "not authenticated")
		}
		return model.Failure(model.ErrStorage, "read session: "+err.Error())
	}
	if creds.Identity == "" {
		return model.Failure(model.ErrNotAuthenticated, "not authenticated")
	}

	e.setState(StateFetching)
	windowEnd := now.AddDate(0, e.fetchMonths, 0)
	resp, err := e.fetcher.FetchSchedule(ctx, creds.Identity, creds.SessionToken, now, windowEnd)
	if err != nil {
		return e.classify(ctx, err)
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	e.setState(StateNormalizing)
	entries := make([]model.ScheduleEntry, 0, len(resp.Items))
	for _, raw := range resp.Items {
		entries = append(entries, e.Normalize(raw, now))
	}

	e.setState(StateMerging)
	existing, err := e.store.IDs(ctx)
	if err != nil {
		return e.classify(ctx, err)
	}
	newCount := CountNew(entries, existing)

	if err := e.store.UpsertBatch(ctx, entries); err != nil {
		return e.classify(ctx, err)
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	e.setState(StatePruning)
	pruned, err := e.store.PruneOlderThan(ctx, now.Add(-e.retention))
	if err != nil {
		return e.classify(ctx, err)
	}
	if pruned > 0 {
		appLog.Debug("pruned stale entries", "count", pruned)
	}

	if e.recorder != nil {
		if err := e.recorder.SetLastSyncAt(now); err != nil {
			return model.Failure(model.ErrStorage, "record last sync: "+err.Error())
		}
	}

	return model.Success(newCount)
}

// Normalize converts a wire entry into a cache entry stamped with syncedAt.
// An end decoding before the start is clamped to the start.
func (e *Engine) Normalize(raw remote.RawEntry, syncedAt time.Time) model.ScheduleEntry {
	entry := model.ScheduleEntry{
		RemoteID:       raw.ID,
		StartRaw:       raw.Start,
		EndRaw:         raw.End,
		StartAt:        e.codec.DecodePtr(raw.Start),
		EndAt:          e.codec.DecodePtr(raw.End),
		PostCode:       raw.PostCode,
		PostLabel:      raw.PostLabel,
		Location:       raw.Location,
		Activity:       raw.Activity,
		Level:          raw.Level,
		Language:       raw.Language,
		StudentCount:   raw.StudentCount,
		Comment:        raw.Comment,
		MonitorComment: raw.MonitorComment,
		ModifiedRaw:    raw.Modified,
		SyncedAt:       syncedAt,
	}
	if entry.StartAt != nil && entry.EndAt != nil && entry.EndAt.Before(*entry.StartAt) {
		clamped := *entry.StartAt
		entry.EndAt = &clamped
	}
	entry.IsAbsence = e.IsAbsence(raw.PostCode, raw.PostLabel)
	return entry
}

// IsAbsence reports whether either the post code or label is an absence
// code.
func (e *Engine) IsAbsence(code, label string) bool {
	if _, ok := e.absence[normalizeCode(code)]; ok {
		return true
	}
	_, ok := e.absence[normalizeCode(label)]
	return ok
}

// CountNew returns how many calendar (non-absence) entries have an id not
// in existing.
func CountNew(entries []model.ScheduleEntry, existing map[int64]struct{}) int {
	seen := make(map[int64]struct{}, len(entries))
	n := 0
	for _, en := range entries {
		if en.IsAbsence {
			continue
		}
		if _, dup := seen[en.RemoteID]; dup {
			continue
		}
		seen[en.RemoteID] = struct{}{}
		if _, ok := existing[en.RemoteID]; !ok {
			n++
		}
	}
	return n
}

func (e *Engine) classify(ctx context.Context, err error) model.SyncOutcome {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return cancelled()
	}
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		return model.Failure(rerr.Kind, rerr.Error())
	}
	return model.Failure(model.ErrStorage, err.Error())
}

func cancelled() model.SyncOutcome {
	return model.Failure(model.ErrCancelled, "sync cancelled")
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
