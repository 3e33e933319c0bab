package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// JobName identifies the single periodic registration.
const JobName = "esf_calendar_sync"

// DefaultBaseBackoff is the first retry delay after a deferral or a
// retryable failure.
const DefaultBaseBackoff = 30 * time.Second

// CycleRunner executes one sync cycle.
type CycleRunner interface {
	Run(ctx context.Context) model.SyncOutcome
}

// PolicySource reads the current policy.
type PolicySource interface {
	Get() model.SyncPolicy
}

// Sessions is the part of the session provider the runner needs.
type Sessions interface {
	Get(ctx context.Context) (model.SessionCredentials, error)
	Clear(ctx context.Context) error
}

// Clearer wipes the local cache on logout.
type Clearer interface {
	ClearAll(ctx context.Context) error
}

// RunnerOptions tune a Runner. Zero values pick defaults.
type RunnerOptions struct {
	Location    *time.Location
	Now         func() time.Time
	BaseBackoff time.Duration
}

// Runner is the scheduling substrate: it owns the periodic registration,
// serializes cycles and retries deferrals with backoff.
type Runner struct {
	engine   CycleRunner
	policies PolicySource
	sessions Sessions
	store    Clearer
	gate     *Gate

	cron        *cron.Cron
	loc         *time.Location
	now         func() time.Time
	baseBackoff time.Duration

	// cycle guards against overlapping cycles.
	cycle sync.Mutex

	mu        sync.Mutex
	baseCtx   context.Context
	entryID   cron.EntryID
	interval  int
	backoff   time.Duration
	retry     *time.Timer
	last      model.SyncOutcome
	hasLast   bool
	loggedOut bool
	listeners []func(model.SyncOutcome)
}

// NewRunner wires a runner. Call Start before relying on periodic runs.
func NewRunner(engine CycleRunner, policies PolicySource, sessions Sessions, store Clearer, gate *Gate, opts RunnerOptions) *Runner {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}

	logger := appLog.Cron()
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &Runner{
		engine:      engine,
		policies:    policies,
		sessions:    sessions,
		store:       store,
		gate:        gate,
		cron:        c,
		loc:         opts.Location,
		now:         opts.Now,
		baseBackoff: opts.BaseBackoff,
		baseCtx:     context.Background(),
	}
}

// Start runs the cron scheduler until Stop. Periodic and retry cycles use
// ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
	r.cron.Start()
	appLog.Info("scheduler started", "job", JobName)
}

// Stop halts the scheduler and waits for a running periodic cycle.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopRetryLocked()
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

// Arm registers the periodic job every minutes. Re-arming with the current
// interval keeps the existing registration; 0 disarms.
func (r *Runner) Arm(minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("scheduler: negative interval %d", minutes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if minutes == r.interval && (minutes == 0 || r.entryID != 0) {
		return nil
	}

	if r.entryID != 0 {
		r.cron.Remove(r.entryID)
		r.entryID = 0
	}
	r.interval = minutes

	if minutes == 0 {
		r.stopRetryLocked()
		r.backoff = 0
		appLog.Info("periodic sync disarmed", "job", JobName)
		return nil
	}

	id, err := r.cron.AddFunc(fmt.Sprintf("@every %dm", minutes), r.fire)
	if err != nil {
		r.interval = 0
		return fmt.Errorf("scheduler: register %s: %w", JobName, err)
	}
	r.entryID = id
	appLog.Info("periodic sync armed", "job", JobName, "interval_minutes", minutes)
	return nil
}

// Armed returns the current interval and cron entry; id is 0 when disarmed.
func (r *Runner) Armed() (minutes int, id cron.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval, r.entryID
}

// Boot arms from the persisted policy at startup, whether or not a session
// exists yet. Cycles without a session end as not-authenticated and are not
// retried, so the job idles until a login.
func (r *Runner) Boot(ctx context.Context) (bool, error) {
	if _, err := r.sessions.Get(ctx); err != nil {
		appLog.Info("boot: no session yet")
	}
	p := r.policies.Get()
	if p.SyncIntervalMinutes == 0 {
		appLog.Info("boot: manual mode, periodic sync stays disarmed")
		return false, nil
	}
	if err := r.Arm(p.SyncIntervalMinutes); err != nil {
		return false, err
	}
	return true, nil
}

// Follow re-arms whenever the policy interval changes. After a logout it
// leaves the job disarmed until WatchSessions sees a new session. It returns
// when ctx is done or updates is closed.
func (r *Runner) Follow(ctx context.Context, updates <-chan model.SyncPolicy) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			minutes := p.SyncIntervalMinutes
			r.mu.Lock()
			loggedOut := r.loggedOut
			r.mu.Unlock()
			if minutes > 0 && loggedOut {
				continue
			}
			if err := r.Arm(minutes); err != nil {
				appLog.Error("re-arm failed", err, "interval_minutes", minutes)
			}
		}
	}
}

// WatchSessions polls the session provider every interval so logins and
// logouts made by another process reach this runner: a new session re-arms
// from the policy, a vanished one disarms. It returns when ctx is done.
func (r *Runner) WatchSessions(ctx context.Context, every time.Duration) {
	_, err := r.sessions.Get(ctx)
	present := err == nil

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		_, err := r.sessions.Get(ctx)
		now := err == nil
		switch {
		case now && !present:
			r.mu.Lock()
			r.loggedOut = false
			r.mu.Unlock()
			minutes := r.policies.Get().SyncIntervalMinutes
			appLog.Info("session appeared", "interval_minutes", minutes)
			if err := r.Arm(minutes); err != nil {
				appLog.Error("arm after login failed", err)
			}
		case !now && present:
			appLog.Info("session removed, disarming")
			r.mu.Lock()
			r.loggedOut = true
			r.mu.Unlock()
			if err := r.Arm(0); err != nil {
				appLog.Error("disarm after logout failed", err)
			}
		}
		present = now
	}
}

// Tick runs one gated cycle, as the periodic trigger does.
func (r *Runner) Tick(ctx context.Context) model.SyncOutcome {
	if !r.cycle.TryLock() {
		return r.busy()
	}
	defer r.cycle.Unlock()

	p := r.policies.Get()
	d := r.gate.Check(ctx, p, r.now())
	if d.Verdict != Run {
		appLog.Info("sync gated", "verdict", d.Verdict.String(), "reason", d.Reason)
		return r.record(d.Outcome())
	}
	return r.record(r.engine.Run(ctx))
}

// SyncNow runs a user-requested cycle, bypassing the gate.
func (r *Runner) SyncNow(ctx context.Context) model.SyncOutcome {
	if !r.cycle.TryLock() {
		return r.busy()
	}
	defer r.cycle.Unlock()

	return r.record(r.engine.Run(ctx))
}

// Logout disarms the periodic job, waits for an in-flight cycle, then
// clears the session and the local cache. The job is disarmed again once
// the cycle lock is held so nothing that ran meanwhile can leave it armed.
func (r *Runner) Logout(ctx context.Context) error {
	if err := r.Arm(0); err != nil {
		return err
	}

	for !r.cycle.TryLock() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer r.cycle.Unlock()

	if err := r.Arm(0); err != nil {
		return err
	}
	r.mu.Lock()
	r.loggedOut = true
	r.mu.Unlock()

	var errs []error
	if err := r.sessions.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear session: %w", err))
	}
	if err := r.store.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear store: %w", err))
	}

	r.mu.Lock()
	r.last, r.hasLast = model.SyncOutcome{}, false
	r.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	appLog.Info("logged out")
	return nil
}

// OnOutcome registers fn to receive every recorded outcome. fn runs on the
// cycle goroutine and should not block.
func (r *Runner) OnOutcome(fn func(model.SyncOutcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Last returns the most recent outcome.
func (r *Runner) Last() (model.SyncOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}

// NextRun is the next periodic fire time, zero when disarmed or stopped.
func (r *Runner) NextRun() time.Time {
	r.mu.Lock()
	id := r.entryID
	r.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return r.cron.Entry(id).Next
}

// NextEligible is the next instant the gate's hour window allows.
func (r *Runner) NextEligible() time.Time {
	return NextEligible(r.policies.Get(), r.now(), r.loc)
}

func (r *Runner) fire() {
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	r.Tick(ctx)
}

func (r *Runner) busy() model.SyncOutcome {
	out := model.Skipped("sync already running")
	out.At = r.now()
	return out
}

// record stores out, adjusts the retry schedule and notifies listeners.
func (r *Runner) record(out model.SyncOutcome) model.SyncOutcome {
	if out.At.IsZero() {
		out.At = r.now()
	}

	r.mu.Lock()
	r.last, r.hasLast = out, true

	switch {
	case out.Kind == model.OutcomeSuccess:
		r.backoff = 0
		r.stopRetryLocked()
	case out.Retryable && r.interval > 0:
		r.scheduleRetryLocked()
	}
	listeners := append([]func(model.SyncOutcome){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(out)
	}
	return out
}

func (r *Runner) scheduleRetryLocked() {
	limit := time.Duration(r.interval) * time.Minute
	switch {
	case r.backoff == 0:
		r.backoff = r.baseBackoff
	default:
		r.backoff *= 2
	}
	if r.backoff > limit {
		r.backoff = limit
	}

	r.stopRetryLocked()
	delay := r.backoff
	r.retry = time.AfterFunc(delay, r.fire)
	appLog.Info("sync retry scheduled", "in", delay.String())
}

func (r *Runner) stopRetryLocked() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

// Backoff returns the delay of the pending retry, 0 if none.
func (r *Runner) Backoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retry == nil {
		return 0
	}
	return r.backoff
}
