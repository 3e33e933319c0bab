package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"esfcal/internal/model"
)

type fakeEngine struct {
	calls   atomic.Int32
	outcome model.SyncOutcome
	started chan struct{}
	release chan struct{}
}

func (e *fakeEngine) Run(ctx context.Context) model.SyncOutcome {
	e.calls.Add(1)
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	return e.outcome
}

type fakePolicy struct {
	mu sync.Mutex
	p  model.SyncPolicy
}

func (f *fakePolicy) Get() model.SyncPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p
}

type fakeSessions struct {
	mu       sync.Mutex
	loggedIn bool
	cleared  int
}

func (f *fakeSessions) Get(context.Context) (model.SessionCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loggedIn {
		return model.SessionCredentials{}, errors.New("no session")
	}
	return model.SessionCredentials{Identity: "4242", SessionToken: "tok"}, nil
}

func (f *fakeSessions) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = false
	f.cleared++
	return nil
}

type fakeClearer struct{ cleared atomic.Int32 }

func (f *fakeClearer) ClearAll(context.Context) error {
	f.cleared.Add(1)
	return nil
}

type harness struct {
	runner   *Runner
	engine   *fakeEngine
	policy   *fakePolicy
	sessions *fakeSessions
	store    *fakeClearer
	wifi     *countingWifi
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{
		engine:   &fakeEngine{outcome: model.Success(2)},
		policy:   &fakePolicy{p: model.DefaultSyncPolicy()},
		sessions: &fakeSessions{loggedIn: true},
		store:    &fakeClearer{},
		wifi:     &countingWifi{onWifi: true},
	}
	gate := NewGate(h.wifi, &countingBattery{pct: 100}, paris)
	h.runner = NewRunner(h.engine, h.policy, h.sessions, h.store, gate, RunnerOptions{
		Location: paris,
		Now:      func() time.Time { return now },
		// Large enough that no retry fires while a test runs.
		BaseBackoff: time.Minute,
	})
	t.Cleanup(h.runner.Stop)
	return h
}

func TestTickOutsideHoursSkipsWithoutEngine(t *testing.T) {
	h := newHarness(t, at(23, 0))

	out := h.runner.Tick(context.Background())
	if out.Kind != model.OutcomeSkipped || out.Retryable {
		t.Fatalf("outcome = %s", out)
	}
	if out.Reason != ReasonOutsideHours {
		t.Errorf("reason = %q", out.Reason)
	}
	if n := h.engine.calls.Load(); n != 0 {
		t.Errorf("engine called %d times", n)
	}
}

func TestTickOnCellularDefers(t *testing.T) {
	h := newHarness(t, at(12, 0))
	h.policy.p.WifiOnly = true
	h.wifi.onWifi = false
	if err := h.runner.Arm(15); err != nil {
		t.Fatal(err)
	}

	out := h.runner.Tick(context.Background())
	if out.Kind != model.OutcomeSkipped || !out.Retryable {
		t.Fatalf("outcome = %s", out)
	}
	if h.engine.calls.Load() != 0 {
		t.Error("engine invoked on cellular")
	}
	if got := h.runner.Backoff(); got != time.Minute {
		t.Errorf("backoff = %s, want 1m", got)
	}
}

func TestTickRunsEngine(t *testing.T) {
	h := newHarness(t, at(12, 0))
	var seen []model.SyncOutcome
	h.runner.OnOutcome(func(o model.SyncOutcome) { seen = append(seen, o) })

	out := h.runner.Tick(context.Background())
	if out.Kind != model.OutcomeSuccess || out.NewEntries != 2 {
		t.Fatalf("outcome = %s", out)
	}
	if len(seen) != 1 || seen[0].NewEntries != 2 {
		t.Errorf("listener saw %v", seen)
	}
	last, ok := h.runner.Last()
	if !ok || last.Kind != model.OutcomeSuccess {
		t.Errorf("Last = %v, %v", last, ok)
	}
}

func TestSyncNowBypassesGate(t *testing.T) {
	h := newHarness(t, at(23, 0))
	out := h.runner.SyncNow(context.Background())
	if out.Kind != model.OutcomeSuccess {
		t.Fatalf("outcome = %s", out)
	}
	if h.engine.calls.Load() != 1 {
		t.Errorf("engine calls = %d", h.engine.calls.Load())
	}
}

func TestArmKeepsExistingRegistration(t *testing.T) {
	h := newHarness(t, at(12, 0))
	r := h.runner

	if err := r.Arm(15); err != nil {
		t.Fatal(err)
	}
	_, first := r.Armed()
	if first == 0 {
		t.Fatal("not armed")
	}

	if err := r.Arm(15); err != nil {
		t.Fatal(err)
	}
	if _, again := r.Armed(); again != first {
		t.Errorf("re-arm replaced entry %d with %d", first, again)
	}
	if n := len(r.cron.Entries()); n != 1 {
		t.Errorf("cron has %d entries", n)
	}

	if err := r.Arm(30); err != nil {
		t.Fatal(err)
	}
	minutes, replaced := r.Armed()
	if minutes != 30 || replaced == first || replaced == 0 {
		t.Errorf("Armed = %d, %d", minutes, replaced)
	}
	if n := len(r.cron.Entries()); n != 1 {
		t.Errorf("cron has %d entries after interval change", n)
	}

	if err := r.Arm(0); err != nil {
		t.Fatal(err)
	}
	if _, id := r.Armed(); id != 0 || len(r.cron.Entries()) != 0 {
		t.Errorf("disarm left entry %d", id)
	}
	if !r.NextRun().IsZero() {
		t.Error("NextRun should be zero when disarmed")
	}
}

func TestBootArmsFromPolicy(t *testing.T) {
	h := newHarness(t, at(12, 0))

	h.policy.p.SyncIntervalMinutes = 0
	armed, err := h.runner.Boot(context.Background())
	if err != nil || armed {
		t.Errorf("manual mode Boot = %v, %v", armed, err)
	}
	if _, id := h.runner.Armed(); id != 0 {
		t.Error("manual mode armed a job")
	}

	h.policy.p.SyncIntervalMinutes = 30
	h.sessions.loggedIn = false
	armed, err = h.runner.Boot(context.Background())
	if err != nil || !armed {
		t.Fatalf("Boot without session = %v, %v", armed, err)
	}
	if minutes, id := h.runner.Armed(); minutes != 30 || id == 0 {
		t.Errorf("Armed = %d, %d", minutes, id)
	}
}

func TestNextRunAfterStart(t *testing.T) {
	h := newHarness(t, at(12, 0))
	h.runner.Start(context.Background())
	if err := h.runner.Arm(15); err != nil {
		t.Fatal(err)
	}
	next := h.runner.NextRun()
	if next.IsZero() {
		t.Fatal("NextRun is zero")
	}
	if d := time.Until(next); d <= 0 || d > 15*time.Minute {
		t.Errorf("next run in %s", d)
	}
}

func TestSingleCycleGuard(t *testing.T) {
	h := newHarness(t, at(12, 0))
	h.engine.started = make(chan struct{})
	h.engine.release = make(chan struct{})

	done := make(chan model.SyncOutcome)
	go func() { done <- h.runner.SyncNow(context.Background()) }()
	<-h.engine.started

	busy := h.runner.Tick(context.Background())
	if busy.Kind != model.OutcomeSkipped || busy.Reason != "sync already running" {
		t.Errorf("concurrent Tick = %s", busy)
	}
	busy = h.runner.SyncNow(context.Background())
	if busy.Reason != "sync already running" {
		t.Errorf("concurrent SyncNow = %s", busy)
	}

	close(h.engine.release)
	if out := <-done; out.Kind != model.OutcomeSuccess {
		t.Errorf("first cycle = %s", out)
	}
	if n := h.engine.calls.Load(); n != 1 {
		t.Errorf("engine calls = %d", n)
	}
}

func TestBackoffDoublesCapsAndResets(t *testing.T) {
	h := newHarness(t, at(12, 0))
	h.policy.p.SyncIntervalMinutes = 60
	if err := h.runner.Arm(4); err != nil {
		t.Fatal(err)
	}
	h.engine.outcome = model.Failure(model.ErrTransport, "timeout")

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for i, w := range want {
		h.runner.Tick(context.Background())
		if got := h.runner.Backoff(); got != w {
			t.Errorf("attempt %d backoff = %s, want %s", i+1, got, w)
		}
	}

	h.engine.outcome = model.Success(0)
	h.runner.Tick(context.Background())
	if got := h.runner.Backoff(); got != 0 {
		t.Errorf("backoff after success = %s", got)
	}
}

func TestNoRetryForNotAuthenticatedOrManual(t *testing.T) {
	h := newHarness(t, at(12, 0))
	if err := h.runner.Arm(15); err != nil {
		t.Fatal(err)
	}
	h.engine.outcome = model.Failure(model.ErrNotAuthenticated, "not authenticated")
	h.runner.Tick(context.Background())
	if got := h.runner.Backoff(); got != 0 {
		t.Errorf("retry scheduled for not-authenticated: %s", got)
	}

	if err := h.runner.Arm(0); err != nil {
		t.Fatal(err)
	}
	h.engine.outcome = model.Failure(model.ErrTransport, "down")
	h.runner.Tick(context.Background())
	if got := h.runner.Backoff(); got != 0 {
		t.Errorf("retry scheduled in manual mode: %s", got)
	}
}

func TestSyncNowDoesNotArm(t *testing.T) {
	h := newHarness(t, at(12, 0))
	if out := h.runner.SyncNow(context.Background()); out.Kind != model.OutcomeSuccess {
		t.Fatalf("SyncNow = %s", out)
	}
	if minutes, id := h.runner.Armed(); minutes != 0 || id != 0 {
		t.Errorf("one-shot sync armed %d, %d", minutes, id)
	}
}

func waitArmed(t *testing.T, r *Runner, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		minutes, id := r.Armed()
		if minutes == want && (want == 0) == (id == 0) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Armed = %d, %d, want %d", minutes, id, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeSessions) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = v
}

func TestWatchSessionsFollowsExternalLoginAndLogout(t *testing.T) {
	h := newHarness(t, at(12, 0))
	h.sessions.loggedIn = false
	h.runner.Start(context.Background())

	if err := h.runner.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.policy.p.SyncIntervalMinutes = 30

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.WatchSessions(ctx, 10*time.Millisecond)

	h.sessions.set(true)
	waitArmed(t, h.runner, 30)
	if h.runner.NextRun().IsZero() {
		t.Error("NextRun is zero after login")
	}

	h.sessions.set(false)
	waitArmed(t, h.runner, 0)
}

func TestFollowSkipsArmingAfterLogout(t *testing.T) {
	h := newHarness(t, at(12, 0))
	if err := h.runner.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan model.SyncPolicy)
	done := make(chan struct{})
	go func() {
		h.runner.Follow(ctx, updates)
		close(done)
	}()

	p := model.DefaultSyncPolicy()
	p.SyncIntervalMinutes = 60
	updates <- p
	close(updates)
	<-done

	if _, id := h.runner.Armed(); id != 0 {
		t.Error("armed after logout")
	}
}

func TestFollowRearmsOnIntervalChange(t *testing.T) {
	h := newHarness(t, at(12, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan model.SyncPolicy)
	done := make(chan struct{})
	go func() {
		h.runner.Follow(ctx, updates)
		close(done)
	}()

	p := model.DefaultSyncPolicy()
	p.SyncIntervalMinutes = 60
	updates <- p
	p.SyncIntervalMinutes = 0
	updates <- p
	close(updates)
	<-done

	if minutes, id := h.runner.Armed(); minutes != 0 || id != 0 {
		t.Errorf("Armed = %d, %d", minutes, id)
	}
}

func TestLogoutWaitsForCycleAndClears(t *testing.T) {
	h := newHarness(t, at(12, 0))
	if err := h.runner.Arm(15); err != nil {
		t.Fatal(err)
	}
	h.engine.started = make(chan struct{})
	h.engine.release = make(chan struct{})

	cycleDone := make(chan struct{})
	go func() {
		h.runner.SyncNow(context.Background())
		close(cycleDone)
	}()
	<-h.engine.started

	logoutDone := make(chan error)
	go func() { logoutDone <- h.runner.Logout(context.Background()) }()

	select {
	case <-logoutDone:
		t.Fatal("logout finished while a cycle was running")
	case <-time.After(100 * time.Millisecond):
	}
	if h.store.cleared.Load() != 0 {
		t.Fatal("store cleared during cycle")
	}

	close(h.engine.release)
	<-cycleDone
	if err := <-logoutDone; err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if h.store.cleared.Load() != 1 || h.sessions.cleared != 1 {
		t.Errorf("cleared store=%d session=%d", h.store.cleared.Load(), h.sessions.cleared)
	}
	if _, id := h.runner.Armed(); id != 0 {
		t.Error("still armed after logout")
	}
	if _, ok := h.runner.Last(); ok {
		t.Error("last outcome kept after logout")
	}
}

func TestLogoutDisarmsJobArmedDuringCycle(t *testing.T) {
	h := newHarness(t, at(12, 0))
	h.engine.started = make(chan struct{})
	h.engine.release = make(chan struct{})

	cycleDone := make(chan struct{})
	go func() {
		h.runner.SyncNow(context.Background())
		close(cycleDone)
	}()
	<-h.engine.started

	logoutDone := make(chan error)
	go func() { logoutDone <- h.runner.Logout(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	// re-armed while Logout waits for the cycle
	if err := h.runner.Arm(15); err != nil {
		t.Fatal(err)
	}

	close(h.engine.release)
	<-cycleDone
	if err := <-logoutDone; err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, id := h.runner.Armed(); id != 0 {
		t.Error("job left armed after logout")
	}
}
