package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"esfcal/internal/esfdate"
	"esfcal/internal/model"
)

var base = time.Date(2025, 3, 5, 8, 0, 0, 0, esfdate.MustReference())

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "esfcal.db"), esfdate.MustReference())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func entryAt(id int64, start *time.Time) model.ScheduleEntry {
	codec := esfdate.New(esfdate.MustReference())
	e := model.ScheduleEntry{
		RemoteID:  id,
		PostCode:  "COURS",
		PostLabel: "Cours collectif",
		Location:  strPtr("CHARMIEUX"),
		SyncedAt:  base,
	}
	if start != nil {
		end := start.Add(2 * time.Hour)
		e.StartRaw = codec.Encode(*start)
		e.EndRaw = codec.Encode(end)
		s := codec.DecodePtr(e.StartRaw)
		e.StartAt = s
		e.EndAt = codec.DecodePtr(e.EndRaw)
	} else {
		e.StartRaw = "garbage"
		e.EndRaw = "garbage"
	}
	return e
}

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func ids(entries []model.ScheduleEntry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.RemoteID)
	}
	return out
}

func snapshot(t *testing.T, s *Store) ([]model.ScheduleEntry, []model.ScheduleEntry) {
	t.Helper()
	ctx := context.Background()
	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	abs, err := s.Absences(ctx)
	if err != nil {
		t.Fatalf("Absences failed: %v", err)
	}
	return all, abs
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	absence := entryAt(4, at(time.Hour))
	absence.PostCode = "ABSENT"
	absence.IsAbsence = true

	batch := []model.ScheduleEntry{
		entryAt(1, at(0)),
		entryAt(2, at(24*time.Hour)),
		entryAt(3, nil),
		absence,
	}

	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	allOnce, absOnce := snapshot(t, s)

	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	allTwice, absTwice := snapshot(t, s)

	if !reflect.DeepEqual(allOnce, allTwice) {
		t.Errorf("calendar stream changed after re-applying batch:\n%+v\n%+v", allOnce, allTwice)
	}
	if !reflect.DeepEqual(absOnce, absTwice) {
		t.Errorf("absence stream changed after re-applying batch")
	}

	idSet, err := s.IDs(ctx)
	if err != nil {
		t.Fatalf("IDs failed: %v", err)
	}
	if len(idSet) != 4 {
		t.Errorf("expected 4 stored ids, got %d", len(idSet))
	}
}

func TestUpsertBatchReplacesWholeRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := entryAt(10, at(0))
	first.Comment = strPtr("bring skis")
	if err := s.UpsertBatch(ctx, []model.ScheduleEntry{first}); err != nil {
		t.Fatal(err)
	}

	second := entryAt(10, at(3*time.Hour))
	second.PostLabel = "Cours particulier"
	second.Location = nil
	if err := s.UpsertBatch(ctx, []model.ScheduleEntry{second}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PostLabel != "Cours particulier" {
		t.Errorf("PostLabel = %q", got.PostLabel)
	}
	if got.Comment != nil || got.Location != nil {
		t.Errorf("expected full replace to clear optional fields, got comment=%v location=%v", got.Comment, got.Location)
	}
	if !got.StartAt.Equal(*second.StartAt) {
		t.Errorf("StartAt = %s, want %s", got.StartAt, second.StartAt)
	}
	if got.StartAt.Location().String() != esfdate.ReferenceZone {
		t.Errorf("StartAt location = %s", got.StartAt.Location())
	}
}

func TestAllOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []model.ScheduleEntry{
		entryAt(30, at(2*time.Hour)),
		entryAt(5, nil),
		entryAt(20, at(0)),
		entryAt(10, at(0)),
		entryAt(1, nil),
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{10, 20, 30, 1, 5}
	if got := ids(all); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestBetweenInclusiveAndUpcoming(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []model.ScheduleEntry{
		entryAt(1, at(-time.Hour)),
		entryAt(2, at(0)),
		entryAt(3, at(time.Hour)),
		entryAt(4, at(2*time.Hour)),
		entryAt(5, at(3*time.Hour)),
		entryAt(6, nil),
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	between, err := s.Between(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(between); !reflect.DeepEqual(got, []int64{2, 3, 4}) {
		t.Errorf("Between = %v", got)
	}

	upcoming, err := s.Upcoming(ctx, base.Add(time.Minute), 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(upcoming); !reflect.DeepEqual(got, []int64{3, 4}) {
		t.Errorf("Upcoming = %v", got)
	}

	none, err := s.Upcoming(ctx, base, 0)
	if err != nil || len(none) != 0 {
		t.Errorf("Upcoming with zero limit = %v, %v", none, err)
	}

	today, err := s.On(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(today); !reflect.DeepEqual(got, []int64{1, 2, 3, 4, 5}) {
		t.Errorf("On = %v", got)
	}
}

func TestPruneOlderThanKeepsUndatedEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []model.ScheduleEntry{
		entryAt(1, at(-40*24*time.Hour)),
		entryAt(2, at(-31*24*time.Hour)),
		entryAt(3, at(-29*24*time.Hour)),
		entryAt(4, nil),
		entryAt(5, at(24*time.Hour)),
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	cutoff := base.Add(-30 * 24 * time.Hour)
	n, err := s.PruneOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}

	all, _ := snapshot(t, s)
	for _, e := range all {
		if e.StartAt != nil && e.StartAt.Before(cutoff) {
			t.Errorf("entry %d survived prune with start %s", e.RemoteID, e.StartAt)
		}
	}
	if got := ids(all); !reflect.DeepEqual(got, []int64{3, 5, 4}) {
		t.Errorf("remaining = %v", got)
	}
}

func TestCountAndAbsenceStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	absence := entryAt(7, at(0))
	absence.IsAbsence = true
	batch := []model.ScheduleEntry{entryAt(1, at(0)), entryAt(2, at(time.Hour)), absence}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	all, abs := snapshot(t, s)
	if got := ids(all); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Errorf("calendar = %v", got)
	}
	if got := ids(abs); !reflect.DeepEqual(got, []int64{7}) {
		t.Errorf("absences = %v", got)
	}

	ok, err := s.Exists(ctx, 7)
	if err != nil || !ok {
		t.Errorf("Exists(7) = %v, %v", ok, err)
	}
	ok, err = s.Exists(ctx, 99)
	if err != nil || ok {
		t.Errorf("Exists(99) = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, 99); err != ErrNotFound {
		t.Errorf("Get(99) err = %v, want ErrNotFound", err)
	}
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertBatch(ctx, []model.ScheduleEntry{entryAt(1, at(0)), entryAt(2, nil)}); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	idSet, err := s.IDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(idSet) != 0 {
		t.Errorf("expected empty store, got %d ids", len(idSet))
	}
}

func TestWatchEmitsAfterCommit(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := s.Watch(ctx)

	recv := func() []model.ScheduleEntry {
		t.Helper()
		select {
		case snap, ok := <-updates:
			if !ok {
				t.Fatal("watch channel closed early")
			}
			return snap
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for snapshot")
		}
		return nil
	}

	if first := recv(); len(first) != 0 {
		t.Fatalf("initial snapshot = %v, want empty", ids(first))
	}

	if err := s.UpsertBatch(context.Background(), []model.ScheduleEntry{entryAt(1, at(0))}); err != nil {
		t.Fatal(err)
	}
	if got := ids(recv()); !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("after upsert = %v", got)
	}

	if err := s.ClearAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := recv(); len(got) != 0 {
		t.Errorf("after clear = %v", ids(got))
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			// A snapshot may have been in flight; the next receive must close.
			if _, ok := <-updates; ok {
				t.Error("expected channel to close after cancel")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not close after cancel")
	}
}
