// Package policy persists the user's SyncPolicy and broadcasts changes.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"esfcal/internal/config"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid sync policy")

// Validate checks the user-settable fields of p.
func Validate(p model.SyncPolicy) error {
	if !slices.Contains(model.SyncIntervals, p.SyncIntervalMinutes) {
		return fmt.Errorf("%w: sync interval %d not in %v", ErrInvalid, p.SyncIntervalMinutes, model.SyncIntervals)
	}
	if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 23 {
		return fmt.Errorf("%w: hours must be within 0-23", ErrInvalid)
	}
	if p.StartHour > p.EndHour {
		return fmt.Errorf("%w: start hour %d after end hour %d", ErrInvalid, p.StartHour, p.EndHour)
	}
	return nil
}

// Store is a file-backed SyncPolicy with change subscriptions.
type Store struct {
	path string

	mu   sync.Mutex
	cur  model.SyncPolicy
	subs map[chan model.SyncPolicy]struct{}
}

// Open loads the policy at path. A missing file yields the defaults; a file
// with invalid settings is reset to the defaults (LastSyncAt is kept).
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("policy path is empty")
	}
	p, err := load(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path: path,
		cur:  p,
		subs: make(map[chan model.SyncPolicy]struct{}),
	}, nil
}

func load(path string) (model.SyncPolicy, error) {
	p := model.DefaultSyncPolicy()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// first run
	case err != nil:
		return p, err
	default:
		var loaded model.SyncPolicy
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return p, fmt.Errorf("policy: parse %s: %w", path, err)
		}
		if verr := Validate(loaded); verr != nil {
			appLog.Warn("policy file invalid, using defaults", "path", path, "error", verr.Error())
			p.LastSyncAt = loaded.LastSyncAt
		} else {
			p = loaded
		}
	}
	return p, nil
}

// Get returns the current policy.
func (s *Store) Get() model.SyncPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Subscribe returns a channel that receives the current policy and then
// every later change. Only the latest value is buffered; a slow reader
// skips intermediate states. The channel closes when ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan model.SyncPolicy {
	ch := make(chan model.SyncPolicy, 1)

	s.mu.Lock()
	ch <- s.cur
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Update replaces the user-settable fields of the policy. LastSyncAt is
// left untouched.
func (s *Store) Update(p model.SyncPolicy) error {
	if err := Validate(p); err != nil {
		return err
	}
	return s.mutate(func(cur *model.SyncPolicy) {
		last := cur.LastSyncAt
		*cur = p
		cur.LastSyncAt = last
	})
}

// SetInterval sets the periodic interval in minutes; 0 means manual.
func (s *Store) SetInterval(minutes int) error {
	return s.mutate(func(p *model.SyncPolicy) { p.SyncIntervalMinutes = minutes })
}

// SetHours sets the inclusive allowed-hour window.
func (s *Store) SetHours(start, end int) error {
	return s.mutate(func(p *model.SyncPolicy) {
		p.StartHour = start
		p.EndHour = end
	})
}

func (s *Store) SetWifiOnly(v bool) error {
	return s.mutate(func(p *model.SyncPolicy) { p.WifiOnly = v })
}

func (s *Store) SetRespectBatteryFloor(v bool) error {
	return s.mutate(func(p *model.SyncPolicy) { p.RespectBatteryFloor = v })
}

func (s *Store) SetNotificationsEnabled(v bool) error {
	return s.mutate(func(p *model.SyncPolicy) { p.NotificationsEnabled = v })
}

// SetLastSyncAt records the completion time of a successful cycle.
func (s *Store) SetLastSyncAt(t time.Time) error {
	return s.mutate(func(p *model.SyncPolicy) { p.LastSyncAt = t })
}

// Refresh re-reads the file and notifies subscribers if another process
// changed it. It reports whether the policy changed.
func (s *Store) Refresh() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := load(s.path)
	if err != nil {
		return false, err
	}
	if equal(p, s.cur) {
		return false, nil
	}
	s.cur = p
	s.broadcastLocked(p)
	return true, nil
}

// Poll calls Refresh every interval until ctx is done.
func (s *Store) Poll(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			changed, err := s.Refresh()
			if err != nil {
				appLog.Error("policy refresh failed", err, "path", s.path)
				continue
			}
			if changed {
				appLog.Info("policy changed on disk", "path", s.path)
			}
		}
	}
}

// mutate re-reads the file, applies fn, validates and persists the result,
// then notifies subscribers. Starting from the file keeps changes written by
// other processes. The in-memory policy only changes if the write succeeds.
func (s *Store) mutate(fn func(p *model.SyncPolicy)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := load(s.path)
	if err != nil {
		return err
	}
	fn(&next)
	if err := Validate(next); err != nil {
		return err
	}

	data, err := yaml.Marshal(&next)
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("policy: save: %w", err)
	}
	s.cur = next
	s.broadcastLocked(next)
	return nil
}

func (s *Store) broadcastLocked(p model.SyncPolicy) {
	for ch := range s.subs {
		// Replace any unread value with the latest one.
		select {
		case <-ch:
		default:
		}
		ch <- p
	}
}

func equal(a, b model.SyncPolicy) bool {
	la, lb := a.LastSyncAt, b.LastSyncAt
	a.LastSyncAt, b.LastSyncAt = time.Time{}, time.Time{}
	return a == b && la.Equal(lb)
}
