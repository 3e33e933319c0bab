package store

import (
	"context"

	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// Watch subscribes to the calendar stream. The returned channel receives
// the current snapshot immediately and a fresh one after every committed
// write; writes that land while a snapshot is pending are coalesced. The
// channel is closed when ctx is done.
func (s *Store) Watch(ctx context.Context) <-chan []model.ScheduleEntry {
	out := make(chan []model.ScheduleEntry)
	sub := &subscriber{wake: make(chan struct{}, 1)}
	sub.wake <- struct{}{}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.subsMu.Lock()
			delete(s.subs, sub)
			s.subsMu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
			}

			snapshot, err := s.All(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				appLog.Error("store watch: snapshot failed", err)
				continue
			}

			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// notify wakes every subscriber without blocking the writer.
func (s *Store) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
			// A wake-up is already pending.
		}
	}
}
