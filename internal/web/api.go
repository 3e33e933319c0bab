package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"esfcal/internal/esfdate"
	"esfcal/internal/ics"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
	"esfcal/internal/policy"
)

const (
	defaultUpcomingLimit = 20
	maxUpcomingLimit     = 500
	defaultRangeDays     = 31
	maxPolicyBody        = 64 << 10
)

// entryDTO is a JSON-friendly view of a schedule entry.
type entryDTO struct {
	ID             int64      `json:"id"`
	UID            string     `json:"uid"`
	Title          string     `json:"title"`
	PostCode       string     `json:"post_code"`
	PostLabel      string     `json:"post_label"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	StartRaw       string     `json:"start_raw"`
	EndRaw         string     `json:"end_raw"`
	IsAbsence      bool       `json:"is_absence"`
	Location       *string    `json:"location,omitempty"`
	Activity       *string    `json:"activity,omitempty"`
	Level          *string    `json:"level,omitempty"`
	Language       *string    `json:"language,omitempty"`
	StudentCount   *int       `json:"student_count,omitempty"`
	Comment        *string    `json:"comment,omitempty"`
	MonitorComment *string    `json:"monitor_comment,omitempty"`
	Modified       *time.Time `json:"modified,omitempty"`
	SyncedAt       time.Time  `json:"synced_at"`
}

// eventsResponse is the JSON response shape for the event lists.
type eventsResponse struct {
	Events     []entryDTO `json:"events"`
	RangeStart *time.Time `json:"range_start,omitempty"`
	RangeEnd   *time.Time `json:"range_end,omitempty"`
	Timezone   string     `json:"timezone"`
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	State               string             `json:"state"`
	Authenticated       bool               `json:"authenticated"`
	LastOutcome         *model.SyncOutcome `json:"last_outcome,omitempty"`
	LastSyncAt          *time.Time         `json:"last_sync_at,omitempty"`
	NextRun             *time.Time         `json:"next_run,omitempty"`
	NextEligible        *time.Time         `json:"next_eligible,omitempty"`
	Count               int                `json:"count"`
	SyncIntervalMinutes int                `json:"sync_interval_minutes"`
}

func (s *Server) toDTOs(entries []model.ScheduleEntry) []entryDTO {
	out := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		d := entryDTO{
			ID:             e.RemoteID,
			UID:            ics.UID(e.RemoteID),
			Title:          e.Title(),
			PostCode:       e.PostCode,
			PostLabel:      e.PostLabel,
			Start:          e.StartAt,
			End:            e.EndAt,
			StartRaw:       e.StartRaw,
			EndRaw:         e.EndRaw,
			IsAbsence:      e.IsAbsence,
			Location:       e.Location,
			Activity:       e.Activity,
			Level:          e.Level,
			Language:       e.Language,
			StudentCount:   e.StudentCount,
			Comment:        e.Comment,
			MonitorComment: e.MonitorComment,
			SyncedAt:       e.SyncedAt,
		}
		if e.ModifiedRaw != nil {
			if t, ok := esfdate.Decode(*e.ModifiedRaw, s.loc); ok {
				d.Modified = &t
			}
		}
		out = append(out, d)
	}
	return out
}

// handleEvents returns the calendar stream.
//
// GET /api/events                       every calendar entry
// GET /api/events?day=2025-03-05        entries starting that day
// GET /api/events?from=...&to=...       entries starting in [from, to]
//
// from/to accept RFC 3339 or YYYY-MM-DD in the reference zone; a bare date
// for to covers the whole day. A missing bound defaults to today and
// today+31 days.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	resp := eventsResponse{Timezone: s.loc.String()}

	var (
		entries []model.ScheduleEntry
		err     error
	)
	switch {
	case q.Get("day") != "":
		day, perr := time.ParseInLocation(time.DateOnly, q.Get("day"), s.loc)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid day")
			return
		}
		entries, err = s.deps.Calendar.On(ctx, day)
		end := day.AddDate(0, 0, 1).Add(-time.Millisecond)
		resp.RangeStart, resp.RangeEnd = &day, &end

	case q.Get("from") != "" || q.Get("to") != "":
		start, end, perr := s.parseRange(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		entries, err = s.deps.Calendar.Between(ctx, start, end)
		resp.RangeStart, resp.RangeEnd = &start, &end

	default:
		entries, err = s.deps.Calendar.All(ctx)
	}
	if err != nil {
		appLog.Error("api events: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	resp.Events = s.toDTOs(entries)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parseRange(from, to string) (start, end time.Time, err error) {
	now := s.deps.Now().In(s.loc)
	start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if from != "" {
		if start, _, err = s.parseTime(from); err != nil {
			return start, end, fmt.Errorf("invalid from: %w", err)
		}
	}

	end = start.AddDate(0, 0, defaultRangeDays)
	if to != "" {
		var dateOnly bool
		if end, dateOnly, err = s.parseTime(to); err != nil {
			return start, end, fmt.Errorf("invalid to: %w", err)
		}
		if dateOnly {
			end = end.AddDate(0, 0, 1).Add(-time.Millisecond)
		}
	}

	if end.Before(start) {
		return start, end, errors.New("to is before from")
	}
	return start, end, nil
}

func (s *Server) parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(s.loc), false, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, s.loc)
	if err != nil {
		return time.Time{}, false, errors.New("want RFC 3339 or YYYY-MM-DD")
	}
	return t, true, nil
}

// handleUpcoming returns the next entries from now.
//
// GET /api/events/upcoming?limit=20
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultUpcomingLimit)
	if limit <= 0 {
		limit = defaultUpcomingLimit
	}
	limit = min(limit, maxUpcomingLimit)

	now := s.deps.Now()
	entries, err := s.deps.Calendar.Upcoming(r.Context(), now, limit)
	if err != nil {
		appLog.Error("api upcoming: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	start := now.In(s.loc)
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     s.toDTOs(entries),
		RangeStart: &start,
		Timezone:   s.loc.String(),
	})
}

// handleAbsences returns the absence stream, kept apart from the calendar.
func (s *Server) handleAbsences(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Calendar.Absences(r.Context())
	if err != nil {
		appLog.Error("api absences: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load absences")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:   s.toDTOs(entries),
		Timezone: s.loc.String(),
	})
}

// handleStream pushes the calendar stream as server-sent events: one
// "calendar" event with the full snapshot on connect and after every
// committed change.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	appLog.Debug("event stream opened", "remote", r.RemoteAddr)
	defer appLog.Debug("event stream closed", "remote", r.RemoteAddr)

	for snapshot := range s.deps.Calendar.Watch(ctx) {
		data, err := json.Marshal(s.toDTOs(snapshot))
		if err != nil {
			appLog.Error("event stream: marshal failed", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: calendar\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleStatus summarizes the scheduler for the status screen.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := s.deps.Policies.Get()

	resp := statusResponse{
		State:               s.deps.Engine.State().String(),
		Authenticated:       s.deps.Sessions.Exists(ctx),
		LastSyncAt:          timeOrNil(p.LastSyncAt),
		NextRun:             timeOrNil(s.deps.Runner.NextRun()),
		NextEligible:        timeOrNil(s.deps.Runner.NextEligible()),
		SyncIntervalMinutes: p.SyncIntervalMinutes,
	}
	if last, ok := s.deps.Runner.Last(); ok {
		resp.LastOutcome = &last
	}

	n, err := s.deps.Calendar.Count(ctx)
	if err != nil {
		appLog.Error("api status: count failed", err)
		writeError(w, http.StatusInternalServerError, "failed to count events")
		return
	}
	resp.Count = n

	writeJSON(w, http.StatusOK, resp)
}

// handleSync runs a manual cycle, bypassing the policy gate, and returns
// its outcome. A cycle already in progress yields a skipped outcome.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	out := s.deps.Runner.SyncNow(r.Context())
	appLog.Info("api manual sync", "outcome", out.String())
	writeJSON(w, http.StatusOK, out)
}

// handleLogout disarms the scheduler and wipes the session and the cache.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Runner.Logout(r.Context()); err != nil {
		appLog.Error("api logout failed", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Policies.Get())
}

// handlePutPolicy replaces the user-settable policy fields. last_sync_at
// in the body is ignored.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.SyncPolicy
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPolicyBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy body")
		return
	}

	if err := s.deps.Policies.Update(p); err != nil {
		if errors.Is(err, policy.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("api policy update failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save policy")
		return
	}

	appLog.Info("sync policy updated",
		"interval_minutes", p.SyncIntervalMinutes,
		"start_hour", p.StartHour,
		"end_hour", p.EndHour,
		"wifi_only", p.WifiOnly,
	)
	writeJSON(w, http.StatusOK, s.deps.Policies.Get())
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
