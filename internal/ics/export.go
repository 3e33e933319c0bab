// Package ics renders the cached calendar stream as an iCalendar feed.
package ics

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"esfcal/internal/esfdate"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// UIDDomain keeps event UIDs stable across exports.
const UIDDomain = "esf-calendar.local"

// Exporter builds VCALENDAR documents from schedule entries.
type Exporter struct {
	// Name is the X-WR-CALNAME shown by calendar clients.
	Name  string
	codec esfdate.Codec
}

// NewExporter returns an exporter rendering modification dates in loc.
func NewExporter(name string, loc *time.Location) *Exporter {
	if name == "" {
		name = "ESF"
	}
	return &Exporter{Name: name, codec: esfdate.New(loc)}
}

// UID is the stable iCalendar UID for a remote id.
func UID(remoteID int64) string {
	return "esf-" + strconv.FormatInt(remoteID, 10) + "@" + UIDDomain
}

// Calendar converts entries to a calendar. Entries lacking a decoded start
// or end cannot be placed and are skipped; so are absences.
func (x *Exporter) Calendar(entries []model.ScheduleEntry, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//esfcal//ESF planning export//FR")
	cal.SetXWRCalName(x.Name)
	cal.SetXWRTimezone(x.codec.Location().String())

	skipped := 0
	for _, e := range entries {
		if e.IsAbsence || e.StartAt == nil || e.EndAt == nil {
			skipped++
			continue
		}

		ev := cal.AddEvent(UID(e.RemoteID))
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(*e.StartAt)
		ev.SetEndAt(*e.EndAt)
		ev.SetSummary(e.Title())
		if e.Location != nil && *e.Location != "" {
			ev.SetLocation(*e.Location)
		}
		if desc := x.Description(e); desc != "" {
			ev.SetDescription(desc)
		}
		ev.SetStatus(ical.ObjectStatusConfirmed)
	}

	if skipped > 0 {
		appLog.Debug("ics export skipped entries", "count", skipped)
	}
	return cal
}

// Write serializes the calendar for entries to w.
func (x *Exporter) Write(w io.Writer, entries []model.ScheduleEntry, stamp time.Time) error {
	_, err := io.WriteString(w, x.Calendar(entries, stamp).Serialize())
	return err
}

// Description lists level, language, students, activity, modification date
// and comments, one per line.
func (x *Exporter) Description(e model.ScheduleEntry) string {
	var lines []string
	if e.Activity != nil && *e.Activity != "" {
		lines = append(lines, "Activité: "+*e.Activity)
	}
	if e.Level != nil && *e.Level != "" {
		lines = append(lines, "Niveau: "+*e.Level)
	}
	if e.Language != nil && *e.Language != "" {
		lang := "Langue: " + *e.Language
		if e.StudentCount != nil {
			lang += fmt.Sprintf(" (%d élèves)", *e.StudentCount)
		}
		lines = append(lines, lang)
	} else if e.StudentCount != nil {
		lines = append(lines, fmt.Sprintf("Élèves: %d", *e.StudentCount))
	}
	if e.ModifiedRaw != nil {
		if t, ok := x.codec.Decode(*e.ModifiedRaw); ok {
			lines = append(lines, "Modifié le "+t.Format("02/01/2006 15:04"))
		}
	}
	if e.Comment != nil && strings.TrimSpace(*e.Comment) != "" {
		lines = append(lines, strings.TrimSpace(*e.Comment))
	}
	if e.MonitorComment != nil && strings.TrimSpace(*e.MonitorComment) != "" {
		lines = append(lines, strings.TrimSpace(*e.MonitorComment))
	}
	return strings.Join(lines, "\n")
}
