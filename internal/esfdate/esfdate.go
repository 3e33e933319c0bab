// Package esfdate converts the portal's "/Date(ms±HHMM)/" tokens to and from
// time.Time values normalized into a single reference zone.
package esfdate

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	// The reference zone must resolve even on hosts without a tz database.
	_ "time/tzdata"
)

// ReferenceZone is the zone every stored timestamp is normalized into.
const ReferenceZone = "Europe/Paris"

var tokenPattern = regexp.MustCompile(`^/Date\((\d+)([+-]\d{4})?\)/$`)

// Codec decodes and encodes vendor date tokens relative to a fixed location.
type Codec struct {
	loc *time.Location
}

// New returns a Codec for loc. A nil loc falls back to UTC.
func New(loc *time.Location) Codec {
	if loc == nil {
		loc = time.UTC
	}
	return Codec{loc: loc}
}

// Reference loads ReferenceZone.
func Reference() (*time.Location, error) {
	return time.LoadLocation(ReferenceZone)
}

// MustReference is Reference for package-level setup and tests.
func MustReference() *time.Location {
	loc, err := Reference()
	if err != nil {
		panic(err)
	}
	return loc
}

// Location returns the zone decoded values are expressed in.
func (c Codec) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Decode parses raw. The millisecond count is the absolute instant; the
// optional offset is validated but only describes the sender's zone. Any
// malformed input yields ok == false.
func (c Codec) Decode(raw string) (time.Time, bool) {
	m := tokenPattern.FindStringSubmatch(raw)
	if m == nil {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	if m[2] != "" {
		if _, ok := parseOffset(m[2]); !ok {
			return time.Time{}, false
		}
	}

	return time.UnixMilli(ms).In(c.Location()), true
}

// Decode parses raw into loc. See Codec.Decode.
func Decode(raw string, loc *time.Location) (time.Time, bool) {
	return New(loc).Decode(raw)
}

// Instant formats t as a bare "/Date(ms)/" token, the form the portal
// expects in request parameters.
func Instant(t time.Time) string {
	return fmt.Sprintf("/Date(%d)/", t.UnixMilli())
}

// DecodePtr is Decode for nullable model fields.
func (c Codec) DecodePtr(raw string) *time.Time {
	t, ok := c.Decode(raw)
	if !ok {
		return nil
	}
	return &t
}

// Encode formats t as a vendor token carrying the reference-zone offset in
// effect at t. Sub-millisecond precision is dropped.
func (c Codec) Encode(t time.Time) string {
	local := t.In(c.Location())
	_, offset := local.Zone()
	return fmt.Sprintf("/Date(%d%s)/", local.UnixMilli(), formatOffset(offset))
}

// parseOffset turns "+0100" into seconds east of UTC.
func parseOffset(s string) (int, bool) {
	if len(s) != 5 {
		return 0, false
	}
	hh, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, false
	}
	mm, err := strconv.Atoi(s[3:5])
	if err != nil {
		return 0, false
	}
	if hh > 23 || mm > 59 {
		return 0, false
	}
	secs := hh*3600 + mm*60
	if s[0] == '-' {
		secs = -secs
	}
	return secs, true
}

func formatOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("%c%02d%02d", sign, secs/3600, (secs%3600)/60)
}
