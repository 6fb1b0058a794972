package usage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
)

// Unit is the width of a time bucket.
type Unit string

const (
	Hour  Unit = "hour"
	Day   Unit = "day"
	Week  Unit = "week"
	Month Unit = "month"
)

// DefaultUnit is used when a query leaves the unit empty.
const DefaultUnit = Hour

// ParseUnit validates a unit name. An empty string yields DefaultUnit.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return DefaultUnit, nil
	case Hour, Day, Week, Month:
		return u, nil
	default:
		return "", &telemetry.ValidationError{Field: "unit", Value: s, Reason: "must be one of hour, day, week, month"}
	}
}

// Truncate returns the start of the bucket containing t, as a wall-clock
// boundary in loc. Weeks start on Sunday.
func (u Unit) Truncate(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)

	switch u {
	case Hour:
		// Work on absolute time so the repeated hour at a DST fall-back
		// stays two buckets.
		_, offset := t.Zone()
		local := t.Unix() + int64(offset)
		local -= mod(local, 3600)
		return time.Unix(local-int64(offset), 0).In(loc)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case Week:
		return time.Date(t.Year(), t.Month(), t.Day()-int(t.Weekday()), 0, 0, 0, 0, loc)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	}
	return t
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Dimension is the identifier usage is grouped by.
type Dimension string

const (
	ByUser    Dimension = "userId"
	ByMachine Dimension = "machineId"
)

// ParseDimension accepts the wire names ("userId", "machineId") and the
// short forms used by the CLI and HTTP routes ("user(s)", "machine(s)").
func ParseDimension(s string) (Dimension, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "userid", "user", "users":
		return ByUser, nil
	case "machineid", "machine", "machines":
		return ByMachine, nil
	default:
		return "", &telemetry.ValidationError{Field: "dimension", Value: s, Reason: "must be userId or machineId"}
	}
}

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

// LoadLocation resolves an IANA zone name or a fixed "+HH:MM" offset.
// An empty name is UTC. "Local" is rejected because its meaning depends on
// the host the query happens to run on.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	switch name {
	case "", "UTC", "Z":
		return time.UTC, nil
	case "Local":
		return nil, &telemetry.ValidationError{Field: "timezone", Value: name, Reason: "host-local zone is not allowed"}
	}

	if m := offsetPattern.FindStringSubmatch(name); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes, _ := strconv.Atoi(m[3])
		if hours > 14 || minutes > 59 {
			return nil, &telemetry.ValidationError{Field: "timezone", Value: name, Reason: "offset out of range"}
		}
		secs := hours*3600 + minutes*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(name, secs), nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &telemetry.ValidationError{Field: "timezone", Value: name, Reason: "unknown time zone"}
	}
	return loc, nil
}

// ParseTime parses an ISO-8601 instant. Date-only values are midnight UTC.
func ParseTime(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &telemetry.ValidationError{Field: field, Reason: "required"}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, &telemetry.ValidationError{Field: field, Value: s, Reason: fmt.Sprintf("not an ISO-8601 timestamp (e.g. %s)", time.RFC3339)}
}
