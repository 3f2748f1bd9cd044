package autoflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind discriminates the supported schedule expression forms.
type ScheduleKind int

const (
	// ScheduleEvery fires repeatedly on a fixed interval.
	ScheduleEvery ScheduleKind = iota
	// ScheduleDaily fires once per day at a wall-clock time.
	ScheduleDaily
	// ScheduleOnce fires a single time at an absolute timestamp.
	ScheduleOnce
)

// ScheduleSpec is a parsed schedule expression.
type ScheduleSpec struct {
	Kind     ScheduleKind
	Interval time.Duration // ScheduleEvery
	Hour     int           // ScheduleDaily
	Minute   int           // ScheduleDaily
	At       time.Time     // ScheduleOnce
	Location *time.Location
}

var intervalUnits = map[string]time.Duration{
	"second":  time.Second,
	"seconds": time.Second,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
}

// ParseScheduleExpression parses one of three expression forms:
//
//	"every N seconds|minutes|hours|days"   e.g. "every 5 minutes"
//	"daily at HH:MM"                       e.g. "daily at 09:30"
//	"once at <RFC3339>"                    e.g. "once at 2026-09-01T08:00:00Z"
//
// timezone names an IANA time.Location for daily schedules; empty means
// UTC.
func ParseScheduleExpression(expression, timezone string) (*ScheduleSpec, error) {
	loc := time.UTC
	if timezone != "" {
		parsed, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		loc = parsed
	}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(expression)))
	switch {
	case len(fields) == 3 && fields[0] == "every":
		count, err := strconv.Atoi(fields[1])
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("invalid interval count in %q", expression)
		}
		unit, ok := intervalUnits[fields[2]]
		if !ok {
			return nil, fmt.Errorf("invalid interval unit %q in %q", fields[2], expression)
		}
		return &ScheduleSpec{Kind: ScheduleEvery, Interval: time.Duration(count) * unit, Location: loc}, nil

	case len(fields) == 3 && fields[0] == "daily" && fields[1] == "at":
		parts := strings.Split(fields[2], ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid daily time %q, want HH:MM", fields[2])
		}
		hour, err := strconv.Atoi(parts[0])
		if err != nil || hour < 0 || hour > 23 {
			return nil, fmt.Errorf("invalid hour in %q", fields[2])
		}
		minute, err := strconv.Atoi(parts[1])
		if err != nil || minute < 0 || minute > 59 {
			return nil, fmt.Errorf("invalid minute in %q", fields[2])
		}
		return &ScheduleSpec{Kind: ScheduleDaily, Hour: hour, Minute: minute, Location: loc}, nil

	case len(fields) >= 3 && fields[0] == "once" && fields[1] == "at":
		stamp := strings.TrimSpace(expression[strings.Index(strings.ToLower(expression), "at")+2:])
		at, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp in %q: %w", expression, err)
		}
		return &ScheduleSpec{Kind: ScheduleOnce, At: at, Location: loc}, nil

	default:
		return nil, fmt.Errorf("unrecognized schedule expression %q", expression)
	}
}

// Next returns the next fire time strictly after from, or the zero time
// when the schedule has no further firings.
func (s *ScheduleSpec) Next(from time.Time) time.Time {
	switch s.Kind {
	case ScheduleEvery:
		return from.Add(s.Interval)
	case ScheduleDaily:
		local := from.In(s.Location)
		next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, s.Location)
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case ScheduleOnce:
		if s.At.After(from) {
			return s.At
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}
