// Package calendar computes cron-like fire times from field-set specs.
//
// A Spec restricts each of the five classic cron fields (minute, hour, day of
// month, month, day of week) to a set of allowed values, with nil meaning
// "any". Next-fire computation follows standard cron semantics, including the
// day-of-month/day-of-week OR rule when both are restricted, and is local-time
// aware: times are evaluated in the Location of the time passed in.
package calendar

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

type fieldDef struct {
	name string
	min  int
	max  int
}

var fieldDefs = [5]fieldDef{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day_of_month", 1, 31},
	{"month", 1, 12},
	{"day_of_week", 0, 6}, // 0 = Sunday, cron convention
}

// Spec is a validated calendar specification. The zero value is not usable;
// construct with New.
type Spec struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int

	schedule cron.Schedule
}

// New validates the five field sets and builds a Spec. A nil field means
// "any". Values outside the cron ranges fail with a config error.
func New(minute, hour, dayOfMonth, month, dayOfWeek []int) (*Spec, error) {
	fields := [5][]int{minute, hour, dayOfMonth, month, dayOfWeek}
	normalized := [5][]int{}
	for i, vals := range fields {
		def := fieldDefs[i]
		if vals == nil {
			continue
		}
		if len(vals) == 0 {
			return nil, ferrors.ConfigError("calendar field restricted to an empty set").
				WithContext("field", def.name).
				Build()
		}
		out := slices.Clone(vals)
		slices.Sort(out)
		out = slices.Compact(out)
		for _, v := range out {
			if v < def.min || v > def.max {
				return nil, ferrors.ConfigError("calendar field value out of range").
					WithContext("field", def.name).
					WithContext("value", v).
					Build()
			}
		}
		normalized[i] = out
	}

	s := &Spec{
		minute:     normalized[0],
		hour:       normalized[1],
		dayOfMonth: normalized[2],
		month:      normalized[3],
		dayOfWeek:  normalized[4],
	}

	schedule, err := cron.ParseStandard(s.String())
	if err != nil {
		// Unreachable for validated fields; surface it rather than panic.
		return nil, ferrors.ConfigError("calendar spec failed to parse").
			WithCause(err).
			WithContext("spec", s.String()).
			Build()
	}
	s.schedule = schedule
	return s, nil
}

// ParseField parses a config calendar field: "*" (or empty) means any,
// otherwise a comma-separated list of integers.
func ParseField(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, ferrors.ConfigError("calendar field is not a comma-separated integer list").
				WithContext("field_value", s).
				Build()
		}
		out = append(out, v)
	}
	return out, nil
}

func renderField(vals []int) string {
	if vals == nil {
		return "*"
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// String renders the canonical five-field cron expression.
func (s *Spec) String() string {
	return fmt.Sprintf("%s %s %s %s %s",
		renderField(s.minute),
		renderField(s.hour),
		renderField(s.dayOfMonth),
		renderField(s.month),
		renderField(s.dayOfWeek))
}

// Next returns the smallest time strictly greater than after that satisfies
// the spec, evaluated in after's Location.
func (s *Spec) Next(after time.Time) time.Time {
	return s.schedule.Next(after)
}

// Matches reports whether t (to minute resolution, in t's Location) satisfies
// the spec. Minute, hour and month always AND together; day-of-month and
// day-of-week OR when both are restricted, per standard cron.
func (s *Spec) Matches(t time.Time) bool {
	if !contains(s.minute, t.Minute()) {
		return false
	}
	if !contains(s.hour, t.Hour()) {
		return false
	}
	if !contains(s.month, int(t.Month())) {
		return false
	}

	domOK := contains(s.dayOfMonth, t.Day())
	dowOK := contains(s.dayOfWeek, int(t.Weekday()))
	if s.dayOfMonth != nil && s.dayOfWeek != nil {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// contains treats nil as "any value allowed".
func contains(vals []int, v int) bool {
	if vals == nil {
		return true
	}
	return slices.Contains(vals, v)
}
