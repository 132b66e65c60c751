// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed five-field cron expression with minute resolution.
// Fields: minute hour day-of-month month day-of-week (0 = Sunday).
type CronExpr struct {
	minute     fieldSet
	hour       fieldSet
	dayOfMonth fieldSet
	month      fieldSet
	dayOfWeek  fieldSet
}

// fieldSet is a bitmask of allowed values for one cron field.
type fieldSet uint64

func (f fieldSet) has(v int) bool {
	return f&(1<<uint(v)) != 0
}

// ParseCron parses a cron expression.
// Examples:
//   - "0 * * * *" - every hour at minute 0
//   - "*/15 * * * *" - every 15 minutes
//   - "0 9 * * 1-5" - 9 AM on weekdays
func ParseCron(expr string) (*CronExpr, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{}
	specs := []struct {
		name string
		min  int
		max  int
		dst  *fieldSet
	}{
		{"minute", 0, 59, &c.minute},
		{"hour", 0, 23, &c.hour},
		{"day-of-month", 1, 31, &c.dayOfMonth},
		{"month", 1, 12, &c.month},
		{"day-of-week", 0, 6, &c.dayOfWeek},
	}
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		*spec.dst = set
	}
	return c, nil
}

// parseField parses one comma-separated cron field into a bitmask.
func parseField(field string, min, max int) (fieldSet, error) {
	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step: %s", part[idx+1:])
			}
			step = n
			part = part[:idx]
		}

		var start, end int
		switch {
		case part == "*":
			start, end = min, max
		case strings.Contains(part, "-"):
			idx := strings.Index(part, "-")
			var err error
			if start, err = strconv.Atoi(part[:idx]); err != nil {
				return 0, fmt.Errorf("invalid range start: %s", part[:idx])
			}
			if end, err = strconv.Atoi(part[idx+1:]); err != nil {
				return 0, fmt.Errorf("invalid range end: %s", part[idx+1:])
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("invalid value: %s", part)
			}
			start, end = n, n
		}

		if start < min || end > max || start > end {
			return 0, fmt.Errorf("range %d-%d outside [%d-%d]", start, end, min, max)
		}
		for v := start; v <= end; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// Next returns the first cron-matching instant strictly after from.
// A zero time is returned if no match exists within four years.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !c.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.dayOfMonth.has(t.Day()) || !c.dayOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !c.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// Latest returns the most recent cron-matching instant that is after
// from and not after until, or the zero time if none exists. It is used
// to fold a backlog of missed fires into the single most recent one.
func (c *CronExpr) Latest(from, until time.Time) time.Time {
	var latest time.Time
	t := from
	for {
		t = c.Next(t)
		if t.IsZero() || t.After(until) {
			return latest
		}
		latest = t
	}
}
