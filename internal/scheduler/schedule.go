package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/prospector/internal/storage"
)

// Descriptor is the recurrence rule of a recurring job definition.
type Descriptor = storage.Schedule

const (
	FrequencyDaily    = "daily"
	FrequencyWeekdays = "weekdays"
	FrequencyWeekends = "weekends"
	FrequencyCustom   = "custom"
	FrequencyCron     = "cron"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type clock struct{ hour, minute int }

// ComputeNextRun returns the earliest run strictly after now allowed by d.
func ComputeNextRun(d Descriptor, now time.Time) (time.Time, error) {
	loc := time.UTC
	if d.Timezone != "" {
		l, err := time.LoadLocation(d.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, d.Timezone, err)
		}
		loc = l
	}

	freq := strings.ToLower(strings.TrimSpace(d.Frequency))
	if freq == FrequencyCron {
		expr := strings.TrimSpace(d.Cron)
		if expr == "" {
			return time.Time{}, fmt.Errorf("%w: cron frequency needs a cron expression", ErrInvalidSchedule)
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidSchedule, expr)
		}
		return next, nil
	}

	allowed, err := allowedDays(freq, d.Days)
	if err != nil {
		return time.Time{}, err
	}
	times, err := parseTimes(d.Times)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	// Eight days covers a run on the same weekday next week.
	for offset := 0; offset <= 7; offset++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+offset, 0, 0, 0, 0, loc)
		if !allowed[day.Weekday()] {
			continue
		}
		for _, c := range times {
			candidate := time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.minute, 0, 0, loc)
			if candidate.After(now) {
				return candidate, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("%w: no run within a week", ErrInvalidSchedule)
}

// Validate reports whether d can produce a next run.
func Validate(d Descriptor) error {
	_, err := ComputeNextRun(d, time.Now())
	return err
}

func allowedDays(freq string, days []string) (map[time.Weekday]bool, error) {
	allowed := make(map[time.Weekday]bool, 7)
	switch freq {
	case FrequencyDaily:
		for d := time.Sunday; d <= time.Saturday; d++ {
			allowed[d] = true
		}
	case FrequencyWeekdays:
		for d := time.Monday; d <= time.Friday; d++ {
			allowed[d] = true
		}
	case FrequencyWeekends:
		allowed[time.Saturday] = true
		allowed[time.Sunday] = true
	case FrequencyCustom:
		if len(days) == 0 {
			return nil, fmt.Errorf("%w: custom frequency needs days", ErrInvalidSchedule)
		}
		for _, name := range days {
			wd, ok := dayNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, fmt.Errorf("%w: unknown day %q", ErrInvalidSchedule, name)
			}
			allowed[wd] = true
		}
	case "":
		return nil, fmt.Errorf("%w: frequency is required", ErrInvalidSchedule)
	default:
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, freq)
	}
	return allowed, nil
}

func parseTimes(raw []string) ([]clock, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one time of day is required", ErrInvalidSchedule)
	}
	out := make([]clock, 0, len(raw))
	for _, s := range raw {
		h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
		if !ok {
			return nil, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidSchedule, s)
		}
		hour, err1 := strconv.Atoi(h)
		minute, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return nil, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidSchedule, s)
		}
		out = append(out, clock{hour, minute})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].hour != out[j].hour {
			return out[i].hour < out[j].hour
		}
		return out[i].minute < out[j].minute
	})
	return out, nil
}
