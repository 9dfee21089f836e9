package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-02 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

func TestComputeNextRun(t *testing.T) {
	twice := []string{"18:00", "09:00"}
	tests := []struct {
		name string
		desc Descriptor
		now  time.Time
		want time.Time
	}{
		{"daily later today", Descriptor{Frequency: "daily", Times: twice}, at(2, 10, 0), at(2, 18, 0)},
		{"daily rolls to tomorrow", Descriptor{Frequency: "daily", Times: twice}, at(2, 19, 0), at(3, 9, 0)},
		{"strictly after now", Descriptor{Frequency: "daily", Times: twice}, at(2, 9, 0), at(2, 18, 0)},
		{"weekdays skips weekend", Descriptor{Frequency: "weekdays", Times: []string{"09:00"}}, at(6, 9, 30), at(9, 9, 0)},
		{"weekends from monday", Descriptor{Frequency: "weekends", Times: []string{"07:15"}}, at(2, 12, 0), at(7, 7, 15)},
		{"custom days", Descriptor{Frequency: "custom", Days: []string{"wed", "Friday"}, Times: []string{"08:00"}}, at(4, 8, 0), at(6, 8, 0)},
		{"custom same weekday next week", Descriptor{Frequency: "custom", Days: []string{"mon"}, Times: []string{"08:00"}}, at(2, 8, 30), at(9, 8, 0)},
		{"cron", Descriptor{Frequency: "cron", Cron: "30 6 * * 1"}, at(2, 7, 0), at(9, 6, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeNextRun(tt.desc, tt.now)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestComputeNextRun_Timezone(t *testing.T) {
	desc := Descriptor{Frequency: "daily", Times: []string{"09:00"}, Timezone: "Europe/Stockholm"}

	// 07:30 UTC is 08:30 in Stockholm (CET, UTC+1).
	got, err := ComputeNextRun(desc, at(2, 7, 30))
	require.NoError(t, err)
	assert.True(t, got.Equal(at(2, 8, 0)), "got %v", got.UTC())

	cronDesc := Descriptor{Frequency: "cron", Cron: "0 9 * * *", Timezone: "Europe/Stockholm"}
	got, err = ComputeNextRun(cronDesc, at(2, 8, 30))
	require.NoError(t, err)
	assert.True(t, got.Equal(at(3, 8, 0)), "got %v", got.UTC())
}

func TestComputeNextRun_Invalid(t *testing.T) {
	bad := map[string]Descriptor{
		"no frequency":     {Times: []string{"09:00"}},
		"unknown":          {Frequency: "hourly", Times: []string{"09:00"}},
		"no times":         {Frequency: "daily"},
		"bad time":         {Frequency: "daily", Times: []string{"25:00"}},
		"not HH:MM":        {Frequency: "daily", Times: []string{"9am"}},
		"custom no days":   {Frequency: "custom", Times: []string{"09:00"}},
		"custom bad day":   {Frequency: "custom", Days: []string{"funday"}, Times: []string{"09:00"}},
		"cron empty":       {Frequency: "cron"},
		"cron malformed":   {Frequency: "cron", Cron: "every day"},
		"unknown timezone": {Frequency: "daily", Times: []string{"09:00"}, Timezone: "Mars/Olympus"},
	}
	for name, d := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeNextRun(d, at(2, 0, 0))
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}
