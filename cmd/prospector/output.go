package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kalambet/prospector/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s storage.JobStatus) string {
	switch s {
	case storage.JobCompleted:
		return colorGreen
	case storage.JobFailed:
		return colorRed
	case storage.JobCancelled:
		return colorYellow
	default:
		return colorCyan
	}
}

// countsLine renders the per-status item counts of a job.
func countsLine(j storage.Job) string {
	return fmt.Sprintf("%d total, %s, %s, %d skipped, %d pending, %d running",
		j.Total,
		colorize(colorGreen, fmt.Sprintf("%d succeeded", j.Success)),
		colorize(colorRed, fmt.Sprintf("%d failed", j.Fail)),
		j.Skip, j.Pending, j.Running,
	)
}

// printJob shows a job with its outcome counts up front. A completed job can
// still have failed every item, so that case is called out.
func printJob(j storage.Job) {
	printStatus("Job", "%s", j.ID)
	printStatus("Status", "%s", colorize(statusColor(j.Status), string(j.Status)))
	if j.IsScheduled {
		printStatus("Schedule", "%s", scheduleLabel(j))
	} else {
		printStatus("Items", "%s", countsLine(j))
	}
	if j.TenantID != "" {
		printStatus("Tenant", "%s", j.TenantID)
	}
	if j.ParentID != "" {
		printStatus("From schedule", "%s", j.ParentID)
	}
	printStatus("Created", "%s", j.CreatedAt.Local().Format(time.DateTime))
	if j.CompletedAt != nil {
		printStatus("Finished", "%s", j.CompletedAt.Local().Format(time.DateTime))
	}
	if j.Error != "" {
		printStatus("Error", "%s", colorize(colorRed, j.Error))
	}

	if j.Status == storage.JobCompleted && j.Total > 0 && j.Fail == j.Total {
		printWarning("every item failed")
	} else if j.Status == storage.JobCompleted && j.Fail > 0 {
		printWarning("%d of %d items failed", j.Fail, j.Total)
	}
}

func scheduleLabel(j storage.Job) string {
	if j.Schedule == nil {
		return "(none)"
	}
	s := j.Schedule.Frequency
	if j.Schedule.Cron != "" {
		s += " " + j.Schedule.Cron
	}
	for _, t := range j.Schedule.Times {
		s += " " + t
	}
	if j.Schedule.Timezone != "" {
		s += " " + j.Schedule.Timezone
	}
	if j.Status == storage.JobCancelled {
		return s + ", disabled"
	}
	if j.NextRunAt != nil {
		s += ", next " + j.NextRunAt.Local().Format(time.DateTime)
	}
	return s
}
