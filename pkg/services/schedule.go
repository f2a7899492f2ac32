package services

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

// CronExpression renders spec as a standard five-field cron expression with a
// CRON_TZ prefix. An empty timezone means UTC.
func CronExpression(spec models.ScheduleSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("unknown timezone %q: %w", tz, err)
	}

	var expr string
	switch spec.Type {
	case models.ScheduleHourly:
		expr = fmt.Sprintf("%d * * * *", spec.Minute)
	case models.ScheduleDaily:
		expr = fmt.Sprintf("%d %d * * *", spec.Minute, spec.Hour)
	case models.ScheduleWeekly:
		expr = fmt.Sprintf("%d %d * * %d", spec.Minute, spec.Hour, spec.DayOfWeek)
	case models.ScheduleMonthly:
		expr = fmt.Sprintf("%d %d %d * *", spec.Minute, spec.Hour, spec.DayOfMonth)
	}
	return "CRON_TZ=" + tz + " " + expr, nil
}

// NextRun returns the first fire time strictly after after, in UTC. Monthly
// schedules on a day a month lacks skip that month.
func NextRun(spec models.ScheduleSpec, after time.Time) (time.Time, error) {
	expr, err := CronExpression(spec)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse schedule %q: %w", expr, err)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", expr)
	}
	return next.UTC(), nil
}
