package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

func TestCronExpression(t *testing.T) {
	tests := []struct {
		name    string
		spec    models.ScheduleSpec
		want    string
		wantErr bool
	}{
		{"hourly", models.ScheduleSpec{Type: models.ScheduleHourly, Minute: 15}, "CRON_TZ=UTC 15 * * * *", false},
		{"daily", models.ScheduleSpec{Type: models.ScheduleDaily, Minute: 30, Hour: 2}, "CRON_TZ=UTC 30 2 * * *", false},
		{"weekly", models.ScheduleSpec{Type: models.ScheduleWeekly, Hour: 9, DayOfWeek: 1, Timezone: "Europe/Berlin"}, "CRON_TZ=Europe/Berlin 0 9 * * 1", false},
		{"monthly", models.ScheduleSpec{Type: models.ScheduleMonthly, Minute: 5, Hour: 6, DayOfMonth: 31}, "CRON_TZ=UTC 5 6 31 * *", false},
		{"bad minute", models.ScheduleSpec{Type: models.ScheduleHourly, Minute: 60}, "", true},
		{"bad hour", models.ScheduleSpec{Type: models.ScheduleDaily, Hour: 24}, "", true},
		{"bad weekday", models.ScheduleSpec{Type: models.ScheduleWeekly, DayOfWeek: 7}, "", true},
		{"bad day", models.ScheduleSpec{Type: models.ScheduleMonthly, DayOfMonth: 0}, "", true},
		{"bad type", models.ScheduleSpec{Type: "yearly"}, "", true},
		{"bad timezone", models.ScheduleSpec{Type: models.ScheduleHourly, Timezone: "Mars/Olympus"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CronExpression(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2024, 1, 31, 10, 20, 0, 0, time.UTC) // Wednesday

	tests := []struct {
		name string
		spec models.ScheduleSpec
		want time.Time
	}{
		{
			name: "hourly later this hour",
			spec: models.ScheduleSpec{Type: models.ScheduleHourly, Minute: 45},
			want: time.Date(2024, 1, 31, 10, 45, 0, 0, time.UTC),
		},
		{
			name: "hourly next hour",
			spec: models.ScheduleSpec{Type: models.ScheduleHourly, Minute: 20},
			want: time.Date(2024, 1, 31, 11, 20, 0, 0, time.UTC),
		},
		{
			name: "daily tomorrow",
			spec: models.ScheduleSpec{Type: models.ScheduleDaily, Minute: 0, Hour: 2},
			want: time.Date(2024, 2, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly monday",
			spec: models.ScheduleSpec{Type: models.ScheduleWeekly, Hour: 9, DayOfWeek: 1},
			want: time.Date(2024, 2, 5, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly skips short months",
			spec: models.ScheduleSpec{Type: models.ScheduleMonthly, Hour: 1, DayOfMonth: 30},
			want: time.Date(2024, 3, 30, 1, 0, 0, 0, time.UTC),
		},
		{
			name: "daily in new york",
			spec: models.ScheduleSpec{Type: models.ScheduleDaily, Hour: 6, Timezone: "America/New_York"},
			want: time.Date(2024, 1, 31, 11, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.spec, after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}
