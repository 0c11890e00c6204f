package model_test

import (
	"testing"
	"time"

	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"minutes", "PT15M", 15 * time.Minute, false},
		{"day and hours", "P1DT2H", 26 * time.Hour, false},
		{"fraction", "PT1.5S", 1500 * time.Millisecond, false},
		{"empty", "", 0, true},
		{"only P", "P", 0, true},
		{"dangling T", "P2DT", 0, true},
		{"minutes without T", "P2M", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			if tc.err {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     model.Schedule
		err      string
	}{
		{"iso", "PT10M", model.Schedule{Every: 10 * time.Minute}, ""},
		{"cron", "*/15 * * * *", model.Schedule{Cron: "*/15 * * * *"}, ""},
		{"macro", "@hourly", model.Schedule{Cron: "@hourly"}, ""},
		{"zero duration", "PT0S", model.Schedule{}, "must be positive"},
		{"bad cron", "* * 32 * *", model.Schedule{}, "end of range (32) above maximum (31)"},
		{"empty", "", model.Schedule{}, "empty cron expression"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			s, err := model.ParseSchedule(tc.given)
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, s)
		})
	}
}
