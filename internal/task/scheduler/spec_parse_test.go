package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Spec
		desc string
	}{
		{raw: "300s", want: Spec{Every: 5 * time.Minute}, desc: "every 5m0s"},
		{raw: "@every 90s", want: Spec{Every: 90 * time.Second}, desc: "every 1m30s"},
		{raw: "@hourly", want: Spec{Cron: "@hourly"}, desc: "cron @hourly"},
		{raw: " */10  9-21 * * * ", want: Spec{Cron: "*/10 9-21 * * *"}, desc: "cron */10 9-21 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.desc, got.String())
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "  ", "soon", "0s", "-5m", "@every nope", "* * *"} {
		_, err := ParseSchedule(raw)
		require.Error(t, err, raw)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("03:00")
	require.NoError(t, err)
	require.Equal(t, 3, h)
	require.Equal(t, 0, m)

	for _, bad := range []string{"24:00", "12:60", "noon", "1200"} {
		_, _, err := parseHHMM(bad)
		require.Error(t, err, bad)
	}
}

func TestStaggeredEvery(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	sched, offset := staggeredEvery(time.Minute, now)
	require.GreaterOrEqual(t, offset, time.Duration(0))
	require.Less(t, offset, firstFireCap)

	first := sched.Next(now)
	require.Equal(t, now.Add(time.Minute+offset), first)
	require.Equal(t, first.Add(time.Minute).Truncate(time.Second), sched.Next(first))
}
