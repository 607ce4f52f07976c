package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/memberbridge/pkg/schedule"
)

func TestEvery(t *testing.T) {
	t.Parallel()

	s := schedule.Every(30 * time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(30*time.Second), s.Next(base))
	assert.Equal(t, "every 30s", s.String())

	assert.Equal(t, "every 1m0s", schedule.Every(0).String())
}

func TestDailyAt(t *testing.T) {
	t.Parallel()

	t.Run("later today", func(t *testing.T) {
		t.Parallel()
		s := schedule.DailyAt(14, 30)
		base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC), s.Next(base))
		assert.Equal(t, "daily at 14:30", s.String())
	})

	t.Run("exactly at run time moves to tomorrow", func(t *testing.T) {
		t.Parallel()
		s := schedule.Daily()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), s.Next(base))
	})

	t.Run("month boundary", func(t *testing.T) {
		t.Parallel()
		s := schedule.DailyAt(0, 0)
		base := time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), s.Next(base))
	})

	t.Run("clamps out of range values", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "daily at 23:59", schedule.DailyAt(25, 75).String())
		assert.Equal(t, "daily at 00:00", schedule.DailyAt(-1, -1).String())
	})
}

func TestHourlyAt(t *testing.T) {
	t.Parallel()

	s := schedule.HourlyAt(30)
	assert.Equal(t,
		time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC),
		s.Next(time.Date(2026, 3, 1, 14, 15, 0, 0, time.UTC)),
	)
	assert.Equal(t,
		time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC),
		s.Next(time.Date(2026, 3, 1, 14, 45, 0, 0, time.UTC)),
	)
	assert.Equal(t, "hourly at :30", s.String())
}
