package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func nyMillis(year int, month time.Month, day, hour, minute int) int64 {
	return time.Date(year, month, day, hour, minute, 0, 0, NYLocation()).UnixMilli()
}

func TestIsMarketHours(t *testing.T) {
	tests := []struct {
		name string
		ms   int64
		want bool
	}{
		{"tuesday mid-session", nyMillis(2024, 3, 5, 10, 30), true},
		{"tuesday open boundary", nyMillis(2024, 3, 5, 9, 30), true},
		{"tuesday before open", nyMillis(2024, 3, 5, 9, 29), false},
		{"tuesday at close", nyMillis(2024, 3, 5, 16, 0), false},
		{"saturday", nyMillis(2024, 3, 9, 12, 0), false},
		{"sunday", nyMillis(2024, 3, 10, 12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMarketHours(tt.ms))
		})
	}
}

func TestIsExtendedHours(t *testing.T) {
	assert.True(t, IsExtendedHours(nyMillis(2024, 3, 5, 7, 0)), "pre-market")
	assert.True(t, IsExtendedHours(nyMillis(2024, 3, 5, 17, 30)), "post-market")
	assert.False(t, IsExtendedHours(nyMillis(2024, 3, 5, 12, 0)), "regular session is not extended")
	assert.False(t, IsExtendedHours(nyMillis(2024, 3, 5, 21, 0)), "late night")
	assert.False(t, IsExtendedHours(nyMillis(2024, 3, 9, 7, 0)), "weekend")
}

func TestIsSameNYDay(t *testing.T) {
	// 23:30 and 00:30 ET straddle the local midnight
	late := nyMillis(2024, 3, 5, 23, 30)
	early := nyMillis(2024, 3, 6, 0, 30)

	assert.False(t, IsSameNYDay(late, early))
	assert.True(t, IsSameNYDay(late, nyMillis(2024, 3, 5, 1, 0)))
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	assert.Equal(t, start.UnixMilli(), clk.NowMS())
	clk.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second).UnixMilli(), clk.NowMS())
}
