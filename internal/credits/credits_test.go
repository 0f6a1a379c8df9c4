package credits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	b := New("user-1", now)

	assert.Equal(t, Initial, b.Remaining)
	assert.Equal(t, now, b.LastReset)
	assert.False(t, b.Exhausted())
}

func TestRefresh(t *testing.T) {
	last := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		balance   Balance
		now       time.Time
		want      int
		refreshed bool
	}{
		{
			name:    "too soon",
			balance: Balance{Remaining: 3, LastReset: last},
			now:     last.Add(23 * time.Hour),
			want:    3,
		},
		{
			name:      "daily top up",
			balance:   Balance{Remaining: 3, LastReset: last},
			now:       last.Add(24 * time.Hour),
			want:      5,
			refreshed: true,
		},
		{
			name:      "top up is capped",
			balance:   Balance{Remaining: 39, LastReset: last},
			now:       last.Add(48 * time.Hour),
			want:      Cap,
			refreshed: true,
		},
		{
			name:      "monthly reset",
			balance:   Balance{Remaining: 0, LastReset: time.Date(2025, 3, 30, 9, 0, 0, 0, time.UTC)},
			now:       time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
			want:      Initial,
			refreshed: true,
		},
		{
			name:      "no second reset when last refresh was also on the first",
			balance:   Balance{Remaining: 0, LastReset: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
			now:       time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
			want:      DailyTopUp,
			refreshed: true,
		},
		{
			name:    "subscriber untouched",
			balance: Balance{Remaining: 0, SubscriptionActive: true, LastReset: last},
			now:     last.Add(72 * time.Hour),
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Refresh(tt.balance, tt.now)
			assert.Equal(t, tt.want, got.Remaining)
			assert.Equal(t, tt.refreshed, changed)
			if changed {
				assert.Equal(t, tt.now, got.LastReset)
			} else {
				assert.Equal(t, tt.balance.LastReset, got.LastReset)
			}
		})
	}
}

func TestExhausted(t *testing.T) {
	assert.True(t, Balance{Remaining: 0}.Exhausted())
	assert.True(t, Balance{Remaining: -1}.Exhausted())
	assert.False(t, Balance{Remaining: 1}.Exhausted())
}
