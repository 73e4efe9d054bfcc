package foreign

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestToTicks(t *testing.T) {
	t.Parallel()

	t.Run("epoch is zero", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, int64(0), ToTicks(time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("unix epoch", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, UnixEpochTicks, ToTicks(time.Unix(0, 0)))
	})

	t.Run("2024-01-01", func(t *testing.T) {
		t.Parallel()

		ticks := ToTicks(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, int64(638396640000000000), ticks)
	})

	t.Run("sub-tick precision is truncated", func(t *testing.T) {
		t.Parallel()

		base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, ToTicks(base)+1, ToTicks(base.Add(199*time.Nanosecond)))
	})

	t.Run("zone does not matter", func(t *testing.T) {
		t.Parallel()

		utc := time.Date(2024, time.June, 3, 12, 0, 0, 0, time.UTC)
		local := utc.In(time.FixedZone("UTC+5", 5*60*60))
		assert.Equal(t, ToTicks(utc), ToTicks(local))
	})
}

func TestFromTicksRoundTrip(t *testing.T) {
	t.Parallel()

	// 9999-12-31T23:59:59.9999999Z
	const maxTicks int64 = 3155378975999999999

	rapid.Check(t, func(t *rapid.T) {
		ticks := rapid.Int64Range(0, maxTicks).Draw(t, "ticks")

		assert.Equal(t, ticks, ToTicks(FromTicks(ticks)))
	})
}

func TestUnixMilli(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, time.January, 1, 0, 0, 0, 5_000_000, time.UTC)
	assert.Equal(t, ts.UnixMilli(), UnixMilli(ToTicks(ts)))

	t.Run("before 1970 rounds down", func(t *testing.T) {
		t.Parallel()

		for _, ts := range []time.Time{
			time.Unix(0, -100),
			time.Unix(0, -1_500_000),
			time.Unix(-1, 0),
			time.Date(1969, time.December, 31, 23, 59, 59, 999_999_900, time.UTC),
		} {
			assert.Equal(t, ts.UnixMilli(), UnixMilli(ToTicks(ts)), ts)
		}
		assert.Equal(t, int64(-1), UnixMilli(UnixEpochTicks-1))
	})

	t.Run("agrees with time package", rapid.MakeCheck(func(t *rapid.T) {
		// Whole ticks between years 1 and 9999.
		sec := rapid.Int64Range(-62135596800, 253402300799).Draw(t, "sec")
		nsec := rapid.Int64Range(0, 9_999_999).Draw(t, "ticks") * 100
		ts := time.Unix(sec, nsec).UTC()
		if got := UnixMilli(ToTicks(ts)); got != ts.UnixMilli() {
			t.Fatalf("UnixMilli(%v) = %d, want %d", ts, got, ts.UnixMilli())
		}
	}))
}

func TestGetTimestamp(t *testing.T) {
	t.Parallel()

	t.Run("close to the host clock", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		ticks := GetTimestamp(nil)
		after := time.Now()

		got := FromTicks(ticks)
		assert.WithinDuration(t, before, got, 5*time.Second)
		assert.WithinDuration(t, after, got, 5*time.Second)
	})

	t.Run("does not go backwards between consecutive calls", func(t *testing.T) {
		t.Parallel()

		previous := GetTimestamp(nil)
		for i := 0; i < 10_000; i++ {
			current := GetTimestamp(nil)
			assert.GreaterOrEqual(t, current, previous)
			previous = current
		}
	})

	t.Run("machine handle is ignored", func(t *testing.T) {
		t.Parallel()

		type machine struct{ name string }

		a := GetTimestamp(&machine{name: "client"})
		b := GetTimestamp(struct{}{})
		assert.InDelta(t, a, b, float64(5*TicksPerSecond))
	})

	t.Run("concurrent callers", func(t *testing.T) {
		t.Parallel()

		const callers = 64

		var wg sync.WaitGroup
		results := make([]int64, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = GetTimestamp(i)
			}(i)
		}
		wg.Wait()

		now := time.Now()
		for _, ticks := range results {
			assert.WithinDuration(t, now, FromTicks(ticks), 5*time.Second)
		}
	})
}
