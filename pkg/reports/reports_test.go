package reports

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/madkv/madkv-cli/pkg/bench"
	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/madkv/madkv-cli/pkg/fuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = foreign.ToTicks(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

// steppingClock returns a clock whose GetTimestamp advances one second per
// call from 2024-01-01.
func steppingClock(t *testing.T) *Clock {
	t.Helper()

	var calls atomic.Int64
	functions := foreign.NewGlobalFunctions()
	require.NoError(t, functions.Register(foreign.GetTimestampName, func(foreign.Machine) int64 {
		return day + calls.Add(1)*foreign.TicksPerSecond
	}))
	return NewClock(functions)
}

func tempDir(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(os.TempDir(), "madkv-reports-"+uuid.NewString())
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func fuzzReport(clock *Clock, outcome fuzz.Outcome) Report {
	r := clock.Begin(KindFuzz)
	clock.FinishFuzz(r,
		fuzz.Config{Clients: 2, Keys: 5, Ops: 1000, Conflict: true, RespTimeout: time.Minute},
		fuzz.Result{Outcome: outcome, Remaining: 12, Stats: fuzz.Stats{Put: 1, KeysFreq: [][]int{{1}}}})
	return *r
}

func benchReport(clock *Clock) Report {
	r := clock.Begin(KindBench)
	clock.FinishBench(r,
		bench.Config{Clients: 1, Ops: 100, Workload: "a"},
		bench.Result{
			Load: bench.Stats{Merged: 1, TotalMs: 10, Throughput: 100,
				Ops: map[string]bench.OpStats{"INSERT": {Count: 1, AvgUs: 12.5, MinUs: 12, MaxUs: 13, P99Us: 13}}},
			Run: bench.Stats{Merged: 1, TotalMs: 20, Throughput: 50,
				Ops: map[string]bench.OpStats{"READ": {Count: 1, AvgUs: 7, MinUs: 7, MaxUs: 7, P99Us: 7}}},
		})
	return *r
}

func TestClock(t *testing.T) {
	t.Parallel()

	clock := steppingClock(t)
	r := fuzzReport(clock, fuzz.Passed)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, KindFuzz, r.Kind)
	assert.Equal(t, day+foreign.TicksPerSecond, r.Started)
	assert.Equal(t, day+2*foreign.TicksPerSecond, r.Finished)
	assert.Equal(t, "PASSED", r.Outcome)

	// The default clock reads the host clock.
	now := NewClock(nil).Now()
	assert.InDelta(t, foreign.ToTicks(time.Now()), now, float64(5*foreign.TicksPerSecond))
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := steppingClock(t)

	store, err := NewFileStore(tempDir(t))
	require.NoError(t, err)
	defer store.Close()

	first := fuzzReport(clock, fuzz.Passed)
	second := fuzzReport(clock, fuzz.Failed)
	b := benchReport(clock)

	// Saved out of order, listed by start time.
	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, b))
	require.NoError(t, store.Save(ctx, first))

	fuzzed, err := store.List(ctx, KindFuzz)
	require.NoError(t, err)
	require.Len(t, fuzzed, 2)
	assert.Equal(t, first, fuzzed[0])
	assert.Equal(t, second, fuzzed[1])

	benched, err := store.List(ctx, KindBench)
	require.NoError(t, err)
	require.Len(t, benched, 1)
	assert.Equal(t, b, benched[0])

	assert.ErrorIs(t, store.Save(ctx, Report{Kind: KindFuzz}), ErrInvalidReport)
	assert.ErrorIs(t, store.Save(ctx, Report{ID: "x", Kind: "other"}), ErrInvalidReport)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := steppingClock(t)

	store, err := Open(ctx, "file", tempDir(t), "")
	require.NoError(t, err)
	defer store.Close()

	empty, err := Summary(ctx, store, 0)
	require.NoError(t, err)
	assert.Contains(t, empty, "No fuzz runs recorded.")
	assert.Contains(t, empty, "No bench runs recorded.")

	require.NoError(t, store.Save(ctx, fuzzReport(clock, fuzz.Unfair)))
	require.NoError(t, store.Save(ctx, fuzzReport(clock, fuzz.Passed)))
	require.NoError(t, store.Save(ctx, benchReport(clock)))

	out, err := Summary(ctx, store, 1)
	require.NoError(t, err)

	assert.Contains(t, out, "| 2024-01-01T00:00:03Z | 2 | 5 | 1000 | true | PASSED | 12 |")
	assert.NotContains(t, out, "UNFAIR")
	assert.Contains(t, out, "| 2024-01-01T00:00:05Z | a | 1 | load | 100.00 | INSERT | 12.50 | 13 |")
	assert.Contains(t, out, "| run | 50.00 | READ | 7.00 | 7 |")
}

func TestOpenUnknownStore(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "sqlite", "", "")
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	dsn := os.Getenv("MADKV_TEST_DSN")
	if dsn == "" {
		t.Skip("MADKV_TEST_DSN not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, "postgres", "", dsn)
	require.NoError(t, err)
	defer store.Close()

	report := fuzzReport(steppingClock(t), fuzz.Passed)
	require.NoError(t, store.Save(ctx, report))

	listed, err := store.List(ctx, KindFuzz)
	require.NoError(t, err)
	assert.Contains(t, listed, report)
}
