package bench

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
)

// OpStats summarises the latencies of one YCSB operation type, in
// microseconds.
type OpStats struct {
	Count int     `yaml:"count" json:"count"`
	AvgUs float64 `yaml:"avg_us" json:"avg_us"`
	MinUs float64 `yaml:"min_us" json:"min_us"`
	MaxUs float64 `yaml:"max_us" json:"max_us"`
	P99Us float64 `yaml:"p99_us" json:"p99_us"`
}

// Stats is the performance of one client, or of several merged together.
type Stats struct {
	// Number of per-client stats merged into this one.
	Merged int `yaml:"merged" json:"merged"`

	TotalMs    float64 `yaml:"total_ms" json:"total_ms"`
	Throughput float64 `yaml:"throughput" json:"throughput"`

	Ops map[string]OpStats `yaml:"ops" json:"ops"`
}

// Merge folds other into s: the longer total time, summed throughput and
// counts, the client-weighted mean of averages, the min of minimums, and the
// max of maximums and of p99s.
func (s *Stats) Merge(other Stats) {
	if other.Merged == 0 {
		return
	}
	if s.Merged == 0 {
		ops := make(map[string]OpStats, len(other.Ops))
		for op, o := range other.Ops {
			ops[op] = o
		}
		*s = other
		s.Ops = ops
		return
	}

	s.TotalMs = math.Max(s.TotalMs, other.TotalMs)
	s.Throughput += other.Throughput

	for op, o := range other.Ops {
		mine, ok := s.Ops[op]
		if !ok {
			s.Ops[op] = o
			continue
		}
		s.Ops[op] = OpStats{
			Count: mine.Count + o.Count,
			AvgUs: (mine.AvgUs*float64(s.Merged) + o.AvgUs*float64(other.Merged)) / float64(s.Merged+other.Merged),
			MinUs: math.Min(mine.MinUs, o.MinUs),
			MaxUs: math.Max(mine.MaxUs, o.MaxUs),
			P99Us: math.Max(mine.P99Us, o.P99Us),
		}
	}
	s.Merged += other.Merged
}

// Format renders the stats of a phase for the terminal.
func (s Stats) Format(phase string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %-8s %6.0f ms\n", "["+phase+"]", s.TotalMs)
	fmt.Fprintf(&b, "    Throughput:  %9.2f ops/sec\n", s.Throughput)

	ops := make([]string, 0, len(s.Ops))
	for op := range s.Ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for i, op := range ops {
		label := "    Latency:"
		if i > 0 {
			label = "            "
		}
		o := s.Ops[op]
		fmt.Fprintf(&b, "%s    %-6s  ops %6d  avg %9.2f  min %6.0f  max %6.0f  p99 %6.0f  us\n",
			label, op, o.Count, o.AvgUs, o.MinUs, o.MaxUs, o.P99Us)
	}
	return b.String()
}

// latencies collects per-op latencies of one client.
type latencies map[string]stats.Float64Data

func (l latencies) add(op string, us float64) {
	l[op] = append(l[op], us)
}

func (l latencies) summarize() (map[string]OpStats, error) {
	out := make(map[string]OpStats, len(l))
	for op, data := range l {
		avg, err := data.Mean()
		if err != nil {
			return nil, fmt.Errorf("failed to average %s latencies: %w", op, err)
		}
		lo, err := data.Min()
		if err != nil {
			return nil, fmt.Errorf("failed to take min of %s latencies: %w", op, err)
		}
		hi, err := data.Max()
		if err != nil {
			return nil, fmt.Errorf("failed to take max of %s latencies: %w", op, err)
		}
		p99, err := data.PercentileNearestRank(99)
		if err != nil {
			return nil, fmt.Errorf("failed to take p99 of %s latencies: %w", op, err)
		}
		out[op] = OpStats{Count: len(data), AvgUs: avg, MinUs: lo, MaxUs: hi, P99Us: p99}
	}
	return out, nil
}
