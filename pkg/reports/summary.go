package reports

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/madkv/madkv-cli/pkg/bench"
	"github.com/madkv/madkv-cli/pkg/foreign"
)

// Open returns the store named by typ: "file" (the default) keeps reports
// under path, "postgres" connects with dsn.
func Open(ctx context.Context, typ, path, dsn string) (Store, error) {
	switch typ {
	case "", "file":
		return NewFileStore(path)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown reports store type %q", typ)
	}
}

// Summary renders the latest limit reports of each kind as markdown. A
// non-positive limit includes all of them.
func Summary(ctx context.Context, store Store, limit int) (string, error) {
	fuzzReports, err := store.List(ctx, KindFuzz)
	if err != nil {
		return "", err
	}
	benchReports, err := store.List(ctx, KindBench)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# madkv run summary\n")

	b.WriteString("\n## Fuzz testing\n\n")
	fuzzReports = latest(fuzzReports, limit)
	if len(fuzzReports) == 0 {
		b.WriteString("No fuzz runs recorded.\n")
	} else {
		b.WriteString("| Started | Clients | Keys | Ops | Conflict | Outcome | Remaining |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, r := range fuzzReports {
			if r.Fuzz == nil {
				continue
			}
			cfg := r.Fuzz.Config
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %t | %s | %d |\n",
				formatTicks(r.Started), cfg.Clients, cfg.Keys, cfg.Ops, cfg.Conflict,
				r.Outcome, r.Fuzz.Result.Remaining)
		}
	}

	b.WriteString("\n## YCSB benchmarking\n\n")
	benchReports = latest(benchReports, limit)
	if len(benchReports) == 0 {
		b.WriteString("No bench runs recorded.\n")
	} else {
		b.WriteString("| Started | Workload | Clients | Phase | Throughput (ops/sec) | Op | Avg (us) | P99 (us) |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		for _, r := range benchReports {
			if r.Bench == nil {
				continue
			}
			cfg := r.Bench.Config
			phases := []struct {
				name  string
				stats bench.Stats
			}{
				{"load", r.Bench.Result.Load},
				{"run", r.Bench.Result.Run},
			}
			for _, phase := range phases {
				for _, op := range opNames(phase.stats) {
					o := phase.stats.Ops[op]
					fmt.Fprintf(&b, "| %s | %s | %d | %s | %.2f | %s | %.2f | %.0f |\n",
						formatTicks(r.Started), cfg.Workload, cfg.Clients, phase.name,
						phase.stats.Throughput, op, o.AvgUs, o.P99Us)
				}
			}
		}
	}

	return b.String(), nil
}

func latest(reports []Report, limit int) []Report {
	if limit > 0 && len(reports) > limit {
		return reports[len(reports)-limit:]
	}
	return reports
}

func opNames(s bench.Stats) []string {
	ops := make([]string, 0, len(s.Ops))
	for op := range s.Ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func formatTicks(ticks int64) string {
	return foreign.FromTicks(ticks).Format(time.RFC3339)
}
