// Package fuzz drives a fleet of KV clients with a random workload and checks
// the acknowledged results for real-time consistency.
package fuzz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/madkv/madkv-cli/pkg/history"
	"github.com/madkv/madkv-cli/pkg/kvapi"
	"github.com/madkv/madkv-cli/pkg/runner"
	"go.uber.org/zap"
)

const (
	KeyLen   = 8
	ValueLen = 16

	DefaultRespTimeout     = 60 * time.Second
	DefaultRemainThreshold = 1000

	MaxKeys = 100000
	MinOps  = 1000
)

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid fuzz configuration")

// Outcome is the verdict of a fuzz run.
type Outcome string

const (
	Passed Outcome = "PASSED"
	// Too many checks left undecided: some client lagged far behind.
	Unfair Outcome = "UNFAIR"
	Failed Outcome = "FAILED"
)

// Config sizes a fuzz run. Zero timeouts and thresholds take the defaults.
type Config struct {
	Clients  int  `yaml:"clients"`
	Keys     int  `yaml:"keys"`
	Ops      int  `yaml:"ops"`
	Conflict bool `yaml:"conflict"`

	RespTimeout     time.Duration `yaml:"resp_timeout"`
	RemainThreshold int           `yaml:"remain_threshold"`
}

// Validate applies the limits the CLI enforces before launching clients.
func (c Config) Validate() error {
	switch {
	case c.Clients <= 0:
		return fmt.Errorf("%w: clients must be positive, got %d", ErrInvalidConfig, c.Clients)
	case c.Keys <= 0 || c.Keys >= MaxKeys:
		return fmt.Errorf("%w: keys must be in (0, %d), got %d", ErrInvalidConfig, MaxKeys, c.Keys)
	case c.Ops < MinOps:
		return fmt.Errorf("%w: ops must be at least %d, got %d", ErrInvalidConfig, MinOps, c.Ops)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.RespTimeout <= 0 {
		c.RespTimeout = DefaultRespTimeout
	}
	if c.RemainThreshold <= 0 {
		c.RemainThreshold = DefaultRemainThreshold
	}
	return c
}

// Stats counts the generated operations.
type Stats struct {
	Put    int `yaml:"put" json:"put"`
	Swap   int `yaml:"swap" json:"swap"`
	Get    int `yaml:"get" json:"get"`
	Scan   int `yaml:"scan" json:"scan"`
	Delete int `yaml:"delete" json:"delete"`

	// KeysFreq[c][k] counts how often client c touched its k-th key.
	KeysFreq [][]int `yaml:"keys_freq" json:"keys_freq"`
}

func newStats(keys [][]string) Stats {
	freq := make([][]int, len(keys))
	for i, pool := range keys {
		freq[i] = make([]int, len(pool))
	}
	return Stats{KeysFreq: freq}
}

// Total counts operations of every kind.
func (s Stats) Total() int {
	return s.Put + s.Swap + s.Get + s.Scan + s.Delete
}

// Result is the verdict of a run and the workload it exercised.
type Result struct {
	Outcome   Outcome `yaml:"outcome" json:"outcome"`
	Remaining int     `yaml:"remaining" json:"remaining"`
	// Why the run failed, empty unless Outcome is Failed.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	Stats  Stats  `yaml:"stats" json:"stats"`
}

// KeyPools generates the key pool of every client. In conflict mode all
// clients share key00000, key00001, ...; otherwise each gets random keys.
func KeyPools(cfg Config, random Random) [][]string {
	pools := make([][]string, cfg.Clients)
	for c := range pools {
		pool := make([]string, cfg.Keys)
		for i := range pool {
			if cfg.Conflict {
				pool[i] = fmt.Sprintf("key%0*d", KeyLen-3, i)
			} else {
				pool[i] = random.GenString(KeyLen)
			}
		}
		pools[c] = pool
	}
	return pools
}

// Fuzzer drives concurrent clients with random operations and checks every
// response against a reference history.
type Fuzzer struct {
	cfg    Config
	random Random
	logger *zap.Logger
}

// New returns a Fuzzer for cfg drawing choices from random. A nil logger
// discards output.
func New(cfg Config, random Random, logger *zap.Logger) *Fuzzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fuzzer{cfg: cfg.withDefaults(), random: random, logger: logger}
}

// callMemo remembers the in-flight call of a client.
type callMemo struct {
	tsCall uint64
	key    string
	value  *string
	update bool
}

// Run fuzzes clients, one per key pool, until every client has completed
// cfg.Ops operations on average. Clients are stopped after a passing run.
//
// Consistency failures are reported through the Result; errors are reserved
// for failures talking to the clients.
func (f *Fuzzer) Run(ctx context.Context, keys [][]string, clients []runner.Client) (*Result, error) {
	if len(clients) == 0 || len(clients) != len(keys) {
		return nil, fmt.Errorf("%w: %d clients for %d key pools", ErrInvalidConfig, len(clients), len(keys))
	}
	if f.cfg.Ops <= 0 {
		return nil, fmt.Errorf("%w: ops must be positive", ErrInvalidConfig)
	}

	stats := newStats(keys)
	hist := history.New(len(clients), keys)

	flying := make([]bool, len(clients))
	numFlying := 0
	memo := make([]callMemo, len(clients))

	// Logical timestamps stand in for physical time.
	var timestamp uint64

	totalOps := f.cfg.Ops * len(clients)
	progressEvery := max(totalOps/100, 1)
	called, waited := 0, 0

	fail := func(reason string, fields ...zap.Field) (*Result, error) {
		f.logger.Warn(reason, fields...)
		return &Result{Outcome: Failed, Reason: reason, Remaining: hist.QueueLen(), Stats: stats}, nil
	}

	for waited < totalOps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		timestamp++

		if f.genCallVsWait(called, totalOps, numFlying, len(clients)) {
			c := f.genClient(flying, false)
			call := f.genCall(keys[c], &stats, c)

			key, value, update := call.UpdateInfo()
			memo[c] = callMemo{tsCall: timestamp, key: key, value: value, update: update}

			if err := clients[c].SendCall(call); err != nil {
				return nil, fmt.Errorf("failed to send call to client %d: %w", c, err)
			}
			flying[c] = true
			numFlying++
			called++
			continue
		}

		c := f.genClient(flying, true)
		resp, err := clients[c].WaitResp(f.cfg.RespTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to wait for client %d: %w", c, err)
		}
		if resp.Op == kvapi.OpStop {
			return fail("unexpected stop response", zap.Int("client", c), zap.Uint64("timestamp", timestamp))
		}

		m := memo[c]
		memo[c] = callMemo{}
		hist.AddToQueue(m.tsCall, timestamp, resp)

		if m.update {
			violation, err := hist.ApplyUpdate(c, m.tsCall, timestamp, m.key, m.value)
			if err != nil {
				return fail(err.Error(), zap.Int("client", c), zap.String("key", m.key))
			}
			if violation != nil {
				return fail(violation.Error(),
					zap.Int("client", c),
					zap.Uint64("trigger_call", m.tsCall),
					zap.Uint64("trigger_resp", timestamp),
					zap.String("resp", fmt.Sprintf("%+v", violation.Resp)))
			}
		}

		flying[c] = false
		numFlying--
		waited++

		if waited%progressEvery == 0 || waited == totalOps {
			f.logger.Debug("progress",
				zap.Int("called", called),
				zap.Int("waited", waited),
				zap.Int("total", totalOps))
		}
	}

	for i, client := range clients {
		if err := client.Stop(); err != nil {
			return nil, fmt.Errorf("failed to stop client %d: %w", i, err)
		}
	}

	remaining := hist.QueueLen()
	outcome := Passed
	if remaining >= f.cfg.RemainThreshold {
		outcome = Unfair
	}
	f.logger.Info("fuzz run finished",
		zap.String("outcome", string(outcome)),
		zap.Int("remaining", remaining),
		zap.Int("ops", stats.Total()))

	return &Result{Outcome: outcome, Remaining: remaining, Stats: stats}, nil
}

func (f *Fuzzer) genCallVsWait(called, total, numFlying, numClients int) bool {
	switch {
	case called == total || numFlying == numClients:
		return false
	case numFlying == 0:
		return true
	default:
		return f.random.GenBool(0.5)
	}
}

// genClient picks a random client whose in-flight status is want.
func (f *Fuzzer) genClient(flying []bool, want bool) int {
	for {
		c := int(f.random.GenBetween(0, uint64(len(flying))))
		if flying[c] == want {
			return c
		}
	}
}

func (f *Fuzzer) genIndex(n int) int {
	return int(f.random.GenBetween(0, uint64(n)))
}

func (f *Fuzzer) genCall(keys []string, stats *Stats, c int) kvapi.Call {
	k := f.genIndex(len(keys))

	switch roll := f.genIndex(10); {
	case roll < 2:
		stats.Put++
		stats.KeysFreq[c][k]++
		return kvapi.Put(keys[k], f.random.GenString(ValueLen))

	case roll < 4:
		stats.Swap++
		stats.KeysFreq[c][k]++
		return kvapi.Swap(keys[k], f.random.GenString(ValueLen))

	case roll < 7:
		stats.Get++
		stats.KeysFreq[c][k]++
		return kvapi.Get(keys[k])

	case roll < 9:
		e := f.genIndex(len(keys))
		start, end := keys[k], keys[e]
		if end < start {
			start, end = end, start
		}
		stats.Scan++
		stats.KeysFreq[c][k]++
		stats.KeysFreq[c][e]++
		return kvapi.Scan(start, end)

	default:
		stats.Delete++
		stats.KeysFreq[c][k]++
		return kvapi.Delete(keys[k])
	}
}
