// Package bench benchmarks KV clients with YCSB workloads. A YCSB driver in
// "basic" mode prints the operations it would issue; each line is translated
// into a KV call and fed synchronously to one client, timing every call.
package bench

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/madkv/madkv-cli/pkg/runner"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Workloads lists the YCSB core workload letters.
	Workloads = "abcdef"

	DefaultYCSBDir      = "ycsb"
	DefaultRespTimeout  = 60 * time.Second
	DefaultPhaseTimeout = 600 * time.Second
)

// Errors returned by Run. ErrDriver also wraps a phase deadline.
var (
	ErrInvalidConfig = errors.New("invalid bench configuration")
	ErrParse         = errors.New("unparsable driver output")
	ErrDriver        = errors.New("ycsb driver failed")
)

// Phase is a YCSB phase: load inserts the initial records, run replays the
// workload mix over them.
type Phase string

const (
	Load Phase = "load"
	Run  Phase = "run"
)

// Config sizes a bench run. Zero directories and timeouts take the defaults.
type Config struct {
	Clients  int    `yaml:"clients"`
	Ops      int    `yaml:"ops"`
	Workload string `yaml:"workload"`

	// Directory holding bin/ycsb.sh and workloads/.
	YCSBDir string `yaml:"ycsb_dir"`

	RespTimeout  time.Duration `yaml:"resp_timeout"`
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
}

// Validate checks the settings the CLI accepts.
func (c Config) Validate() error {
	switch {
	case c.Clients <= 0:
		return fmt.Errorf("%w: clients must be positive, got %d", ErrInvalidConfig, c.Clients)
	case c.Ops <= 0:
		return fmt.Errorf("%w: ops must be positive, got %d", ErrInvalidConfig, c.Ops)
	case len(c.Workload) != 1 || !strings.Contains(Workloads, c.Workload):
		return fmt.Errorf("%w: workload must be one of %q, got %q", ErrInvalidConfig, Workloads, c.Workload)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.YCSBDir == "" {
		c.YCSBDir = DefaultYCSBDir
	}
	if c.RespTimeout <= 0 {
		c.RespTimeout = DefaultRespTimeout
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = DefaultPhaseTimeout
	}
	return c
}

// Command returns the argv of a YCSB basic driver for phase.
func (c Config) Command(phase Phase) []string {
	c = c.withDefaults()
	return []string{
		filepath.Join(c.YCSBDir, "bin", "ycsb.sh"),
		string(phase),
		"basic",
		"-P", filepath.Join(c.YCSBDir, "workloads", "workload"+c.Workload),
		"-p", fmt.Sprintf("operationcount=%d", c.Ops),
	}
}

// Result holds the merged stats of both phases.
type Result struct {
	Load Stats `yaml:"load" json:"load"`
	Run  Stats `yaml:"run" json:"run"`
}

// ClientFactory launches a fresh fleet of n clients.
type ClientFactory func(ctx context.Context, n int) ([]runner.Client, error)

// DriverFactory starts the YCSB driver process for phase and returns its
// stdout. Closing the returned reader ends the driver.
type DriverFactory func(ctx context.Context, argv []string) (io.ReadCloser, error)

// Bencher runs the YCSB load and run phases against fresh client fleets.
type Bencher struct {
	cfg       Config
	clients   ClientFactory
	startYCSB DriverFactory
	logger    *zap.Logger
}

// Option customizes a Bencher.
type Option func(*Bencher)

// WithDriverFactory replaces how YCSB drivers are started.
func WithDriverFactory(f DriverFactory) Option {
	return func(b *Bencher) { b.startYCSB = f }
}

// New returns a Bencher launching clients with the given factory. A nil
// logger discards output.
func New(cfg Config, clients ClientFactory, logger *zap.Logger, opts ...Option) *Bencher {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bencher{
		cfg:       cfg.withDefaults(),
		clients:   clients,
		startYCSB: execDriver,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run benchmarks the load phase with a fresh fleet, then the run phase with
// another, reusing the keys inserted during load.
func (b *Bencher) Run(ctx context.Context) (*Result, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	load, inserted, err := b.phase(ctx, Load, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to benchmark load phase: %w", err)
	}
	run, _, err := b.phase(ctx, Run, inserted)
	if err != nil {
		return nil, fmt.Errorf("failed to benchmark run phase: %w", err)
	}
	return &Result{Load: load, Run: run}, nil
}

// phase runs one driver per client concurrently and merges their stats.
func (b *Bencher) phase(ctx context.Context, phase Phase, inserted []string) (Stats, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PhaseTimeout)
	defer cancel()

	clients, err := b.clients(ctx, b.cfg.Clients)
	if err != nil {
		return Stats{}, nil, fmt.Errorf("failed to launch clients: %w", err)
	}

	b.logger.Info("benchmarking phase",
		zap.String("phase", string(phase)),
		zap.String("workload", b.cfg.Workload),
		zap.Int("clients", len(clients)))

	var (
		mu     sync.Mutex
		merged Stats
		keys   = make(map[string]struct{})
	)

	g, ctx := errgroup.WithContext(ctx)
	for i, client := range clients {
		g.Go(func() error {
			stats, ikeys, err := b.drive(ctx, phase, client, inserted)
			if err != nil {
				return fmt.Errorf("driver %d: %w", i, err)
			}

			mu.Lock()
			defer mu.Unlock()
			merged.Merge(stats)
			for _, key := range ikeys {
				keys[key] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, nil, err
	}

	all := make([]string, 0, len(keys))
	for key := range keys {
		all = append(all, key)
	}
	return merged, all, nil
}

// drive runs one YCSB driver against one client and stops the client.
func (b *Bencher) drive(ctx context.Context, phase Phase, client runner.Client, inserted []string) (Stats, []string, error) {
	out, err := b.startYCSB(ctx, b.cfg.Command(phase))
	if err != nil {
		_ = client.Stop()
		return Stats{}, nil, err
	}
	defer out.Close()

	translator := NewTranslator(inserted)
	stats, feedErr := Feed(ctx, out, client, translator, b.cfg.RespTimeout)

	if err := client.Stop(); err != nil && feedErr == nil {
		feedErr = fmt.Errorf("failed to stop client: %w", err)
	}
	if feedErr != nil {
		return Stats{}, nil, feedErr
	}
	return stats, translator.Inserted(), nil
}

// Feed translates driver output from r into calls, issues each one to client
// synchronously and times it. It returns the stats of a single client.
func Feed(ctx context.Context, r io.Reader, client runner.Client, translator *Translator, timeout time.Duration) (Stats, error) {
	lat := make(latencies)
	ops := 0
	start := time.Now()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Stats{}, fmt.Errorf("%w: %w", ErrDriver, err)
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		op, call, err := translator.Translate(line)
		if err != nil {
			return Stats{}, err
		}
		if op == "" {
			if strings.Contains(line, "No such file") {
				return Stats{}, fmt.Errorf("%w: %s", ErrDriver, line)
			}
			continue
		}

		began := time.Now()
		if err := client.SendCall(call); err != nil {
			return Stats{}, fmt.Errorf("failed to send %s: %w", op, err)
		}
		if _, err := client.WaitResp(timeout); err != nil {
			return Stats{}, fmt.Errorf("failed to wait for %s: %w", op, err)
		}
		lat.add(op, float64(time.Since(began).Nanoseconds())/1e3)
		ops++
	}
	// A driver killed at the deadline looks like a clean EOF.
	if err := ctx.Err(); err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrDriver, err)
	}
	if err := scanner.Err(); err != nil {
		return Stats{}, fmt.Errorf("%w: failed to read driver output: %v", ErrDriver, err)
	}

	elapsed := time.Since(start)
	summary, err := lat.summarize()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Merged:  1,
		TotalMs: float64(elapsed.Microseconds()) / 1e3,
		Ops:     summary,
	}
	if elapsed > 0 {
		stats.Throughput = float64(ops) / elapsed.Seconds()
	}
	return stats, nil
}

// driverProc ties the driver's stdout to the process, so closing it also
// reaps the driver.
type driverProc struct {
	io.ReadCloser
	cmd        *exec.Cmd
	stopCancel func() bool
}

func (d *driverProc) Close() error {
	d.stopCancel()
	err := d.ReadCloser.Close()
	_ = d.cmd.Process.Kill()
	_ = d.cmd.Wait()
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}

// execDriver starts the driver. Cancelling ctx kills it and closes its
// stdout, since children it forked (the JVM behind ycsb.sh) may hold the
// pipe open after the kill.
func execDriver(ctx context.Context, argv []string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open driver stdout: %v", ErrDriver, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrDriver, argv[0], err)
	}

	stopCancel := context.AfterFunc(ctx, func() {
		_ = stdout.Close()
	})
	return &driverProc{ReadCloser: stdout, cmd: cmd, stopCancel: stopCancel}, nil
}
