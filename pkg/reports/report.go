// Package reports persists the results of fuzz and bench runs and renders
// summaries of them.
package reports

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/madkv/madkv-cli/pkg/bench"
	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/madkv/madkv-cli/pkg/fuzz"
)

// Kind tells fuzz reports from bench reports.
type Kind string

const (
	KindFuzz  Kind = "fuzz"
	KindBench Kind = "bench"
)

// ErrInvalidReport is returned when saving a report missing required fields.
var ErrInvalidReport = errors.New("invalid report")

// FuzzReport is the body of a fuzz report.
type FuzzReport struct {
	Config fuzz.Config `yaml:"config" json:"config"`
	Result fuzz.Result `yaml:"result" json:"result"`
}

// BenchReport is the body of a bench report.
type BenchReport struct {
	Config bench.Config `yaml:"config" json:"config"`
	Result bench.Result `yaml:"result" json:"result"`
}

// Report is one run. Timestamps are ticks as returned by GetTimestamp.
type Report struct {
	ID       string `yaml:"id" json:"id"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Started  int64  `yaml:"started" json:"started"`
	Finished int64  `yaml:"finished" json:"finished"`
	Outcome  string `yaml:"outcome" json:"outcome"`

	Fuzz  *FuzzReport  `yaml:"fuzz,omitempty" json:"fuzz,omitempty"`
	Bench *BenchReport `yaml:"bench,omitempty" json:"bench,omitempty"`
}

// Store saves reports and lists them back oldest first.
type Store interface {
	Save(ctx context.Context, report Report) error
	List(ctx context.Context, kind Kind) ([]Report, error)
	Close() error
}

// Clock stamps reports through the GetTimestamp function of a registry, so a
// harness that replaces it controls report times too.
type Clock struct {
	functions *foreign.GlobalFunctions
}

// NewClock returns a Clock reading functions, or a fresh registry when nil.
func NewClock(functions *foreign.GlobalFunctions) *Clock {
	if functions == nil {
		functions = foreign.NewGlobalFunctions()
	}
	return &Clock{functions: functions}
}

// Now returns the current time in ticks.
func (c *Clock) Now() int64 {
	ticks, err := c.functions.Call(foreign.GetTimestampName, nil)
	if err != nil {
		// GetTimestamp is registered by NewGlobalFunctions and never removed.
		panic(err)
	}
	return ticks
}

// Begin starts a report of kind stamped with the current time.
func (c *Clock) Begin(kind Kind) *Report {
	return &Report{
		ID:      uuid.NewString(),
		Kind:    kind,
		Started: c.Now(),
	}
}

// FinishFuzz stamps r finished and attaches the fuzz config and result.
func (c *Clock) FinishFuzz(r *Report, cfg fuzz.Config, result fuzz.Result) {
	r.Finished = c.Now()
	r.Outcome = string(result.Outcome)
	r.Fuzz = &FuzzReport{Config: cfg, Result: result}
}

// FinishBench stamps r finished and attaches the bench config and result.
func (c *Clock) FinishBench(r *Report, cfg bench.Config, result bench.Result) {
	r.Finished = c.Now()
	r.Outcome = "DONE"
	r.Bench = &BenchReport{Config: cfg, Result: result}
}

func (r Report) validate() error {
	switch {
	case r.ID == "":
		return errors.Join(ErrInvalidReport, errors.New("missing id"))
	case r.Kind != KindFuzz && r.Kind != KindBench:
		return errors.Join(ErrInvalidReport, errors.New("unknown kind "+string(r.Kind)))
	}
	return nil
}
