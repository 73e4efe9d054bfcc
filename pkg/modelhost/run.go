// Package modelhost runs modeled programs compiled to WebAssembly with the
// foreign host module available to them.
package modelhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/madkv/madkv-cli/pkg/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// DefaultEntry is the WASI command entry point.
const DefaultEntry = "_start"

// ErrEntryNotFound is returned when the module does not export the entry point.
var ErrEntryNotFound = errors.New("entry point not exported")

// Options configures a model run.
type Options struct {
	// Name the module is instantiated under. Defaults to "model".
	Name string

	// Entry is the exported function to call. Defaults to DefaultEntry.
	Entry string

	// Args are passed to the module as argv, after Name.
	Args []string

	// Env is exposed to the module through WASI.
	Env map[string]string

	// Mounts maps host directories to guest paths.
	Mounts map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Functions backs the foreign host module. Nil means the built-ins.
	Functions *foreign.GlobalFunctions

	Logger *zap.Logger
}

// Result is the outcome of a model run.
type Result struct {
	// ExitCode is the code passed to proc_exit, or 0 if the entry returned.
	ExitCode uint32

	// Values holds the raw results of the entry function.
	Values []uint64
}

func (o *Options) withDefaults() {
	if o.Name == "" {
		o.Name = "model"
	}
	if o.Entry == "" {
		o.Entry = DefaultEntry
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// RunFile reads a compiled model from path and runs it.
func RunFile(ctx context.Context, path string, opts Options) (*Result, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm file: %w", err)
	}
	return Run(ctx, wasmBytes, opts)
}

// Run compiles and instantiates wasmBytes in a fresh runtime, then calls the
// entry point. A non-zero exit code is reported as an error alongside the result.
func Run(ctx context.Context, wasmBytes []byte, opts Options) (*Result, error) {
	opts.withDefaults()

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate wasi: %w", err)
	}

	host := hostfuncs.NewForeignHost(opts.Functions, opts.Logger)
	if err := host.Register(ctx, runtime); err != nil {
		return nil, err
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}

	instance, err := runtime.InstantiateModule(ctx, compiled, moduleConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate wasm module: %w", err)
	}
	defer instance.Close(ctx)

	entry := instance.ExportedFunction(opts.Entry)
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", opts.Entry, ErrEntryNotFound)
	}

	opts.Logger.Debug("running model", zap.String("name", opts.Name), zap.String("entry", opts.Entry))

	values, err := entry.Call(ctx)
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("error executing wasm module: %w", err)
		}

		result := &Result{ExitCode: exitErr.ExitCode()}
		if result.ExitCode != 0 {
			return result, fmt.Errorf("model exited with code: %d", result.ExitCode)
		}
		return result, nil
	}

	return &Result{Values: values}, nil
}

func moduleConfig(opts Options) wazero.ModuleConfig {
	config := wazero.NewModuleConfig().
		WithName(opts.Name).
		WithArgs(append([]string{opts.Name}, opts.Args...)...).
		WithStdout(opts.Stdout).
		WithStderr(opts.Stderr).
		WithSysWalltime().
		WithSysNanotime().
		// The entry is called explicitly so its exit code can be inspected.
		WithStartFunctions()

	if opts.Stdin != nil {
		config = config.WithStdin(opts.Stdin)
	}

	for k, v := range opts.Env {
		config = config.WithEnv(k, v)
	}

	if len(opts.Mounts) > 0 {
		fsConfig := wazero.NewFSConfig()
		for hostPath, guestPath := range opts.Mounts {
			fsConfig = fsConfig.WithDirMount(hostPath, guestPath)
		}
		config = config.WithFSConfig(fsConfig)
	}

	return config
}
