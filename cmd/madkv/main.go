package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/madkv/madkv-cli/pkg/bench"
	"github.com/madkv/madkv-cli/pkg/config"
	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/madkv/madkv-cli/pkg/fuzz"
	"github.com/madkv/madkv-cli/pkg/hostfuncs"
	"github.com/madkv/madkv-cli/pkg/logging"
	"github.com/madkv/madkv-cli/pkg/modelhost"
	"github.com/madkv/madkv-cli/pkg/nodeid"
	"github.com/madkv/madkv-cli/pkg/refcli"
	"github.com/madkv/madkv-cli/pkg/registry"
	"github.com/madkv/madkv-cli/pkg/reports"
	"github.com/madkv/madkv-cli/pkg/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if present
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		configPath string
		debugMode  bool
		logger     = zap.NewNop()
		cfg        = config.Default()
	)

	// Root command
	rootCmd := &cobra.Command{
		Use:   "madkv",
		Short: "madkv - tooling for modeled programs and the KV systems they describe",
		Long: `madkv runs modeled programs compiled to WebAssembly with the GlobalFunctions
host module, and drives KV systems speaking the line protocol: fuzz testing
against an approximate real-time consistency checker, YCSB benchmarking, and
node launching.

Commands read madkv.yaml for the commands to launch and their defaults; flags
override the file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.New(debugMode)
			if err != nil {
				return err
			}
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			// If no command is specified, print help
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to madkv.yaml configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "d", false, "Enable debug mode with verbose output")

	// Timestamp command
	var timestampUnixMs bool

	timestampCmd := &cobra.Command{
		Use:   "timestamp",
		Short: "Print the value GetTimestamp hands to modeled programs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ticks := foreign.GetTimestamp(nil)
			if timestampUnixMs {
				fmt.Println(foreign.UnixMilli(ticks))
				return
			}
			fmt.Println(ticks)
		},
	}

	timestampCmd.Flags().BoolVar(&timestampUnixMs, "unix-ms", false, "Print milliseconds since the Unix epoch instead of ticks")

	// Model command group
	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Run and manage compiled modeled programs",
	}

	// Model run command
	var modelRunEntry string

	modelRunCmd := &cobra.Command{
		Use:   "run [model-id|file.wasm] [-- args...]",
		Short: "Run a modeled program with the GlobalFunctions host module",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path, opts, err := resolveModel(ctx, cfg, configPath, args[0], logger)
			if err != nil {
				logger.Fatal("Error resolving model", zap.Error(err))
			}
			if modelRunEntry != "" {
				opts.Entry = modelRunEntry
			}
			opts.Args = append(opts.Args, args[1:]...)
			opts.Stdin = os.Stdin

			result, err := modelhost.RunFile(ctx, path, opts)
			if err != nil {
				logger.Fatal("Model run failed", zap.String("model", args[0]), zap.Error(err))
			}
			if len(result.Values) > 0 {
				fmt.Println(strings.Trim(fmt.Sprint(result.Values), "[]"))
			}
		},
	}

	modelRunCmd.Flags().StringVar(&modelRunEntry, "entry", "", "Exported function to call (default: _start or the configured entry)")

	// Model add command
	var modelAddVersion string

	modelAddCmd := &cobra.Command{
		Use:   "add [model-id]",
		Short: "Add a model to madkv.yaml",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			modelID := args[0]

			if _, exists := cfg.Models[modelID]; exists {
				logger.Fatal("Model already exists in configuration", zap.String("model", modelID))
			}

			client := newRegistryClient(cfg, false, logger)

			if modelAddVersion == "" {
				resolved, err := client.ResolveVersion(ctx, registry.ModelID(modelID), "latest")
				if err != nil {
					logger.Fatal("Failed to resolve latest version", zap.String("model", modelID), zap.Error(err))
				}
				modelAddVersion = string(resolved)
				fmt.Printf("Resolved version for %s to %s\n", modelID, modelAddVersion)
			}

			model := config.ModelConfig{Version: modelAddVersion}
			metadata, err := client.GetModelMetadata(ctx, registry.ModelID(modelID), registry.ModelVersion(modelAddVersion))
			if err == nil {
				model.Entry = metadata.Entry
			} else {
				logger.Warn("Could not fetch model metadata for defaults", zap.Error(err))
			}

			cfg.Models[modelID] = model
			if err := config.Save(cfg, configPath); err != nil {
				logger.Fatal("Failed to save config", zap.Error(err))
			}

			fmt.Printf("Added model %s@%s to %s\n", modelID, modelAddVersion, configPath)
		},
	}

	modelAddCmd.Flags().StringVar(&modelAddVersion, "version", "", "Model version (default: latest)")

	// Model install command
	var modelInstallOffline bool

	modelInstallCmd := &cobra.Command{
		Use:   "install",
		Short: "Install or update model WASM binaries and write the lockfile",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			client := newRegistryClient(cfg, modelInstallOffline, logger)

			lockFile, err := client.GenerateLockFile(ctx, cfg.ModelVersions())
			if err != nil {
				logger.Fatal("Failed to generate lockfile", zap.Error(err))
			}

			if err := client.SaveLockFile(lockFile, lockPath(configPath)); err != nil {
				logger.Fatal("Failed to save lockfile", zap.Error(err))
			}

			fmt.Printf("%d models installed successfully.\n", len(lockFile.Models))
		},
	}

	modelInstallCmd.Flags().BoolVar(&modelInstallOffline, "offline", false, "Use offline mode (no downloads)")

	// Model functions command
	modelFunctionsCmd := &cobra.Command{
		Use:   "functions [model-id|file.wasm]",
		Short: "List the GlobalFunctions the host provides, or those a model imports",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			functions := foreign.NewGlobalFunctions()
			if len(args) == 0 {
				for _, name := range functions.Names() {
					fmt.Println(name)
				}
				return
			}

			path, _, err := resolveModel(ctx, cfg, configPath, args[0], logger)
			if err != nil {
				logger.Fatal("Error resolving model", zap.Error(err))
			}
			wasmBytes, err := os.ReadFile(path)
			if err != nil {
				logger.Fatal("Failed to read wasm file", zap.Error(err))
			}

			imports, err := modelhost.Imports(ctx, wasmBytes, functions)
			if err != nil {
				logger.Fatal("Failed to inspect model", zap.Error(err))
			}
			for _, imp := range imports {
				status := "provided"
				if !imp.Registered {
					status = "MISSING"
				}
				fmt.Printf("%s.%s\t%s\n", hostfuncs.ModuleName, imp.Name, status)
			}
		},
	}

	modelCmd.AddCommand(modelRunCmd, modelAddCmd, modelInstallCmd, modelFunctionsCmd)

	// Reference client command
	refcliCmd := &cobra.Command{
		Use:   "refcli",
		Short: "Serve the KV line protocol on stdin/stdout from a local ordered map",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := refcli.Serve(ctx, os.Stdin, os.Stdout, logger); err != nil {
				logger.Fatal("Reference client failed", zap.Error(err))
			}
		},
	}

	// Fuzz command
	var (
		fuzzClient string
		fuzzSeed   uint64
	)

	fuzzCmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Fuzz test a KV system through concurrent clients",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()
			if flags.Changed("clients") {
				cfg.Fuzz.Clients, _ = flags.GetInt("clients")
			}
			if flags.Changed("keys") {
				cfg.Fuzz.Keys, _ = flags.GetInt("keys")
			}
			if flags.Changed("ops") {
				cfg.Fuzz.Ops, _ = flags.GetInt("ops")
			}
			if flags.Changed("conflict") {
				cfg.Fuzz.Conflict, _ = flags.GetBool("conflict")
			}

			if err := cfg.Fuzz.Validate(); err != nil {
				logger.Fatal("Invalid fuzz configuration", zap.Error(err))
			}
			argv, err := clientCommand(cfg, fuzzClient)
			if err != nil {
				logger.Fatal("Invalid client command", zap.Error(err))
			}
			if !flags.Changed("seed") {
				fuzzSeed = uint64(time.Now().UnixNano())
			}

			store, err := openReports(ctx, cfg)
			if err != nil {
				logger.Fatal("Failed to open reports store", zap.Error(err))
			}
			defer store.Close()

			clock := reports.NewClock(nil)
			report := clock.Begin(reports.KindFuzz)

			fmt.Printf("Fuzz testing configuration: %+v seed=%d\n", cfg.Fuzz, fuzzSeed)

			random := fuzz.NewRand(fuzzSeed)
			keys := fuzz.KeyPools(cfg.Fuzz, random)

			procs, err := runner.StartClients(ctx, cfg.Fuzz.Clients, argv, logger)
			if err != nil {
				logger.Fatal("Failed to launch clients", zap.Error(err))
			}

			result, err := fuzz.New(cfg.Fuzz, random, logger).Run(ctx, keys, runner.AsClients(procs))
			for _, proc := range procs {
				proc.Kill()
			}
			if err != nil {
				logger.Fatal("Fuzz testing aborted", zap.Error(err))
			}

			printFuzzResult(result)

			clock.FinishFuzz(report, cfg.Fuzz, *result)
			if err := store.Save(ctx, *report); err != nil {
				logger.Error("Failed to save report", zap.Error(err))
			}

			if result.Outcome == fuzz.Failed {
				store.Close()
				os.Exit(1)
			}
		},
	}

	fuzzCmd.Flags().Int("clients", 0, "Number of concurrent clients (default from madkv.yaml)")
	fuzzCmd.Flags().Int("keys", 0, "Number of keys per client")
	fuzzCmd.Flags().Int("ops", 0, "Number of operations per client")
	fuzzCmd.Flags().Bool("conflict", false, "Share one key pool across all clients")
	fuzzCmd.Flags().StringVar(&fuzzClient, "client", "", "Client command line (default from madkv.yaml)")
	fuzzCmd.Flags().Uint64Var(&fuzzSeed, "seed", 0, "Random seed (default: current time)")

	// Bench command
	var benchClient string

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark a KV system with a YCSB workload",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()
			if flags.Changed("clients") {
				cfg.Bench.Clients, _ = flags.GetInt("clients")
			}
			if flags.Changed("ops") {
				cfg.Bench.Ops, _ = flags.GetInt("ops")
			}
			if flags.Changed("workload") {
				cfg.Bench.Workload, _ = flags.GetString("workload")
			}
			if flags.Changed("ycsb-dir") {
				cfg.Bench.YCSBDir, _ = flags.GetString("ycsb-dir")
			}

			if err := cfg.Bench.Validate(); err != nil {
				logger.Fatal("Invalid bench configuration", zap.Error(err))
			}
			argv, err := clientCommand(cfg, benchClient)
			if err != nil {
				logger.Fatal("Invalid client command", zap.Error(err))
			}

			store, err := openReports(ctx, cfg)
			if err != nil {
				logger.Fatal("Failed to open reports store", zap.Error(err))
			}
			defer store.Close()

			clock := reports.NewClock(nil)
			report := clock.Begin(reports.KindBench)

			fmt.Printf("Benchmarking configuration: %+v\n", cfg.Bench)

			clients := func(ctx context.Context, n int) ([]runner.Client, error) {
				procs, err := runner.StartClients(ctx, n, argv, logger)
				if err != nil {
					return nil, err
				}
				return runner.AsClients(procs), nil
			}

			result, err := bench.New(cfg.Bench, clients, logger).Run(ctx)
			if err != nil {
				logger.Fatal("Benchmarking failed", zap.Error(err))
			}

			fmt.Println("Benchmarking results:")
			fmt.Print(result.Load.Format(string(bench.Load)))
			fmt.Print(result.Run.Format(string(bench.Run)))

			clock.FinishBench(report, cfg.Bench, *result)
			if err := store.Save(ctx, *report); err != nil {
				logger.Error("Failed to save report", zap.Error(err))
			}
		},
	}

	benchCmd.Flags().Int("clients", 0, "Number of concurrent clients (default from madkv.yaml)")
	benchCmd.Flags().Int("ops", 0, "YCSB operation count per client")
	benchCmd.Flags().String("workload", "", "YCSB workload, one of "+bench.Workloads)
	benchCmd.Flags().String("ycsb-dir", "", "Directory holding bin/ycsb.sh and workloads/")
	benchCmd.Flags().StringVar(&benchClient, "client", "", "Client command line (default from madkv.yaml)")

	// Service command
	var (
		serviceNodeID  string
		serviceServers string
		serviceServer  string
		serviceManager string
	)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Launch the server or manager process of a cluster node",
		Long: `Launch the server or manager process of a cluster node and wait for it.

The node id is "m" for the manager or "s<partition>" for a server, followed by
".<replica>" when replicated. A command of "none" launches nothing. The
launched process sees MADKV_NODE_ID, MADKV_PARTITION and, when --servers is
given, MADKV_API_PORT in its environment.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			id, err := nodeid.Parse(serviceNodeID)
			if err != nil {
				logger.Fatal("Invalid node id", zap.Error(err))
			}

			line := cfg.Server
			if serviceServer != "" {
				line = serviceServer
			}
			if id.Kind == nodeid.Manager {
				line = cfg.Manager
				if serviceManager != "" {
					line = serviceManager
				}
			}

			if line == "" || strings.EqualFold(line, "none") {
				logger.Info("Nothing to launch", zap.String("node", id.String()))
				return
			}
			argv, err := runner.ParseCommand(line)
			if err != nil {
				logger.Fatal("Invalid service command", zap.Error(err))
			}

			os.Setenv("MADKV_NODE_ID", id.String())
			os.Setenv("MADKV_PARTITION", strconv.Itoa(id.Partition))
			if serviceServers != "" {
				port, err := nodeid.PortOf(serviceServers, id.String())
				if err != nil {
					logger.Fatal("Invalid server list", zap.Error(err))
				}
				os.Setenv("MADKV_API_PORT", port)
			}

			logger.Info("Starting node", zap.String("node", id.String()), zap.Strings("command", argv))
			proc, err := runner.NewServerProc(argv, logger)
			if err != nil {
				logger.Fatal("Failed to launch node", zap.Error(err))
			}

			go func() {
				<-ctx.Done()
				proc.Stop()
			}()
			if err := proc.Wait(); err != nil && ctx.Err() == nil {
				logger.Fatal("Node exited", zap.Error(err))
			}
		},
	}

	serviceCmd.Flags().StringVarP(&serviceNodeID, "node-id", "n", "s0", "Node id of this node in the cluster")
	serviceCmd.Flags().StringVar(&serviceServers, "servers", "", "Comma-separated server addresses, one per partition")
	serviceCmd.Flags().StringVar(&serviceServer, "server", "", "Server command line, or \"none\" (default from madkv.yaml)")
	serviceCmd.Flags().StringVar(&serviceManager, "manager", "", "Manager command line, or \"none\" (default from madkv.yaml)")

	// Report command
	var reportLimit int

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print a markdown summary of recorded fuzz and bench runs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openReports(ctx, cfg)
			if err != nil {
				logger.Fatal("Failed to open reports store", zap.Error(err))
			}
			defer store.Close()

			summary, err := reports.Summary(ctx, store, reportLimit)
			if err != nil {
				logger.Fatal("Failed to summarize reports", zap.Error(err))
			}
			fmt.Print(summary)
		},
	}

	reportCmd.Flags().IntVarP(&reportLimit, "limit", "n", 10, "Latest runs of each kind to include (0 for all)")

	// Add commands to root
	rootCmd.AddCommand(timestampCmd, modelCmd, refcliCmd, fuzzCmd, benchCmd, serviceCmd, reportCmd)

	// Execute root command
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// lockPath derives madkv.lock from the config path
func lockPath(configPath string) string {
	return strings.TrimSuffix(configPath, filepath.Ext(configPath)) + ".lock"
}

func newRegistryClient(cfg *config.Config, offline bool, logger *zap.Logger) *registry.Client {
	settings := cfg.Registry.Expanded()
	return registry.NewClient(&registry.ClientOptions{
		RegistryURL: settings.URL,
		CacheDir:    settings.CacheDir,
		OfflineMode: offline || settings.Offline,
		Logger:      logger,
	})
}

// ensureLockFile loads the lockfile, generating it when it doesn't exist
func ensureLockFile(ctx context.Context, client *registry.Client, cfg *config.Config, configPath string) (*registry.LockFile, error) {
	path := lockPath(configPath)

	lockFile, err := client.LoadLockFile(path)
	if err == nil {
		return lockFile, nil
	}

	lockFile, err = client.GenerateLockFile(ctx, cfg.ModelVersions())
	if err != nil {
		return nil, fmt.Errorf("failed to generate lockfile: %w", err)
	}

	if err := client.SaveLockFile(lockFile, path); err != nil {
		return nil, fmt.Errorf("failed to save lockfile: %w", err)
	}

	return lockFile, nil
}

// resolveModel maps a model argument to a wasm file and its run options. A
// path to an existing file is run as is; anything else must be a model
// configured in madkv.yaml and is located through the lockfile.
func resolveModel(ctx context.Context, cfg *config.Config, configPath, arg string, logger *zap.Logger) (string, modelhost.Options, error) {
	opts := modelhost.Options{Logger: logger}

	model, configured := cfg.Models[arg]
	if !configured {
		if _, err := os.Stat(arg); err != nil {
			return "", opts, fmt.Errorf("%s is neither a wasm file nor a configured model (have %v)", arg, cfg.ModelIDs())
		}
		opts.Name = strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
		return arg, opts, nil
	}

	lockFile, err := ensureLockFile(ctx, newRegistryClient(cfg, false, logger), cfg, configPath)
	if err != nil {
		return "", opts, err
	}
	info, ok := lockFile.Models[registry.ModelID(arg)]
	if !ok {
		return "", opts, fmt.Errorf("model not found in lockfile: %s (run madkv model install)", arg)
	}

	opts.Name = filepath.Base(arg)
	opts.Entry = model.Entry
	opts.Args = append([]string(nil), model.Args...)
	opts.Env = make(map[string]string, len(model.Env))
	for k, v := range model.Env {
		opts.Env[k] = os.ExpandEnv(v)
	}
	opts.Mounts = make(map[string]string, len(model.Mounts))
	for hostPath, guestPath := range model.Mounts {
		resolved := os.ExpandEnv(hostPath)
		if err := os.MkdirAll(resolved, 0755); err != nil {
			return "", opts, fmt.Errorf("failed to create directory %s: %w", resolved, err)
		}
		opts.Mounts[resolved] = guestPath
	}
	return info.Location, opts, nil
}

// clientCommand picks the client command line, flag first
func clientCommand(cfg *config.Config, override string) ([]string, error) {
	line := cfg.Client
	if override != "" {
		line = override
	}
	if line == "" {
		return nil, errors.New("no client command: set client in madkv.yaml or pass --client")
	}
	return runner.ParseCommand(line)
}

func openReports(ctx context.Context, cfg *config.Config) (reports.Store, error) {
	settings := cfg.Reports.Expanded()
	return reports.Open(ctx, settings.Type, settings.Path, settings.DSN)
}

func printFuzzResult(result *fuzz.Result) {
	fmt.Printf("Fuzz testing result: %s\n", result.Outcome)
	if result.Reason != "" {
		fmt.Printf("  Reason:     %s\n", result.Reason)
	}
	fmt.Printf("  Remaining:  %d checks\n", result.Remaining)

	s := result.Stats
	fmt.Printf("  Ops stats:  Put %d  Swap %d  Get %d  Scan %d  Delete %d\n",
		s.Put, s.Swap, s.Get, s.Scan, s.Delete)
	for i, freq := range s.KeysFreq {
		if i == 0 {
			fmt.Print("  Keys freq:  ")
		} else {
			fmt.Print("              ")
		}
		fmt.Println(freq)
	}
}
