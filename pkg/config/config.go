// Package config loads and saves madkv.yaml, the project file naming the KV
// system under test and the defaults for each command.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/madkv/madkv-cli/pkg/bench"
	"github.com/madkv/madkv-cli/pkg/fuzz"
	"github.com/madkv/madkv-cli/pkg/registry"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where commands look for the project file.
const DefaultPath = "madkv.yaml"

// ModelConfig describes a compiled modeled program to fetch from the registry.
type ModelConfig struct {
	Version string            `yaml:"version"`
	Entry   string            `yaml:"entry,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Mounts maps host directories to guest paths.
	Mounts map[string]string `yaml:"mounts,omitempty"`
}

// RegistryConfig points at the model registry and its local cache.
type RegistryConfig struct {
	URL      string `yaml:"url,omitempty"`
	CacheDir string `yaml:"cache_dir,omitempty"`
	Offline  bool   `yaml:"offline,omitempty"`
}

// ReportsConfig selects where run reports are kept: "file" keeps YAML files
// under Path, "postgres" connects with DSN.
type ReportsConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
	DSN  string `yaml:"dsn,omitempty"`
}

// Config is the madkv.yaml structure.
type Config struct {
	// Client, Server and Manager are command lines, split like a shell would.
	// "none" for Server or Manager launches nothing on that kind of node.
	Client  string `yaml:"client,omitempty"`
	Server  string `yaml:"server,omitempty"`
	Manager string `yaml:"manager,omitempty"`

	Fuzz  fuzz.Config  `yaml:"fuzz"`
	Bench bench.Config `yaml:"bench"`

	Models   map[string]ModelConfig `yaml:"models,omitempty"`
	Registry RegistryConfig         `yaml:"registry,omitempty"`
	Reports  ReportsConfig          `yaml:"reports"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Fuzz: fuzz.Config{
			Clients:         1,
			Keys:            5,
			Ops:             5000,
			RespTimeout:     fuzz.DefaultRespTimeout,
			RemainThreshold: fuzz.DefaultRemainThreshold,
		},
		Bench: bench.Config{
			Clients:      1,
			Ops:          10000,
			Workload:     "a",
			YCSBDir:      bench.DefaultYCSBDir,
			RespTimeout:  bench.DefaultRespTimeout,
			PhaseTimeout: bench.DefaultPhaseTimeout,
		},
		Models: make(map[string]ModelConfig),
		Registry: RegistryConfig{
			URL:      registry.DefaultRegistryURL,
			CacheDir: registry.DefaultCacheDir,
		},
		Reports: ReportsConfig{
			Type: "file",
			Path: ".madkv/reports",
		},
	}
}

// Load reads the configuration at path over the defaults. Values are kept
// as written, so that Save never persists expanded secrets; ${VAR}
// references are expanded where they are used. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Models == nil {
		config.Models = make(map[string]ModelConfig)
	}
	return config, nil
}

// Save writes the configuration to path.
func Save(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	content := "# madkv YAML Configuration\n\n" + string(data)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Expanded returns the reports settings with environment variables
// expanded, so the DSN can live in .env.
func (r ReportsConfig) Expanded() ReportsConfig {
	return ReportsConfig{
		Type: r.Type,
		Path: os.ExpandEnv(r.Path),
		DSN:  os.ExpandEnv(r.DSN),
	}
}

// Expanded returns the registry settings with environment variables expanded.
func (r RegistryConfig) Expanded() RegistryConfig {
	return RegistryConfig{
		URL:      os.ExpandEnv(r.URL),
		CacheDir: os.ExpandEnv(r.CacheDir),
		Offline:  r.Offline,
	}
}

// ModelVersions returns the configured model versions keyed by registry id.
func (c *Config) ModelVersions() map[registry.ModelID]registry.ModelVersion {
	versions := make(map[registry.ModelID]registry.ModelVersion, len(c.Models))
	for id, model := range c.Models {
		versions[registry.ModelID(id)] = registry.ModelVersion(model.Version)
	}
	return versions
}

// ModelIDs returns the configured model ids, sorted.
func (c *Config) ModelIDs() []string {
	ids := make([]string, 0, len(c.Models))
	for id := range c.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
