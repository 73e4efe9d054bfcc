// Package hostfuncs exposes foreign functions to modeled programs compiled to
// WebAssembly. Every function is exported from the "GlobalFunctions" host module.
package hostfuncs

import (
	"context"
	"fmt"

	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ModuleName is the import module name modeled programs use for foreign functions.
const ModuleName = "GlobalFunctions"

// ForeignHost registers the functions of a GlobalFunctions registry with a
// wazero runtime.
type ForeignHost struct {
	functions *foreign.GlobalFunctions
	logger    *zap.Logger
}

// NewForeignHost creates a new ForeignHost. A nil registry means the default
// built-in functions.
func NewForeignHost(functions *foreign.GlobalFunctions, logger *zap.Logger) *ForeignHost {
	if functions == nil {
		functions = foreign.NewGlobalFunctions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForeignHost{functions: functions, logger: logger}
}

// Functions returns the registry backing this host.
func (h *ForeignHost) Functions() *foreign.GlobalFunctions {
	return h.functions
}

// Register instantiates the "GlobalFunctions" host module in r. Each export
// takes no parameters and returns one i64.
func (h *ForeignHost) Register(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(ModuleName)

	for _, name := range h.functions.Names() {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(h.export(name), nil, []api.ValueType{api.ValueTypeI64}).
			WithName(name).
			WithResultNames("value").
			Export(name)
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate %s host module: %w", ModuleName, err)
	}

	h.logger.Debug("registered foreign functions",
		zap.String("module", ModuleName),
		zap.Strings("functions", h.functions.Names()),
	)
	return nil
}
