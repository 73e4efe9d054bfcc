package modelhost

import (
	"context"
	"fmt"
	"sort"

	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/madkv/madkv-cli/pkg/hostfuncs"
	"github.com/tetratelabs/wazero"
)

// Import is a foreign function a model imports from the host module.
type Import struct {
	Name string

	// Registered reports whether the registry can resolve Name.
	Registered bool
}

// Imports compiles wasmBytes without running it and lists the functions it
// imports from the foreign host module, sorted by name. A nil registry means
// the built-ins.
func Imports(ctx context.Context, wasmBytes []byte, functions *foreign.GlobalFunctions) ([]Import, error) {
	if functions == nil {
		functions = foreign.NewGlobalFunctions()
	}

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}

	var imports []Import
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != hostfuncs.ModuleName {
			continue
		}
		_, err := functions.Resolve(name)
		imports = append(imports, Import{Name: name, Registered: err == nil})
	}

	sort.Slice(imports, func(i, j int) bool { return imports[i].Name < imports[j].Name })
	return imports, nil
}
