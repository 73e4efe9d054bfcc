package hostfuncs

import (
	"context"
	"testing"
	"time"

	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// guestModule builds a minimal wasm module importing GlobalFunctions.<name>
// as () -> i64 and exporting a function "now" that returns its result.
func guestModule(name string) []byte {
	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// type section: one func type () -> (i64)
	bin = append(bin, 0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7e)

	// import section
	imports := []byte{0x01, byte(len(ModuleName))}
	imports = append(imports, ModuleName...)
	imports = append(imports, byte(len(name)))
	imports = append(imports, name...)
	imports = append(imports, 0x00, 0x00)
	bin = append(bin, 0x02, byte(len(imports)))
	bin = append(bin, imports...)

	// function section: one function of type 0
	bin = append(bin, 0x03, 0x02, 0x01, 0x00)

	// export section: "now" -> function 1 (the import is function 0)
	bin = append(bin, 0x07, 0x07, 0x01, 0x03, 'n', 'o', 'w', 0x00, 0x01)

	// code section: call 0; end
	bin = append(bin, 0x0a, 0x06, 0x01, 0x04, 0x00, 0x10, 0x00, 0x0b)

	return bin
}

func callNow(t *testing.T, ctx context.Context, r wazero.Runtime, name string) int64 {
	t.Helper()

	mod, err := r.Instantiate(ctx, guestModule(name))
	require.NoError(t, err)
	defer mod.Close(ctx)

	results, err := mod.ExportedFunction("now").Call(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	return int64(results[0])
}

func TestForeignHostGetTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	host := NewForeignHost(nil, nil)
	require.NoError(t, host.Register(ctx, r))

	ticks := callNow(t, ctx, r, foreign.GetTimestampName)

	assert.WithinDuration(t, time.Now(), foreign.FromTicks(ticks), 5*time.Second)
}

func TestForeignHostReplacedFunction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	functions := foreign.NewGlobalFunctions()
	host := NewForeignHost(functions, nil)
	require.NoError(t, host.Register(ctx, r))

	// Replaced after registration: the host resolves by name on each call.
	var machine foreign.Machine
	require.NoError(t, functions.Register(foreign.GetTimestampName, func(m foreign.Machine) int64 {
		machine = m
		return -5
	}))

	assert.Equal(t, int64(-5), callNow(t, ctx, r, foreign.GetTimestampName))

	_, ok := machine.(api.Module)
	assert.True(t, ok, "the calling module is passed as the machine handle")
}

func TestForeignHostExtraFunction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	functions := foreign.NewGlobalFunctions()
	require.NoError(t, functions.Register("GetAnswer", func(foreign.Machine) int64 { return 42 }))

	host := NewForeignHost(functions, nil)
	require.NoError(t, host.Register(ctx, r))

	assert.Equal(t, int64(42), callNow(t, ctx, r, "GetAnswer"))
}

func TestForeignHostUnknownImport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	require.NoError(t, NewForeignHost(nil, nil).Register(ctx, r))

	_, err := r.Instantiate(ctx, guestModule("GetRandom"))
	assert.Error(t, err)
}
