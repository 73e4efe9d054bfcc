package modelhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/madkv/madkv-cli/pkg/foreign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timestampModel imports GlobalFunctions.GetTimestamp and exports "now",
// which returns it.
var timestampModel = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: () -> i64
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7e,
	// import "GlobalFunctions" "GetTimestamp"
	0x02, 0x20, 0x01,
	0x0f, 'G', 'l', 'o', 'b', 'a', 'l', 'F', 'u', 'n', 'c', 't', 'i', 'o', 'n', 's',
	0x0c, 'G', 'e', 't', 'T', 'i', 'm', 'e', 's', 't', 'a', 'm', 'p',
	0x00, 0x00,
	// function section
	0x03, 0x02, 0x01, 0x00,
	// export "now"
	0x07, 0x07, 0x01, 0x03, 'n', 'o', 'w', 0x00, 0x01,
	// code: call 0; end
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x10, 0x00, 0x0b,
}

func TestRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("model reads the host clock", func(t *testing.T) {
		t.Parallel()

		result, err := Run(ctx, timestampModel, Options{Entry: "now"})
		require.NoError(t, err)
		require.Len(t, result.Values, 1)

		ticks := int64(result.Values[0])
		assert.WithinDuration(t, time.Now(), foreign.FromTicks(ticks), 5*time.Second)
	})

	t.Run("intercepted clock", func(t *testing.T) {
		t.Parallel()

		functions := foreign.NewGlobalFunctions()
		require.NoError(t, functions.Register(foreign.GetTimestampName, func(foreign.Machine) int64 {
			return foreign.UnixEpochTicks
		}))

		result, err := Run(ctx, timestampModel, Options{Entry: "now", Functions: functions})
		require.NoError(t, err)
		assert.Equal(t, uint64(foreign.UnixEpochTicks), result.Values[0])
	})

	t.Run("missing entry point", func(t *testing.T) {
		t.Parallel()

		_, err := Run(ctx, timestampModel, Options{})
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("invalid module", func(t *testing.T) {
		t.Parallel()

		_, err := Run(ctx, []byte("not wasm"), Options{})
		assert.Error(t, err)
	})
}

func TestRunFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(os.TempDir(), uuid.NewString())
	require.NoError(t, os.MkdirAll(dir, 0755))
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "model.wasm")
	require.NoError(t, os.WriteFile(path, timestampModel, 0644))

	result, err := RunFile(context.Background(), path, Options{Entry: "now"})
	require.NoError(t, err)
	assert.NotZero(t, result.Values[0])

	_, err = RunFile(context.Background(), filepath.Join(dir, "missing.wasm"), Options{})
	assert.Error(t, err)
}

func TestImports(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	imports, err := Imports(ctx, timestampModel, nil)
	require.NoError(t, err)
	assert.Equal(t, []Import{{Name: foreign.GetTimestampName, Registered: true}}, imports)

	_, err = Imports(ctx, []byte("not wasm"), nil)
	assert.Error(t, err)
}
