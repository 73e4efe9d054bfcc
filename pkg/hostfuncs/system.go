package hostfuncs

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// export adapts the registry function called name to the wasm calling
// convention. The calling module is handed over as the machine handle.
// Resolution happens on every call, so a replacement registered after the
// module was instantiated is still observed.
func (h *ForeignHost) export(name string) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		value, err := h.functions.Call(name, mod)
		if err != nil {
			// Unreachable for names taken from the registry, which never shrinks.
			panic(fmt.Sprintf("foreign function %s: %v", name, err))
		}
		stack[0] = api.EncodeI64(value)
	}
}
