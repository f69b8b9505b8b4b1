package vigil

import (
	"context"

	"github.com/UniQw/vigil/internal/hctx"
)

// Attempt returns the 1-based try number of the running action, or 0 when
// ctx was not provided by the Executor.
func Attempt(ctx context.Context) int {
	st, ok := hctx.From(ctx)
	if !ok {
		return 0
	}
	return st.Attempt
}

// SetResult encodes the provided value using the default JSON encoder and
// attaches it as the result note of the done record. Strings are stored
// verbatim. Last call wins. It is a no-op outside the Executor.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok {
		st.Result = s
		return nil
	}
	b, err := defaultEncoder.Encode(v)
	if err != nil {
		return err
	}
	st.Result = string(b)
	return nil
}
