package vigil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	base := errors.New("401 invalid_grant")
	require.Equal(t, ErrorCategory(""), Classify(nil))
	require.Equal(t, CategoryAuth, Classify(AuthError(base)))
	require.Equal(t, CategoryAuth, Classify(fmt.Errorf("poll: %w", AuthError(base))))
	require.Equal(t, CategoryTransient, Classify(TransientError(base)))
	require.Equal(t, CategoryTransient, Classify(context.DeadlineExceeded))
	require.Equal(t, CategoryTransient, Classify(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.Equal(t, CategoryUnknown, Classify(base))

	require.ErrorIs(t, AuthError(base), base)
	require.Nil(t, AuthError(nil))
	require.Nil(t, TransientError(nil))
	require.Contains(t, AuthError(base).Error(), "auth")
}
