package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsFindsWrappedError(t *testing.T) {
	base := Conflict("incident.open_actions", "open corrective actions remain")
	wrapped := fmt.Errorf("close incident 7: %w", base)

	got, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, KindConflict, got.Kind)
	require.True(t, IsKind(wrapped, KindConflict))
	require.False(t, IsKind(wrapped, KindValidation))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	e := &Error{Kind: KindNotFound, Code: "x", Message: "y", Cause: cause}
	require.Equal(t, "x: y (caused by: disk full)", e.Error())
	require.ErrorIs(t, e, cause)
}

func TestWithDetail(t *testing.T) {
	e := Validation("incident.reason_too_short", "reason too short").WithDetail("reason", "min 20")
	require.Equal(t, "min 20", e.Details["reason"])
}
