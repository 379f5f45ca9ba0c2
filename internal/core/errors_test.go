package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorMatchesOnCategoryAndCode(t *testing.T) {
	err := ErrTransient("ATTACH_RACE", "target exited during attach")

	assert.True(t, errors.Is(err, &DomainError{Category: ErrCatTransient, Code: "ATTACH_RACE"}))
	assert.True(t, errors.Is(err, &DomainError{Category: ErrCatTransient}),
		"empty code matches any code within the category")
	assert.False(t, errors.Is(err, &DomainError{Category: ErrCatExternal}))
	assert.False(t, errors.Is(err, &DomainError{Category: ErrCatTransient, Code: "OTHER"}))
}

func TestDomainErrorMatchesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("running gdb: %w", ErrPrecondition("NO_DEPLOY_TOOL", "no deployment tool found"))
	assert.True(t, errors.Is(err, &DomainError{Category: ErrCatPrecondition}))
}

func TestDomainErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := ErrExternal("GDB_EXIT", "gdb exited 1").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "GDB_EXIT")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrSetup("STAGING_CREATE", "cannot create staging dir")))
	assert.True(t, IsFatal(ErrUsage("USER_MISMATCH", "not the owner")))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", ErrUsage("NO_CORE_FILE", "missing core"))))

	assert.False(t, IsFatal(ErrPrecondition("YAMA", "ptrace blocked")))
	assert.False(t, IsFatal(ErrResource("need 4096 MB")))
	assert.False(t, IsFatal(ErrTransient("ATTACH_RACE", "retry")))
	assert.False(t, IsFatal(ErrExternal("TOOL_EXIT", "exit 2")))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(nil))
}

func TestRetryableFlag(t *testing.T) {
	assert.True(t, ErrTransient("ATTACH_RACE", "x").Retryable)
	assert.False(t, ErrExternal("TOOL_EXIT", "x").Retryable)
}
