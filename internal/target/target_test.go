package target

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagcollect/diagcollect/internal/core"
)

func TestResolveLiveSelf(t *testing.T) {
	tgt, err := ResolveLive(int32(os.Getpid()))
	require.NoError(t, err)

	assert.Equal(t, Live, tgt.Kind)
	assert.Equal(t, int32(os.Getpid()), tgt.PID)
	assert.NotEmpty(t, tgt.Command)
	assert.Equal(t, uint32(os.Geteuid()), tgt.OwnerUID)
	assert.Empty(t, tgt.MappedFiles)
}

func TestResolveLiveUnknownPid(t *testing.T) {
	_, err := ResolveLive(1 << 22)
	require.Error(t, err)

	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "TARGET_NOT_FOUND", derr.Code)
}

func TestIdentifier(t *testing.T) {
	live := &Target{Kind: Live, PID: 4242}
	assert.Equal(t, "4242", live.Identifier())

	pm := &Target{Kind: PostMortem, CorePath: "/var/crash/core.web.77"}
	assert.Equal(t, "core.web.77", pm.Identifier())
}

func TestResolvePostMortemRecoversBinaryFromCore(t *testing.T) {
	desc := buildFileDesc(t, 8, []struct {
		start uint64
		path  string
	}{
		{0x7f0000000000, "/usr/lib/libc.so.6"},
		{0x400000, "/srv/daemon"},
	})
	corePath := writeMinimalCore(t, buildNote(ntFile, desc))

	tgt, err := ResolvePostMortem(corePath)
	require.NoError(t, err)

	assert.Equal(t, PostMortem, tgt.Kind)
	assert.Equal(t, corePath, tgt.CorePath)
	assert.Equal(t, "/srv/daemon", tgt.ExePath)
	assert.Equal(t, "daemon", tgt.Command)
	assert.Len(t, tgt.MappedFiles, 2)
	assert.Equal(t, uint32(os.Geteuid()), tgt.OwnerUID)
}

func TestResolvePostMortemAcceptsEitherArgumentOrder(t *testing.T) {
	corePath := writeMinimalCore(t, nil)
	exe, err := os.Executable()
	require.NoError(t, err)

	a, err := ResolvePostMortem(corePath, exe)
	require.NoError(t, err)
	b, err := ResolvePostMortem(exe, corePath)
	require.NoError(t, err)

	assert.Equal(t, a.CorePath, b.CorePath)
	assert.Equal(t, a.ExePath, b.ExePath)
	assert.Equal(t, exe, a.ExePath)
}

func TestResolvePostMortemRejectsTwoCores(t *testing.T) {
	_, err := ResolvePostMortem(writeMinimalCore(t, nil), writeMinimalCore(t, nil))
	require.Error(t, err)

	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "TWO_CORE_FILES", derr.Code)
}

func TestResolvePostMortemRejectsNonElf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readme.md")
	require.NoError(t, os.WriteFile(path, []byte("# notes"), 0o644))

	_, err := ResolvePostMortem(path)
	require.Error(t, err)

	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "NOT_ELF", derr.Code)
}

func TestResolvePostMortemRequiresCore(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	_, err = ResolvePostMortem(exe)
	require.Error(t, err)

	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "NO_CORE_FILE", derr.Code)
}

func TestResolvePostMortemNoteAbsentNeedsExplicitBinary(t *testing.T) {
	corePath := writeMinimalCore(t, nil)

	_, err := ResolvePostMortem(corePath)
	require.Error(t, err)

	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "NO_EXECUTABLE", derr.Code)
}

func TestValidateCaller(t *testing.T) {
	tgt := &Target{OwnerUID: 1000, OwnerName: "svc"}

	assert.NoError(t, tgt.ValidateCaller(0), "root may target anything")
	assert.NoError(t, tgt.ValidateCaller(1000), "the owning user may target its own process")

	err := tgt.ValidateCaller(1001)
	require.Error(t, err)
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "USER_MISMATCH", derr.Code)
	assert.True(t, core.IsFatal(err))
}

func TestNoteAlignmentRoundsUp(t *testing.T) {
	assert.Equal(t, 0, align4(0))
	assert.Equal(t, 4, align4(1))
	assert.Equal(t, 4, align4(4))
	assert.Equal(t, 8, align4(5))
}
