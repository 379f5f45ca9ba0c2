package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/diagcollect/diagcollect/internal/execx"
	"github.com/diagcollect/diagcollect/internal/target"
)

// fakeHost builds proc/selinux trees with the given policy files.
func fakeHost(t *testing.T, ptraceScope, enforce, denyPtrace string) *Prober {
	t.Helper()
	root := t.TempDir()

	procRoot := filepath.Join(root, "proc")
	selinuxRoot := filepath.Join(root, "selinux")
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "sys/kernel/yama"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(selinuxRoot, "booleans"), 0o755))

	if ptraceScope != "" {
		require.NoError(t, os.WriteFile(
			filepath.Join(procRoot, "sys/kernel/yama/ptrace_scope"), []byte(ptraceScope+"\n"), 0o644))
	}
	if enforce != "" {
		require.NoError(t, os.WriteFile(
			filepath.Join(selinuxRoot, "enforce"), []byte(enforce), 0o644))
	}
	if denyPtrace != "" {
		require.NoError(t, os.WriteFile(
			filepath.Join(selinuxRoot, "booleans/deny_ptrace"), []byte(denyPtrace), 0o644))
	}

	runner := execx.New(0)
	runner.LookPath = func(string) (string, error) { return "", os.ErrNotExist }

	p := NewProber(Tools{}, runner, nil)
	p.ProcRoot = procRoot
	p.SelinuxRoot = selinuxRoot
	p.FreeDiskBytes = func(string) (uint64, error) { return 4 << 30, nil }
	return p
}

func selfTarget(t *testing.T) *target.Target {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return &target.Target{
		Kind:     target.Live,
		PID:      int32(os.Getpid()),
		ExePath:  exe,
		Command:  filepath.Base(exe),
		OwnerUID: uint32(os.Geteuid()),
	}
}

func TestProbeReadsPolicyFiles(t *testing.T) {
	p := fakeHost(t, "2", "1", "1 1")
	set := p.Probe(context.Background(), selfTarget(t), t.TempDir())

	require.Equal(t, PtraceAdminOnly, set.PtraceScope)
	require.True(t, set.SelinuxEnforcing)
	require.True(t, set.SelinuxDenyPtrace)
	require.True(t, set.CallerMatchesTargetUser)
	require.Equal(t, uint64(4096), set.FreeDiskMB)
}

func TestProbeDegradesToSafeDefaults(t *testing.T) {
	// Non-Yama kernel, no SELinux: every unreadable policy source
	// falls back to the permissive default instead of failing.
	p := fakeHost(t, "", "", "")
	set := p.Probe(context.Background(), selfTarget(t), t.TempDir())

	require.Equal(t, PtraceClassic, set.PtraceScope)
	require.False(t, set.SelinuxEnforcing)
	require.False(t, set.SelinuxDenyPtrace)
}

func TestProbeIgnoresGarbagePolicyValues(t *testing.T) {
	p := fakeHost(t, "not-a-number", "", "")
	set := p.Probe(context.Background(), selfTarget(t), t.TempDir())
	require.Equal(t, PtraceClassic, set.PtraceScope)
}

func TestProbeToolPresence(t *testing.T) {
	p := fakeHost(t, "0", "", "")
	p.Runner.LookPath = func(tool string) (string, error) {
		if tool == "gdb" {
			return "/usr/bin/gdb", nil
		}
		return "", os.ErrNotExist
	}
	set := p.Probe(context.Background(), selfTarget(t), t.TempDir())

	require.True(t, set.DebuggerAvailable)
	require.False(t, set.TraceToolAvailable)
	require.False(t, set.JvmToolsAvailable)
	require.False(t, set.TargetHasJvm, "no JVM tooling means the JVM fact stays false")
}

func TestProbeEstimatesLiveDumpFromVMS(t *testing.T) {
	p := fakeHost(t, "0", "", "")
	set := p.Probe(context.Background(), selfTarget(t), t.TempDir())
	require.Greater(t, set.EstimatedDumpMB, uint64(0),
		"a live process always has nonzero virtual size")
}

func TestProbeEstimatesPostMortemDumpFromCoreSize(t *testing.T) {
	p := fakeHost(t, "0", "", "")

	corePath := filepath.Join(t.TempDir(), "core.1234")
	require.NoError(t, os.WriteFile(corePath, make([]byte, 3<<20), 0o600))

	tgt := &target.Target{Kind: target.PostMortem, CorePath: corePath, Command: "app"}
	set := p.Probe(context.Background(), tgt, t.TempDir())
	require.Equal(t, uint64(3), set.EstimatedDumpMB)
}

func TestWithFreeDiskReturnsNewValue(t *testing.T) {
	original := Set{FreeDiskMB: 1000, EstimatedDumpMB: 500}
	refreshed := original.WithFreeDisk(100)

	require.Equal(t, uint64(1000), original.FreeDiskMB, "the original set is immutable")
	require.Equal(t, uint64(100), refreshed.FreeDiskMB)
	require.Equal(t, uint64(500), refreshed.EstimatedDumpMB)
	require.True(t, original.DiskBudgetOK())
	require.False(t, refreshed.DiskBudgetOK())
}

func TestPtraceAllowedTable(t *testing.T) {
	cases := []struct {
		name string
		set  Set
		want bool
	}{
		{"scope 0 same user", Set{PtraceScope: PtraceClassic, CallerMatchesTargetUser: true}, true},
		{"scope 0 root", Set{PtraceScope: PtraceClassic, CallerIsRoot: true}, true},
		{"scope 1 same user", Set{PtraceScope: PtraceRestricted, CallerMatchesTargetUser: true}, false},
		{"scope 1 root", Set{PtraceScope: PtraceRestricted, CallerIsRoot: true}, true},
		{"scope 2 same user", Set{PtraceScope: PtraceAdminOnly, CallerMatchesTargetUser: true}, false},
		{"scope 2 root", Set{PtraceScope: PtraceAdminOnly, CallerIsRoot: true}, true},
		{"scope 3 same user", Set{PtraceScope: PtraceDisabled, CallerMatchesTargetUser: true}, false},
		{"scope 3 root", Set{PtraceScope: PtraceDisabled, CallerIsRoot: true}, false},
		{"selinux deny wins over open scope", Set{
			PtraceScope: PtraceClassic, CallerIsRoot: true,
			SelinuxEnforcing: true, SelinuxDenyPtrace: true,
		}, false},
		{"selinux permissive deny ignored", Set{
			PtraceScope: PtraceClassic, CallerMatchesTargetUser: true,
			SelinuxDenyPtrace: true,
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.set.PtraceAllowed())
		})
	}
}

func TestProbeDetectsJvmByPidListing(t *testing.T) {
	dir := t.TempDir()
	fakeJps := filepath.Join(dir, "jps")
	script := fmt.Sprintf("#!/bin/sh\necho 999999\necho %d\n", os.Getpid())
	require.NoError(t, os.WriteFile(fakeJps, []byte(script), 0o755))

	p := fakeHost(t, "0", "", "")
	p.Tools = Tools{JvmPs: fakeJps, JvmStack: fakeJps}
	p.Runner.LookPath = func(tool string) (string, error) { return tool, nil }

	set := p.Probe(context.Background(), selfTarget(t), t.TempDir())
	require.True(t, set.JvmToolsAvailable)
	require.True(t, set.TargetHasJvm)
}
