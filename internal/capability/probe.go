// Package capability inspects the host, caller and target and produces
// the immutable fact snapshot that feasibility resolution runs against.
package capability

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/diagcollect/diagcollect/internal/execx"
	"github.com/diagcollect/diagcollect/internal/fsutil"
	"github.com/diagcollect/diagcollect/internal/target"
)

// Tools names the external programs the probe checks for. Zero-value
// fields fall back to the conventional Linux tool names.
type Tools struct {
	Debugger string // gdb
	Tracer   string // strace
	JvmPs    string // jps
	JvmStack string // jstack
}

func (t Tools) withDefaults() Tools {
	if t.Debugger == "" {
		t.Debugger = "gdb"
	}
	if t.Tracer == "" {
		t.Tracer = "strace"
	}
	if t.JvmPs == "" {
		t.JvmPs = "jps"
	}
	if t.JvmStack == "" {
		t.JvmStack = "jstack"
	}
	return t
}

// Prober gathers capability facts. Path roots and the tool runner are
// injectable so tests can model arbitrary kernels and toolchains.
type Prober struct {
	ProcRoot    string
	SelinuxRoot string
	Tools       Tools
	Runner      *execx.Runner
	Logger      *slog.Logger

	// FreeDiskBytes reports free space on the filesystem backing the
	// given path. Overridable in tests; defaults to gopsutil.
	FreeDiskBytes func(path string) (uint64, error)
}

// NewProber creates a prober against the real host.
func NewProber(tools Tools, runner *execx.Runner, logger *slog.Logger) *Prober {
	return &Prober{
		ProcRoot:    "/proc",
		SelinuxRoot: "/sys/fs/selinux",
		Tools:       tools.withDefaults(),
		Runner:      runner,
		Logger:      logger,
		FreeDiskBytes: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}
}

// Probe computes the full capability snapshot for a target. Pure
// inspection: no side effects on the host or the target. Individual
// probes that cannot read their source degrade to a safe default
// instead of failing the snapshot.
func (p *Prober) Probe(ctx context.Context, tgt *target.Target, stagingRoot string) Set {
	tools := p.Tools.withDefaults()

	set := Set{
		DebuggerAvailable:  p.Runner.Available(tools.Debugger),
		TraceToolAvailable: p.Runner.Available(tools.Tracer),
		JvmToolsAvailable:  p.Runner.Available(tools.JvmPs) && p.Runner.Available(tools.JvmStack),

		PtraceScope:       p.ptraceScope(),
		SelinuxEnforcing:  p.selinuxEnforcing(),
		SelinuxDenyPtrace: p.selinuxDenyPtrace(),

		CallerIsRoot: os.Geteuid() == 0,
	}

	set.CallerMatchesTargetUser = uint32(os.Geteuid()) == tgt.OwnerUID
	set.TargetExecutableReadable = readable(tgt.ExePath)

	if free, err := p.FreeDisk(stagingRoot); err == nil {
		set.FreeDiskMB = free
	} else {
		p.debugf("free disk probe failed", "path", stagingRoot, "error", err)
	}

	set.EstimatedDumpMB = p.estimateDumpMB(tgt)

	if set.JvmToolsAvailable {
		set.TargetHasJvm = p.targetHasJvm(ctx, tgt, tools)
	}

	return set
}

// FreeDisk returns the current free space in MB on the filesystem
// backing path. The orchestrator uses this to refresh the disk fact
// immediately before a large dump.
func (p *Prober) FreeDisk(path string) (uint64, error) {
	free, err := p.FreeDiskBytes(path)
	if err != nil {
		return 0, err
	}
	return free / (1 << 20), nil
}

// ptraceScope reads the Yama sysctl. Absence (non-Yama kernel) or an
// unparsable value degrades to scope 0, the classic behavior.
func (p *Prober) ptraceScope() PtraceScope {
	data, err := fsutil.ReadFileScoped(filepath.Join(p.ProcRoot, "sys/kernel/yama/ptrace_scope"))
	if err != nil {
		return PtraceClassic
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 || n > 3 {
		return PtraceClassic
	}
	return PtraceScope(n)
}

// selinuxEnforcing reads /sys/fs/selinux/enforce; unreadable means
// SELinux is absent or permissive.
func (p *Prober) selinuxEnforcing() bool {
	data, err := fsutil.ReadFileScoped(filepath.Join(p.SelinuxRoot, "enforce"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// selinuxDenyPtrace reads the deny_ptrace boolean. The file holds
// "current pending" pairs; only the current value matters.
func (p *Prober) selinuxDenyPtrace() bool {
	data, err := fsutil.ReadFileScoped(filepath.Join(p.SelinuxRoot, "booleans/deny_ptrace"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	return len(fields) > 0 && fields[0] == "1"
}

// estimateDumpMB approximates the size of a prospective core or heap
// dump: the target's virtual memory size for live processes, the core
// file's own size for post-mortem runs (it gets copied into staging).
func (p *Prober) estimateDumpMB(tgt *target.Target) uint64 {
	if tgt.Kind == target.PostMortem {
		if info, err := os.Stat(tgt.CorePath); err == nil {
			return uint64(info.Size()) / (1 << 20)
		}
		return 0
	}
	proc, err := process.NewProcess(tgt.PID)
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.VMS / (1 << 20)
}

// targetHasJvm asks the JVM process lister whether the target pid is a
// JVM. Post-mortem targets are matched on the binary name instead.
func (p *Prober) targetHasJvm(ctx context.Context, tgt *target.Target, tools Tools) bool {
	if tgt.Kind == target.PostMortem {
		return strings.HasPrefix(tgt.Command, "java")
	}
	res, err := p.Runner.Run(ctx, 10*time.Second, tools.JvmPs, "-q")
	if err != nil {
		p.debugf("jvm process listing failed", "error", err)
		return false
	}
	want := strconv.Itoa(int(tgt.PID))
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

func (p *Prober) debugf(msg string, args ...any) {
	if p.Logger != nil {
		p.Logger.Debug(msg, args...)
	}
}

func readable(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
