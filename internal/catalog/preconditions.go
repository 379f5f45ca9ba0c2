package catalog

import (
	"fmt"

	"github.com/diagcollect/diagcollect/internal/capability"
)

// Tools names every external program the catalog delegates to. Zero
// fields default to the conventional Linux/JDK names.
type Tools struct {
	Debugger string // gdb
	Gcore    string // gcore
	Tracer   string // strace
	JvmPs    string // jps
	JvmStack string // jstack
	JvmMap   string // jmap
	JvmCmd   string // jcmd
	JvmInfo  string // jinfo
	JvmStat  string // jstat
	Top      string // top
	Free     string // free
	Vmstat   string // vmstat
	Deploy   string // companion deployment-management tool
}

// WithDefaults fills empty tool names with the conventional ones.
func (t Tools) WithDefaults() Tools {
	def := func(v *string, name string) {
		if *v == "" {
			*v = name
		}
	}
	def(&t.Debugger, "gdb")
	def(&t.Gcore, "gcore")
	def(&t.Tracer, "strace")
	def(&t.JvmPs, "jps")
	def(&t.JvmStack, "jstack")
	def(&t.JvmMap, "jmap")
	def(&t.JvmCmd, "jcmd")
	def(&t.JvmInfo, "jinfo")
	def(&t.JvmStat, "jstat")
	def(&t.Top, "top")
	def(&t.Free, "free")
	def(&t.Vmstat, "vmstat")
	def(&t.Deploy, "deployctl")
	return t
}

// Tool-absence reasons come before any policy reason: policy is
// irrelevant when the tool cannot run at all.

func requireDebugger(tools Tools) Precondition {
	return pre(func(s capability.Set) bool { return s.DebuggerAvailable },
		fmt.Sprintf("tool not found: %s", tools.Debugger))
}

func requireTracer(tools Tools) Precondition {
	return pre(func(s capability.Set) bool { return s.TraceToolAvailable },
		fmt.Sprintf("tool not found: %s", tools.Tracer))
}

func requireJvmTools(tools Tools) Precondition {
	return pre(func(s capability.Set) bool { return s.JvmToolsAvailable },
		fmt.Sprintf("tool not found: %s/%s (JDK tools)", tools.JvmPs, tools.JvmStack))
}

// requireSelinuxPtrace fails when SELinux enforcing mode carries the
// deny_ptrace boolean; it is listed before the Yama check so the more
// specific policy is reported when both block.
func requireSelinuxPtrace() Precondition {
	return pre(func(s capability.Set) bool { return !(s.SelinuxEnforcing && s.SelinuxDenyPtrace) },
		"ptrace attach prohibited by SELinux policy (deny_ptrace)")
}

// requireYamaPtrace applies the Yama scope rules of Set.PtraceAllowed,
// assuming the SELinux check already passed.
func requireYamaPtrace() Precondition {
	return pre(func(s capability.Set) bool { return s.PtraceAllowed() },
		"ptrace attach prohibited by kernel policy (yama ptrace_scope)")
}

// ptracePreconditions is the standard pair for every attach-dependent
// row.
func ptracePreconditions() []Precondition {
	return []Precondition{requireSelinuxPtrace(), requireYamaPtrace()}
}

func requireJvmTarget() Precondition {
	return pre(func(s capability.Set) bool { return s.TargetHasJvm },
		"target does not expose a JVM")
}

func requireDiskBudget() Precondition {
	return Precondition{
		Check: func(s capability.Set) bool { return s.DiskBudgetOK() },
		Reason: func(s capability.Set) string {
			return fmt.Sprintf("insufficient disk space: need %d MB, have %d MB",
				s.EstimatedDumpMB, s.FreeDiskMB)
		},
	}
}

func requireReadableExecutable() Precondition {
	return pre(func(s capability.Set) bool { return s.TargetExecutableReadable },
		"target executable is not readable")
}
