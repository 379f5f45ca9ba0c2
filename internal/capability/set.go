package capability

// PtraceScope mirrors the kernel Yama ptrace_scope sysctl values.
type PtraceScope int

const (
	// PtraceClassic permits attach between processes with suitable
	// privilege, the pre-Yama behavior.
	PtraceClassic PtraceScope = 0
	// PtraceRestricted limits attach to direct descendants.
	PtraceRestricted PtraceScope = 1
	// PtraceAdminOnly limits attach to CAP_SYS_PTRACE holders.
	PtraceAdminOnly PtraceScope = 2
	// PtraceDisabled forbids attach entirely, for any caller.
	PtraceDisabled PtraceScope = 3
)

// Set is an immutable snapshot of everything the current host, caller
// and target combination permits. It is computed once at run start and
// passed by value; refreshed facts produce a new Set rather than
// mutating the shared one.
type Set struct {
	// External tool presence on PATH.
	DebuggerAvailable  bool
	TraceToolAvailable bool
	JvmToolsAvailable  bool

	// Kernel and security policy state.
	PtraceScope       PtraceScope
	SelinuxEnforcing  bool
	SelinuxDenyPtrace bool

	// Caller/target privilege relationship.
	CallerIsRoot           bool
	CallerMatchesTargetUser bool

	// Target attributes.
	TargetHasJvm             bool
	TargetExecutableReadable bool

	// Resource facts, in megabytes. FreeDiskMB is the only fact the
	// orchestrator is permitted to refresh mid-run.
	FreeDiskMB      uint64
	EstimatedDumpMB uint64
}

// WithFreeDisk returns a copy of the set with a refreshed free-disk
// figure. The receiver is left untouched.
func (s Set) WithFreeDisk(mb uint64) Set {
	s.FreeDiskMB = mb
	return s
}

// PtraceAllowed applies the combined SELinux and Yama attach rules to
// this snapshot.
//
// SELinux wins over Yama: with enforcing mode on and the deny_ptrace
// boolean set, attach is forbidden no matter what the scope says.
// Under Yama, scope 0 is open, scope 3 is closed for everyone, and at
// scope 1-2 a same-user caller is treated as blocked while root is
// still allowed through.
func (s Set) PtraceAllowed() bool {
	if s.SelinuxEnforcing && s.SelinuxDenyPtrace {
		return false
	}
	switch s.PtraceScope {
	case PtraceClassic:
		return true
	case PtraceDisabled:
		return false
	default:
		return s.CallerIsRoot
	}
}

// DiskBudgetOK reports whether a prospective dump of EstimatedDumpMB
// fits in the free space last observed.
func (s Set) DiskBudgetOK() bool {
	return s.FreeDiskMB >= s.EstimatedDumpMB
}
