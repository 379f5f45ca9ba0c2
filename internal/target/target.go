// Package target resolves what is being diagnosed: a live process
// identified by pid, or a post-mortem core-file/binary pair.
package target

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/diagcollect/diagcollect/internal/core"
)

// Kind distinguishes a live process target from a post-mortem one.
type Kind int

const (
	// Live targets are attached to by pid.
	Live Kind = iota
	// PostMortem targets are a core file plus the binary that produced it.
	PostMortem
)

// Target is the resolved subject of a collection run. It is built once
// during argument handling and treated as read-only afterwards.
type Target struct {
	Kind     Kind
	PID      int32
	ExePath  string
	Command  string
	Cmdline  string
	CorePath string

	OwnerUID  uint32
	OwnerName string

	// MappedFiles lists the file-backed mappings recovered from a core
	// file's NT_FILE note. Empty for live targets; the live equivalent
	// is read from /proc/<pid>/maps at collection time.
	MappedFiles []string
}

// Identifier names the target for archive naming: the pid for live
// targets, the core file's base name otherwise.
func (t *Target) Identifier() string {
	if t.Kind == Live {
		return strconv.Itoa(int(t.PID))
	}
	return filepath.Base(t.CorePath)
}

// ResolveLive builds a Target from a running process.
func ResolveLive(pid int32) (*Target, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, core.ErrUsage("TARGET_NOT_FOUND",
			fmt.Sprintf("no process with pid %d", pid)).WithCause(err)
	}

	t := &Target{Kind: Live, PID: pid}

	if exe, err := proc.Exe(); err == nil {
		t.ExePath = exe
		t.Command = filepath.Base(exe)
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		t.Cmdline = cmdline
		if t.Command == "" {
			fields := strings.Fields(cmdline)
			if len(fields) > 0 {
				t.Command = filepath.Base(fields[0])
			}
		}
	}
	if t.Command == "" {
		if name, err := proc.Name(); err == nil {
			t.Command = name
		}
	}

	if uids, err := proc.Uids(); err == nil && len(uids) > 0 {
		// Index 1 is the effective uid in gopsutil's status ordering;
		// fall back to real uid when only one entry is reported.
		idx := 0
		if len(uids) > 1 {
			idx = 1
		}
		t.OwnerUID = uint32(uids[idx])
	}
	if username, err := proc.Username(); err == nil {
		t.OwnerName = username
	}

	return t, nil
}

// ResolvePostMortem builds a Target from up to two file paths, in
// either order. One of them must classify as a core file; when no
// executable is supplied its path is recovered from the core's
// recorded mappings.
func ResolvePostMortem(paths ...string) (*Target, error) {
	t := &Target{Kind: PostMortem}

	for _, p := range paths {
		class, err := Classify(p)
		if err != nil {
			return nil, err
		}
		switch class {
		case ClassCore:
			if t.CorePath != "" {
				return nil, core.ErrUsage("TWO_CORE_FILES",
					fmt.Sprintf("both %s and %s look like core files", t.CorePath, p))
			}
			t.CorePath = p
		case ClassExecutable:
			if t.ExePath != "" {
				return nil, core.ErrUsage("TWO_EXECUTABLES",
					fmt.Sprintf("both %s and %s look like executables", t.ExePath, p))
			}
			t.ExePath = p
		default:
			return nil, core.ErrUsage("NOT_ELF",
				fmt.Sprintf("%s is neither a core file nor an executable", p))
		}
	}

	if t.CorePath == "" {
		return nil, core.ErrUsage("NO_CORE_FILE", "post-mortem mode requires a core file")
	}

	mapped, exe, err := coreMappedFiles(t.CorePath)
	if err == nil {
		t.MappedFiles = mapped
		if t.ExePath == "" {
			t.ExePath = exe
		}
	} else if t.ExePath == "" {
		return nil, core.ErrUsage("NO_EXECUTABLE",
			fmt.Sprintf("cannot recover executable path from %s; pass the binary explicitly", t.CorePath)).WithCause(err)
	}

	if t.ExePath != "" {
		t.Command = filepath.Base(t.ExePath)
	}

	if info, err := os.Stat(t.CorePath); err == nil {
		if st, ok := sysStat(info); ok {
			t.OwnerUID = st.UID
			if u, err := user.LookupId(strconv.Itoa(int(st.UID))); err == nil {
				t.OwnerName = u.Username
			}
		}
	}

	return t, nil
}

// ValidateCaller enforces the hard precondition that the invoking user
// is either root or the target's owning user. Every other combination
// is a usage error, rejected before any collection starts.
func (t *Target) ValidateCaller(euid int) error {
	if euid == 0 {
		return nil
	}
	if uint32(euid) == t.OwnerUID {
		return nil
	}
	return core.ErrUsage("USER_MISMATCH",
		fmt.Sprintf("caller uid %d does not own the target (owner %s, uid %d); rerun as root or as the owning user",
			euid, t.OwnerName, t.OwnerUID))
}
