package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/diagcollect/diagcollect/internal/core"
	"github.com/diagcollect/diagcollect/internal/fsutil"
	"github.com/diagcollect/diagcollect/internal/target"
)

// captureTool returns an action that runs one external tool and stores
// its stdout under artifact. The args func is evaluated at execution
// time so pids and paths come from the run's target.
func captureTool(artifact, tool string, args func(env *Env) []string) Action {
	return func(ctx context.Context, env *Env) ([]string, error) {
		dst := filepath.Join(env.StagingDir, artifact)
		_, err := env.Runner.CaptureToFile(ctx, env.ToolTimeout, dst, tool, args(env)...)
		if err != nil {
			return nil, err
		}
		return []string{artifact}, nil
	}
}

// captureSampledTool is captureTool with a widened timeout for tools
// that block over the sampling window by design.
func captureSampledTool(artifact, tool string, args func(env *Env) []string) Action {
	return func(ctx context.Context, env *Env) ([]string, error) {
		dst := filepath.Join(env.StagingDir, artifact)
		timeout := env.SampleWindow + env.ToolTimeout
		_, err := env.Runner.CaptureToFile(ctx, timeout, dst, tool, args(env)...)
		if err != nil {
			return nil, err
		}
		return []string{artifact}, nil
	}
}

// sampleCount derives how many readings fit in the configured window.
func sampleCount(env *Env) int {
	if env.SampleInterval <= 0 {
		return 1
	}
	n := int(env.SampleWindow / env.SampleInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func intervalSeconds(env *Env) int {
	s := int(env.SampleInterval / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// osReleaseAction copies the distribution identification file.
func osReleaseAction(ctx context.Context, env *Env) ([]string, error) {
	for _, src := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		data, err := fsutil.ReadFileScoped(src)
		if err != nil {
			continue
		}
		dst := filepath.Join(env.StagingDir, "os-release.txt")
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return nil, err
		}
		return []string{"os-release.txt"}, nil
	}
	return nil, fmt.Errorf("no os-release file found")
}

// limitsAction records resource limits: the target's own limits for a
// live process, the invoking shell's otherwise.
func limitsAction(ctx context.Context, env *Env) ([]string, error) {
	if env.Target.Kind == target.Live {
		var artifacts []string
		procDir := filepath.Join("/proc", strconv.Itoa(int(env.Target.PID)))
		for name, artifact := range map[string]string{
			"limits": "limits.txt",
			"status": "proc-status.txt",
		} {
			data, err := fsutil.ReadFileScoped(filepath.Join(procDir, name))
			if err != nil {
				return artifacts, fmt.Errorf("reading /proc/%d/%s: %w", env.Target.PID, name, err)
			}
			dst := filepath.Join(env.StagingDir, artifact)
			if err := os.WriteFile(dst, data, 0o600); err != nil {
				return artifacts, err
			}
			artifacts = append(artifacts, artifact)
		}
		return artifacts, nil
	}

	dst := filepath.Join(env.StagingDir, "limits.txt")
	_, err := env.Runner.CaptureToFile(ctx, env.ToolTimeout, dst, "sh", "-c", "ulimit -a")
	if err != nil {
		return nil, err
	}
	return []string{"limits.txt"}, nil
}

// loadavgAction samples load and memory natively over the window. The
// blocking is the point: the row is meant to observe the system for a
// real wall-clock stretch.
func loadavgAction(ctx context.Context, env *Env) ([]string, error) {
	dst := filepath.Join(env.StagingDir, "loadavg.txt")
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ticker := time.NewTicker(env.SampleInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(env.SampleWindow)

	for {
		line := time.Now().Format(time.RFC3339)
		if avg, err := load.Avg(); err == nil {
			line += fmt.Sprintf("  load %.2f %.2f %.2f", avg.Load1, avg.Load5, avg.Load15)
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			line += fmt.Sprintf("  mem used %.1f%% (%d/%d MB)",
				vm.UsedPercent, vm.Used/(1<<20), vm.Total/(1<<20))
		}
		if _, err := fmt.Fprintln(f, line); err != nil {
			return nil, err
		}

		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return []string{"loadavg.txt"}, ctx.Err()
		case <-ticker.C:
		}
	}
	return []string{"loadavg.txt"}, nil
}

// deployReportAction discovers the companion deployment-management
// tool by walking parent directories of the target binary and runs its
// report mode. Absence of the tool is a precondition, not a failure.
func deployReportAction(ctx context.Context, env *Env) ([]string, error) {
	toolPath := findDeployTool(env.Target.ExePath, env.Tools.Deploy)
	if toolPath == "" {
		return nil, core.ErrPrecondition("DEPLOY_TOOL_NOT_FOUND",
			fmt.Sprintf("no %s found in parent directories of %s", env.Tools.Deploy, env.Target.ExePath))
	}
	dst := filepath.Join(env.StagingDir, "deploy-report.txt")
	if _, err := env.Runner.CaptureToFile(ctx, env.ToolTimeout, dst, toolPath, "report"); err != nil {
		return nil, err
	}
	return []string{"deploy-report.txt"}, nil
}

// findDeployTool walks upward from the binary's directory looking for
// the tool directly or under a bin/ subdirectory.
func findDeployTool(exePath, tool string) string {
	if exePath == "" || tool == "" {
		return ""
	}
	dir := filepath.Dir(exePath)
	for {
		for _, candidate := range []string{
			filepath.Join(dir, tool),
			filepath.Join(dir, "bin", tool),
		} {
			if info, err := os.Stat(candidate); err == nil && info.Mode()&0o111 != 0 {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// backtraceAction captures full thread backtraces with the debugger,
// attaching to the live process or opening the core file.
func backtraceAction(ctx context.Context, env *Env) ([]string, error) {
	var args []string
	if env.Target.Kind == target.Live {
		args = []string{"-batch", "-p", strconv.Itoa(int(env.Target.PID)),
			"-ex", "thread apply all bt full"}
	} else {
		args = []string{"-batch", env.Target.ExePath, env.Target.CorePath,
			"-ex", "thread apply all bt full"}
	}
	dst := filepath.Join(env.StagingDir, "backtrace.txt")
	if _, err := env.Runner.CaptureToFile(ctx, env.ToolTimeout, dst, env.Tools.Debugger, args...); err != nil {
		return nil, err
	}
	return []string{"backtrace.txt"}, nil
}

// coreDumpAction produces a fresh core for live targets, or brings the
// supplied core file into the staging area for post-mortem ones.
func coreDumpAction(ctx context.Context, env *Env) ([]string, error) {
	if env.Target.Kind == target.PostMortem {
		artifact := filepath.Base(env.Target.CorePath)
		dst := filepath.Join(env.StagingDir, artifact)
		if _, err := fsutil.CopyFile(env.Target.CorePath, dst, 0o600); err != nil {
			return nil, fmt.Errorf("copying core file: %w", err)
		}
		return []string{artifact}, nil
	}

	prefix := filepath.Join(env.StagingDir, "core")
	artifact := fmt.Sprintf("core.%d", env.Target.PID)
	timeout := env.ToolTimeout + time.Duration(env.Caps.EstimatedDumpMB)*time.Millisecond
	_, err := env.Runner.Run(ctx, timeout, env.Tools.Gcore,
		"-o", prefix, strconv.Itoa(int(env.Target.PID)))
	if err != nil {
		// gcore leaves partial files on failure; clear them so a failed
		// dump never pollutes the archive.
		_ = os.Remove(filepath.Join(env.StagingDir, artifact))
		return nil, err
	}
	if !fsutil.FileExists(filepath.Join(env.StagingDir, artifact)) {
		return nil, fmt.Errorf("%s reported success but %s is missing", env.Tools.Gcore, artifact)
	}
	return []string{artifact}, nil
}

// straceSampleAction traces syscalls for the sampling window. The
// tracer is expected to outlive its deadline; hitting it is the normal
// way the window ends.
func straceSampleAction(ctx context.Context, env *Env) ([]string, error) {
	dst := filepath.Join(env.StagingDir, "strace.txt")
	res, err := env.Runner.Run(ctx, env.SampleWindow, env.Tools.Tracer,
		"-f", "-tt", "-p", strconv.Itoa(int(env.Target.PID)), "-o", dst)
	if err != nil && !res.TimedOut {
		return nil, err
	}
	if !fsutil.FileExists(dst) {
		return nil, fmt.Errorf("%s produced no output", env.Tools.Tracer)
	}
	return []string{"strace.txt"}, nil
}

// heapDumpAction writes a JVM heap dump into staging.
func heapDumpAction(ctx context.Context, env *Env) ([]string, error) {
	artifact := fmt.Sprintf("heap-%d.hprof", env.Target.PID)
	dst := filepath.Join(env.StagingDir, artifact)
	timeout := env.ToolTimeout + time.Duration(env.Caps.EstimatedDumpMB)*time.Millisecond
	_, err := env.Runner.Run(ctx, timeout, env.Tools.JvmMap,
		fmt.Sprintf("-dump:live,format=b,file=%s", dst), strconv.Itoa(int(env.Target.PID)))
	if err != nil {
		_ = os.Remove(dst)
		return nil, err
	}
	if !fsutil.FileExists(dst) {
		return nil, fmt.Errorf("%s reported success but no dump file was written", env.Tools.JvmMap)
	}
	return []string{artifact}, nil
}

// jvmArgs places the pid last, the jstack/jinfo convention.
func jvmArgs(before ...string) func(env *Env) []string {
	return func(env *Env) []string {
		return append(append([]string{}, before...), strconv.Itoa(int(env.Target.PID)))
	}
}

// mapsLibraries extracts the sorted shared-object paths referenced by
// the target, from /proc maps for live processes or the core's mapped
// file table otherwise.
func mapsLibraries(env *Env) ([]string, error) {
	if env.Target.Kind == target.PostMortem {
		return filterLibraries(env.Target.MappedFiles), nil
	}
	data, err := fsutil.ReadFileScoped(filepath.Join("/proc", strconv.Itoa(int(env.Target.PID)), "maps"))
	if err != nil {
		return nil, fmt.Errorf("reading process maps: %w", err)
	}
	seen := make(map[string]bool)
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		p := fields[5]
		if strings.HasPrefix(p, "/") && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return filterLibraries(paths), nil
}

func filterLibraries(paths []string) []string {
	var libs []string
	for _, p := range paths {
		base := filepath.Base(p)
		if strings.Contains(base, ".so") {
			libs = append(libs, p)
		}
	}
	return libs
}
