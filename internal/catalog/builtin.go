package catalog

import (
	"strconv"

	"github.com/diagcollect/diagcollect/internal/capability"
	"github.com/diagcollect/diagcollect/internal/target"
)

// dumpEstimate marks a row whose disk budget is the prospective dump
// size from the capability snapshot.
func dumpEstimate(s capability.Set) uint64 {
	return s.EstimatedDumpMB
}

// Builtin returns the diagnostic catalog for a target kind. The order
// here is the execution order: cheap environment captures first,
// sampling windows in the middle, dump-producing rows last so the disk
// re-check sees what earlier rows consumed.
func Builtin(tools Tools, kind target.Kind) []Spec {
	tools = tools.WithDefaults()
	live := kind == target.Live

	specs := []Spec{
		{
			ID:          "os-release",
			Description: "OS distribution identification",
			Required:    true,
			Action:      osReleaseAction,
		},
		{
			ID:          "uname",
			Description: "kernel identification",
			Required:    true,
			Action: captureTool("uname.txt", "uname", func(*Env) []string {
				return []string{"-a"}
			}),
		},
		{
			ID:          "limits",
			Description: "resource limits and process state",
			Required:    true,
			Action:      limitsAction,
		},
		{
			ID:          "sysinfo",
			Description: "hardware and OS inventory",
			Required:    true,
			Action:      sysinfoAction,
		},
	}

	if live {
		specs = append(specs,
			Spec{
				ID:          "top",
				Description: "process activity sampled over the observation window",
				Action: captureSampledTool("top.txt", tools.Top, func(env *Env) []string {
					return []string{"-b", "-d", strconv.Itoa(intervalSeconds(env)),
						"-n", strconv.Itoa(sampleCount(env))}
				}),
			},
			Spec{
				ID:          "free",
				Description: "memory usage sampled over the observation window",
				Action: captureSampledTool("free.txt", tools.Free, func(env *Env) []string {
					return []string{"-m", "-s", strconv.Itoa(intervalSeconds(env)),
						"-c", strconv.Itoa(sampleCount(env))}
				}),
			},
			Spec{
				ID:          "vmstat",
				Description: "virtual memory statistics sampled over the observation window",
				Action: captureSampledTool("vmstat.txt", tools.Vmstat, func(env *Env) []string {
					return []string{strconv.Itoa(intervalSeconds(env)),
						strconv.Itoa(sampleCount(env))}
				}),
			},
			Spec{
				ID:          "loadavg",
				Description: "load average and memory pressure over the observation window",
				Action:      loadavgAction,
			},
		)
	}

	specs = append(specs, Spec{
		ID:          "deploy-report",
		Description: "companion deployment tool report",
		Action:      deployReportAction,
	})

	if live {
		specs = append(specs,
			Spec{
				ID:            "jvm-flags",
				Description:   "JVM flag settings",
				Preconditions: []Precondition{requireJvmTools(tools), requireJvmTarget()},
				Action:        captureTool("jvm-flags.txt", tools.JvmInfo, jvmArgs("-flags")),
			},
			Spec{
				ID:            "jvm-perfcounters",
				Description:   "JVM performance counters",
				Preconditions: []Precondition{requireJvmTools(tools), requireJvmTarget()},
				Action:        captureTool("jvm-perfcounters.txt", tools.JvmCmd, jvmArgs2("PerfCounter.print")),
			},
			Spec{
				ID:            "jvm-jstat",
				Description:   "JVM GC utilization sampled over the observation window",
				Preconditions: []Precondition{requireJvmTools(tools), requireJvmTarget()},
				Action: captureSampledTool("jvm-jstat.txt", tools.JvmStat, func(env *Env) []string {
					return []string{"-gcutil", strconv.Itoa(int(env.Target.PID)),
						strconv.Itoa(intervalSeconds(env) * 1000), strconv.Itoa(sampleCount(env))}
				}),
			},
			Spec{
				ID:            "jvm-heap-info",
				Description:   "JVM heap layout and usage",
				Preconditions: []Precondition{requireJvmTools(tools), requireJvmTarget()},
				Action:        captureTool("jvm-heap-info.txt", tools.JvmCmd, jvmArgs2("GC.heap_info")),
			},
			Spec{
				ID:            "jvm-stack",
				Description:   "JVM thread backtraces",
				Preconditions: []Precondition{requireJvmTools(tools), requireJvmTarget()},
				AttachRetry:   true,
				Action:        captureTool("jvm-stack.txt", tools.JvmStack, jvmArgs("-l")),
			},
			Spec{
				ID:               "jvm-heap-dump",
				Description:      "JVM heap dump",
				Preconditions:    []Precondition{requireJvmTools(tools), requireJvmTarget(), requireDiskBudget()},
				ResourceEstimate: dumpEstimate,
				Action:           heapDumpAction,
			},
		)
	}

	backtrace := Spec{
		ID:          "backtrace",
		Description: "native thread backtraces via debugger",
		AttachRetry: live,
		Action:      backtraceAction,
	}
	if live {
		backtrace.Preconditions = append([]Precondition{requireDebugger(tools)}, ptracePreconditions()...)
	} else {
		// Reading a core file needs no attach permission, just the
		// debugger and the binary it was produced from.
		backtrace.Preconditions = []Precondition{requireDebugger(tools), requireReadableExecutable()}
	}
	specs = append(specs, backtrace)

	specs = append(specs, Spec{
		ID:          "libraries",
		Description: "shared-library manifest and bundle",
		Action:      librariesAction,
	})

	coreDump := Spec{
		ID:               "core-dump",
		Description:      "core dump of the target",
		ResourceEstimate: dumpEstimate,
		Action:           coreDumpAction,
	}
	if live {
		coreDump.Preconditions = append(
			append([]Precondition{requireDebugger(tools)}, ptracePreconditions()...),
			requireDiskBudget())
	} else {
		coreDump.Preconditions = []Precondition{requireDiskBudget()}
	}
	specs = append(specs, coreDump)

	if live {
		specs = append(specs, Spec{
			ID:            "strace-sample",
			Description:   "syscall trace over the observation window",
			Preconditions: append([]Precondition{requireTracer(tools)}, ptracePreconditions()...),
			Action:        straceSampleAction,
		})
	}

	return specs
}

// jvmArgs2 places the subcommand after the pid, the jcmd convention.
func jvmArgs2(after ...string) func(env *Env) []string {
	return func(env *Env) []string {
		return append([]string{strconv.Itoa(int(env.Target.PID))}, after...)
	}
}
