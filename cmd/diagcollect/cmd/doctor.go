package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/diagcollect/diagcollect/internal/capability"
	"github.com/diagcollect/diagcollect/internal/execx"
	"github.com/diagcollect/diagcollect/internal/target"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor [pid]",
	Short: "Report tool availability and attach-policy state",
	Long: `Probe the host without collecting anything: which diagnostic tools are
present, what the kernel and SELinux attach policies allow, and how much
disk is free for dumps. With a pid, also reports target-specific facts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cobraCmd *cobra.Command, args []string) error {
	ctx := cobraCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	pid := int32(os.Getpid())
	targeted := false
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		pid = int32(n)
		targeted = true
	}
	tgt, err := target.ResolveLive(pid)
	if err != nil {
		return err
	}

	runner := execx.New(cfg.Tool.Timeout)
	prober := capability.NewProber(capability.Tools{
		Debugger: cfg.Tool.Debugger,
		Tracer:   cfg.Tool.Tracer,
	}, runner, logger.Logger)
	caps := prober.Probe(ctx, tgt, cfg.Output.StagingRoot)

	check := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	fmt.Println("Tools:")
	fmt.Printf("  %s debugger (%s)\n", check(caps.DebuggerAvailable), cfg.Tool.Debugger)
	fmt.Printf("  %s tracer (%s)\n", check(caps.TraceToolAvailable), cfg.Tool.Tracer)
	fmt.Printf("  %s JDK tools (jps/jstack)\n", check(caps.JvmToolsAvailable))
	fmt.Println()
	fmt.Println("Attach policy:")
	fmt.Printf("  yama ptrace_scope: %d\n", int(caps.PtraceScope))
	fmt.Printf("  selinux enforcing: %v (deny_ptrace: %v)\n",
		caps.SelinuxEnforcing, caps.SelinuxDenyPtrace)
	fmt.Printf("  attach permitted for this caller: %v\n", caps.PtraceAllowed())
	fmt.Println()
	fmt.Println("Resources:")
	fmt.Printf("  free disk at %s: %d MB\n", cfg.Output.StagingRoot, caps.FreeDiskMB)
	if targeted {
		fmt.Println()
		fmt.Println("Target:")
		fmt.Printf("  command: %s (pid %d, owner %s)\n", tgt.Command, tgt.PID, tgt.OwnerName)
		fmt.Printf("  JVM: %v\n", caps.TargetHasJvm)
		fmt.Printf("  estimated dump size: %d MB\n", caps.EstimatedDumpMB)
	}
	return nil
}
