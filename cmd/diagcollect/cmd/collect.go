package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diagcollect/diagcollect/internal/archive"
	"github.com/diagcollect/diagcollect/internal/capability"
	"github.com/diagcollect/diagcollect/internal/catalog"
	"github.com/diagcollect/diagcollect/internal/collect"
	"github.com/diagcollect/diagcollect/internal/config"
	"github.com/diagcollect/diagcollect/internal/execx"
	"github.com/diagcollect/diagcollect/internal/history"
	"github.com/diagcollect/diagcollect/internal/logging"
	"github.com/diagcollect/diagcollect/internal/runctx"
	"github.com/diagcollect/diagcollect/internal/target"
)

var collectOutputDir string

var collectCmd = &cobra.Command{
	Use:   "collect <pid | core-file> [binary]",
	Short: "Run the full diagnostic collection against a target",
	Long: `Collect diagnostics for a live process (by pid) or post-mortem (from a
core file, optionally with the binary that produced it; when omitted the
binary path is recovered from the core file itself).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().StringVarP(&collectOutputDir, "output-dir", "o", "",
		"directory the archive is written to (default: output.dir config)")
	_ = viper.BindPFlag("output.dir", collectCmd.Flags().Lookup("output-dir"))
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cobraCmd *cobra.Command, args []string) error {
	ctx := cobraCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	tgt, err := resolveTarget(args)
	if err != nil {
		return err
	}
	if err := tgt.ValidateCaller(os.Geteuid()); err != nil {
		return err
	}

	rc := runctx.New(cfg.Output.StagingRoot, cfg.Output.Dir)
	log := logger.WithRun(rc.RunID)
	log.Info("collection starting",
		"host", rc.Hostname, "target", tgt.Identifier(), "command", tgt.Command)

	runner := execx.New(cfg.Tool.Timeout)
	prober := capability.NewProber(capability.Tools{
		Debugger: cfg.Tool.Debugger,
		Tracer:   cfg.Tool.Tracer,
	}, runner, log.Logger)
	caps := prober.Probe(ctx, tgt, rc.StagingRoot)
	log.Debug("capability snapshot",
		"debugger", caps.DebuggerAvailable, "tracer", caps.TraceToolAvailable,
		"jvm_tools", caps.JvmToolsAvailable, "jvm_target", caps.TargetHasJvm,
		"ptrace_scope", int(caps.PtraceScope), "selinux_enforcing", caps.SelinuxEnforcing,
		"free_disk_mb", caps.FreeDiskMB, "estimated_dump_mb", caps.EstimatedDumpMB)

	tools := catalog.Tools{
		Debugger: cfg.Tool.Debugger,
		Gcore:    cfg.Tool.Gcore,
		Tracer:   cfg.Tool.Tracer,
		Deploy:   cfg.Tool.Deploy,
	}.WithDefaults()
	specs := catalog.Builtin(tools, tgt.Kind)
	if err := catalog.Validate(specs); err != nil {
		return err
	}
	resolved := catalog.Resolve(specs, caps)

	gate := collect.NewConsentGate(assumeYes)
	if err := gate.Confirm(resolved); err != nil {
		return err
	}

	staging, err := collect.NewStaging(rc.StagingRoot, rc.RunID)
	if err != nil {
		return err
	}
	staging.Logf("run %s starting on %s against %s", rc.RunID, rc.Hostname, tgt.Identifier())

	env := &catalog.Env{
		Target:         tgt,
		Caps:           caps,
		Runner:         runner,
		StagingDir:     staging.Dir(),
		Tools:          tools,
		SampleWindow:   cfg.Sample.Window,
		SampleInterval: cfg.Sample.Interval,
		ToolTimeout:    cfg.Tool.Timeout,
		Logger:         log.Logger,
	}
	orch := &collect.Orchestrator{
		Env:     env,
		Staging: staging,
		AttachRetry: collect.RetryPolicy{
			MaxAttempts: cfg.Retry.Attempts,
			Delay:       cfg.Retry.Delay,
		},
		RefreshDisk: func() (uint64, error) { return prober.FreeDisk(rc.StagingRoot) },
		Logger:      log.Logger,
	}
	outcomes := orch.Run(ctx, resolved)

	builder := &archive.Builder{
		OutDir: cfg.Output.Dir,
		Owner:  archive.InvokerOwnership(),
		Logger: log.Logger,
	}
	bundle, err := builder.Build(staging, rc, tgt, outcomes)
	if err != nil {
		return err
	}

	recordHistory(ctx, cfg, log, rc, tgt, bundle)
	printSummary(outcomes, bundle)
	return nil
}

// resolveTarget interprets the positional arguments: a pid, or one or
// two file paths in either order.
func resolveTarget(args []string) (*target.Target, error) {
	if pid, err := strconv.Atoi(args[0]); err == nil && len(args) == 1 {
		return target.ResolveLive(int32(pid))
	}
	return target.ResolvePostMortem(args...)
}

func loadConfigAndLogger() (*config.Config, *logging.Logger, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return cfg, logger, nil
}

// recordHistory indexes the bundle; the archive is already safe on
// disk, so an index failure only warns.
func recordHistory(ctx context.Context, cfg *config.Config, log *logging.Logger,
	rc runctx.RunContext, tgt *target.Target, bundle *archive.Archive) {
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		log.Warn("history index unavailable", "path", cfg.History.Path, "error", err)
		return
	}
	defer store.Close()

	var size int64
	if info, err := os.Stat(bundle.Path); err == nil {
		size = info.Size()
	}
	summary := bundle.Manifest.Summary
	err = store.Record(ctx, history.Entry{
		RunID:       rc.RunID,
		Host:        rc.Hostname,
		Target:      tgt.Identifier(),
		ArchivePath: bundle.Path,
		SizeBytes:   size,
		Completed:   summary.Completed,
		Skipped:     summary.Skipped,
		Failed:      summary.Failed,
		CreatedAt:   bundle.CreatedAt,
	})
	if err != nil {
		log.Warn("cannot record run in history", "error", err)
	}
}

var (
	summaryOkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	summarySkipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	summaryFailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	summaryPathStyle = lipgloss.NewStyle().Bold(true)
)

// printSummary shows the operator the complete list of what was
// collected, skipped and failed, and where the bundle landed.
func printSummary(outcomes []collect.Outcome, bundle *archive.Archive) {
	fmt.Println()
	for _, o := range outcomes {
		switch o.Status {
		case collect.StatusCompleted:
			fmt.Printf("  %s %s (%d artifact(s))\n",
				summaryOkStyle.Render("ok  "), o.ID, len(o.Artifacts))
		case collect.StatusSkipped:
			fmt.Printf("  %s %s: %s\n", summarySkipStyle.Render("skip"), o.ID, o.Reason)
		case collect.StatusFailed:
			fmt.Printf("  %s %s: %s\n", summaryFailStyle.Render("fail"), o.ID, o.Error)
		}
	}
	s := collect.Summarize(outcomes)
	fmt.Printf("\n%d completed, %d skipped, %d failed\n", s.Completed, s.Skipped, s.Failed)
	fmt.Printf("Archive: %s\n", summaryPathStyle.Render(bundle.Path))
}
