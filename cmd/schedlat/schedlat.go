package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/recovery"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"

	"github.com/kerntune/schedlat"
	"github.com/kerntune/schedlat/bench"
	"github.com/kerntune/schedlat/history"
	"github.com/kerntune/schedlat/probes"
	"github.com/kerntune/schedlat/stress"
)

func signalListener(ctx context.Context, trigger context.CancelFunc) {
	defer recovery.LogStackTraceAndContinue("graceful shutdown")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigChan:
		trigger()
	case <-ctx.Done():
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	grip.GetSender().SetLevel(send.LevelInfo{Threshold: level.Debug})

	var (
		mode        string
		core        int
		interval    time.Duration
		duration    time.Duration
		threshold   time.Duration
		storeDir    string
		label       string
		stressSpecs string
		snapshotLog string
		checkpoint  string
		probe       string
		kernel      string
		scheduler   string
	)

	flag.StringVar(&mode, "mode", "continuous", "monitoring mode: continuous, benchmark, system-benchmark")
	flag.IntVar(&core, "core", 0, "CPU core to sample")
	flag.DurationVar(&interval, "interval", time.Millisecond, "sampling grid interval")
	flag.DurationVar(&duration, "duration", 30*time.Second, "benchmark mode duration")
	flag.DurationVar(&threshold, "threshold", 200*time.Microsecond, "spike threshold")
	flag.StringVar(&storeDir, "store", defaultStoreDir(), "record store directory")
	flag.StringVar(&label, "label", "", "label for the saved record")
	flag.StringVar(&stressSpecs, "stress", "", "comma-separated stressors, e.g. cpu@50,memory@25")
	flag.StringVar(&snapshotLog, "snapshot-log", "", "append periodic snapshots as JSON lines to this file")
	flag.StringVar(&checkpoint, "checkpoint", "", "checkpoint file prefix for continuous sessions")
	flag.StringVar(&probe, "probe", "", "run a one-shot probe instead: micro-jitter, ctx-switch, syscall, task-wakeup")
	flag.StringVar(&kernel, "kernel", "", "kernel version under test (defaults to uname)")
	flag.StringVar(&scheduler, "scheduler", "", "active scheduler name for the record")
	flag.Parse()

	go signalListener(ctx, cancel)

	if probe != "" {
		grip.EmergencyFatal(runProbe(ctx, probe))
		return
	}

	parsedMode, err := schedlat.ParseMode(mode)
	grip.EmergencyFatal(err)

	opts := schedlat.NewMonitorOptions()
	opts.Mode = parsedMode
	opts.Core = core
	opts.Interval = interval
	opts.Duration = duration
	opts.SpikeThreshold = threshold
	opts.CheckpointPrefix = checkpoint
	opts.Context = schedlat.KernelContext{
		KernelVersion: kernelVersion(kernel),
		Scheduler:     scheduler,
	}

	var logFile *os.File
	if snapshotLog != "" {
		logFile, err = os.OpenFile(snapshotLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		grip.EmergencyFatal(err)
		defer logFile.Close()

		encoder := json.NewEncoder(logFile)
		opts.OnEvent = func(ev schedlat.SessionEvent) {
			if ev.Kind == schedlat.EventUpdated && ev.Metrics != nil {
				grip.Error(encoder.Encode(ev.Metrics))
			}
		}
	}

	store, err := history.NewStore(storeDir)
	grip.EmergencyFatal(err)

	var summary *schedlat.SessionSummary
	var score float64
	if parsedMode == schedlat.ModeSystemBenchmark {
		summary, score, err = runBenchmark(ctx, opts)
	} else {
		summary, err = runSession(ctx, opts, stressSpecs, label)
	}
	grip.EmergencyFatal(err)

	id, err := store.Save(summary)
	grip.EmergencyFatal(err)

	grip.Info(message.Fields{
		"op":      "record saved",
		"id":      id,
		"store":   storeDir,
		"samples": summary.TotalSamples,
		"max_us":  summary.Metrics.MaxUS,
		"p99_us":  summary.Metrics.P99US,
		"score":   score,
	})
}

func runSession(ctx context.Context, opts schedlat.MonitorOptions, stressSpecs, label string) (*schedlat.SessionSummary, error) {
	monitor := schedlat.NewMonitor()
	if err := monitor.Start(ctx, opts); err != nil {
		return nil, err
	}
	if label != "" {
		monitor.SetLabel(label)
	}

	manager := stress.NewManager(opts.Core)
	defer func() { grip.Error(manager.StopAll()) }()
	if stressSpecs != "" {
		specs, err := parseStressList(stressSpecs)
		if err != nil {
			_, _ = monitor.Stop()
			return nil, err
		}
		if err := manager.StartAll(specs); err != nil {
			_, _ = monitor.Stop()
			return nil, err
		}
		monitor.SetStressors(manager.Active())
	}

	// Wait for cancellation or benchmark auto-termination.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			summary, err := monitor.Stop()
			if err == nil {
				return summary, nil
			}
			if summary = monitor.Summary(); summary != nil {
				return summary, nil
			}
			return nil, err
		case <-ticker.C:
			if monitor.State() == schedlat.StateCompleted {
				return monitor.Summary(), nil
			}
		}
	}
}

func runBenchmark(ctx context.Context, opts schedlat.MonitorOptions) (*schedlat.SessionSummary, float64, error) {
	monitor := schedlat.NewMonitor()
	manager := stress.NewManager(opts.Core)
	orchestrator, err := bench.NewOrchestrator(monitor, manager, bench.DefaultPhases())
	if err != nil {
		return nil, 0, err
	}

	result, err := orchestrator.Run(ctx, opts)
	if err != nil {
		return nil, 0, err
	}

	fmt.Printf("benchmark score: %.1f\n", result.Score)
	for _, phase := range result.Phases {
		fmt.Printf("  %-14s p99=%dus max=%dus jitter=%dus\n",
			phase.Phase, phase.Metrics.P99US, phase.Metrics.MaxUS, phase.Metrics.MaxJitterUS)
	}

	return result.Summary, result.Score, nil
}

func runProbe(ctx context.Context, name string) error {
	opts := probes.NewOptions()

	var (
		result *probes.Result
		err    error
	)
	switch name {
	case "micro-jitter":
		result, err = probes.MicroJitter(ctx, opts)
	case "ctx-switch":
		result, err = probes.CtxSwitch(ctx, opts)
	case "syscall":
		result, err = probes.SyscallSaturation(ctx, opts)
	case "task-wakeup":
		result, err = probes.TaskWakeup(ctx, opts)
	default:
		return errors.Errorf("unknown probe '%s'", name)
	}
	if err != nil {
		return err
	}

	return json.NewEncoder(os.Stdout).Encode(result)
}

func parseStressList(in string) ([]stress.Spec, error) {
	var specs []stress.Spec
	for _, part := range strings.Split(in, ",") {
		if part == "" {
			continue
		}
		spec, err := stress.ParseSpec(part)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "schedlat-records"
	}
	return home + "/.local/share/schedlat/records"
}

func kernelVersion(override string) string {
	if override != "" {
		return override
	}
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		return strings.TrimSpace(string(data))
	}
	return "unknown"
}
