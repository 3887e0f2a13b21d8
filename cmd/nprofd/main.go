//go:build linux

/*
Program nprofd is a whole-system and per-process sampling profiler. It
samples CPU and (optionally) allocations via perf_event_open, unwinds
user-space stacks, and periodically exports a pprof profile to a file
or a collector.

By default it profiles the whole system at 99Hz and writes a profile
to the current directory every 10 seconds.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/google/pprof/profile"

	"github.com/perfstacks/nprof/internal/aggregate"
	"github.com/perfstacks/nprof/internal/clock"
	"github.com/perfstacks/nprof/internal/daemonize"
	"github.com/perfstacks/nprof/internal/export"
	"github.com/perfstacks/nprof/internal/perfevent"
	"github.com/perfstacks/nprof/internal/proctree"
	"github.com/perfstacks/nprof/internal/ringbuffer"
	"github.com/perfstacks/nprof/internal/sample"
	"github.com/perfstacks/nprof/internal/stats"
	"github.com/perfstacks/nprof/internal/supervisor"
	"github.com/perfstacks/nprof/internal/symbolize"
	"github.com/perfstacks/nprof/internal/symtab"
	"github.com/perfstacks/nprof/internal/unwind"
	"github.com/perfstacks/nprof/internal/watcher"
	"github.com/perfstacks/nprof/internal/worker"
)

// profilerVersion is the fixed "profiler_version" tag spec.md §4.10
// step 3 mandates on every exported profile.
const profilerVersion = "nprofd/1"

// workerFlagName marks a re-exec'd child as the supervised worker, so
// it skips straight to the profiling loop instead of spawning another
// supervisor, mirroring internal/daemonize's re-exec guard.
const workerFlagName = "worker-internal"

func main() {
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pid := flag.Int("pid", -1, "PID to profile; -1 profiles the whole system")
	freq := flag.Uint64("freq", 99, "CPU sampling frequency in Hz")
	outputPrefix := flag.String("output", "cpu-", "local pprof output path prefix")
	exportInterval := flag.Duration("export-interval", 10*time.Second, "how often a profile is written")
	url := flag.String("url", "", "collector URL; if empty, profiles are written locally")
	apiKey := flag.String("api-key", "", "collector API key; with -url, a non-empty key posts profiles agentless, an empty one posts them to an agent")
	reorderWindow := flag.Duration("reorder-window", 0, "bound events are reordered by timestamp within; 0 disables reordering")
	watchAlloc := flag.Bool("watch-alloc", false, "also open a custom allocation-event ring buffer for live-heap tracking")

	env := flag.String("env", "", "env tag attached to every exported profile")
	service := flag.String("service", "nprofd", "service tag attached to every exported profile")
	version := flag.String("version", "", "version tag attached to every exported profile")

	statsdAddr := flag.String("statsd-addr", "", "statsd address for operational metrics; empty disables statsd")

	supervise := flag.Bool("supervise", false, "run the profiler under a self-restarting supervisor")
	daemonizeFlag := flag.Bool("daemonize", false, "detach from the controlling terminal before running")
	handoffSocket := flag.String("handoff-socket", "", "unix socket to hand assigned profiler info back over, then close")
	isWorker := flag.Bool(workerFlagName, false, "internal: marks this process as the supervised worker child")
	flag.Parse()

	if *daemonizeFlag {
		if err := daemonize.Daemonize(os.Args[0], os.Args[1:], func() {
			log.Info("daemonized")
		}); err != nil {
			log.Error("daemonize failed", "error", err)
			return
		}
		// Daemonize only returns nil in the re-exec'd child; the
		// original process has already exited by this point.
	}

	if *supervise && !*isWorker {
		sup := supervisor.New(log, os.Args[0], append(os.Args[1:], "-"+workerFlagName), supervisor.AlwaysRestart)
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := sup.Run(ctx); err != nil {
			log.Error("supervisor exited with error", "error", err)
			return
		}
		exitCode = 0
		return
	}

	clk, err := clock.Select()
	if err != nil {
		log.Warn("clock probe degraded", "error", err)
	}
	log.Info("selected clock source", "source", clk.String())

	cpuWatcher := watcher.Watcher{
		Class:           watcher.ClassSoftware,
		EventID:         2, // PERF_COUNT_SW_CPU_CLOCK
		Freq:            *freq,
		Aggregation:     watcher.AggSum,
		KernelInclude:   watcher.KernelPreferred,
		StackSampleSize: watcher.DefaultStackSampleSize,
	}
	watchers := []watcher.Watcher{cpuWatcher}
	if *watchAlloc {
		watchers = append(watchers, watcher.Watcher{
			Class:            watcher.ClassCustom,
			Period:           1,
			Aggregation:      watcher.AggLiveSum,
			OutputSampleType: "alloc-space",
		})
	}

	mgr := perfevent.New().WithLogger(func(format string, args ...any) { log.Warn(fmt.Sprintf(format, args...)) })
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	if err := mgr.Open(watchers, cpus, *pid, clk); err != nil {
		log.Error("failed to open perf event sources", "error", err)
		return
	}
	defer mgr.CloseAll()

	if err := mgr.EnableAll(); err != nil {
		log.Error("failed to enable perf event sources", "error", err)
		return
	}

	tree := proctree.New()
	symbolizers := symbolize.NewRegistry()
	symbols := symtab.New(symtabAdapter{symbolizers})
	counter := stats.NewCounters()

	routes := []worker.Route{{
		Watcher: cpuWatcher,
		Parser:  &sample.Parser{SampleMask: sampleMaskForCPUClock()},
		Aggregator: aggregate.New(tree, symbols, counter, &profile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		}),
	}}
	if *watchAlloc {
		routes = append(routes, worker.Route{
			Watcher: watchers[1],
			Aggregator: aggregate.New(tree, symbols, counter, &profile.ValueType{
				Type: "alloc-space",
				Unit: "bytes",
			}),
		})

		if *handoffSocket != "" {
			info := allocProfilerInfo(mgr, *pid, *outputPrefix, *freq)
			go func() {
				if err := daemonize.ServeHandoff(*handoffSocket, info); err != nil {
					log.Warn("handoff failed", "error", err)
				}
			}()
		}
	}

	tags := map[string]string{
		"language":         "go",
		"service":          *service,
		"profiler_version": profilerVersion,
	}
	if *env != "" {
		tags["env"] = *env
	}
	if *version != "" {
		tags["version"] = *version
	}

	var target export.Target
	switch {
	case *url == "":
		target = export.Target{Mode: export.ModeFile, FilePrefix: *outputPrefix, Tags: tags}
	case *apiKey != "":
		target = export.Target{Mode: export.ModeAgentless, URL: *url, APIKey: *apiKey, Tags: tags}
	default:
		target = export.Target{Mode: export.ModeAgent, URL: *url, Tags: tags}
	}
	exporter := export.New(target)

	var statsdClient *statsd.Client
	if *statsdAddr != "" {
		statsdClient, err = statsd.New(*statsdAddr)
		if err != nil {
			log.Warn("statsd client unavailable, metrics disabled", "error", err)
			statsdClient = nil
		} else {
			defer statsdClient.Close()
		}
	}
	reporter := stats.NewReporter(statsdClient, []string{"service:" + *service})

	exportRoutes := func(routes []worker.Route) error {
		var firstErr error
		for _, r := range routes {
			p := r.Aggregator.Build(time.Now().UnixNano(), int64(*exportInterval))
			if len(p.Sample) == 0 {
				continue
			}
			if err := exporter.Export(context.Background(), p, time.Now().UnixNano()); err != nil {
				counter.Inc(stats.CounterExportFailure, 1)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			counter.Inc(stats.CounterExportSuccess, 1)
		}
		if err := reporter.Flush(counter); err != nil {
			log.Warn("statsd flush failed", "error", err)
		}
		return firstErr
	}

	loop := worker.New(log, mgr, tree, counter, unwind.FramePointerWalker{},
		routes, *exportInterval, uint64(reorderWindow.Nanoseconds()), exportRoutes)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		log.Error("worker loop exited with error", "error", err)
		return
	}

	exitCode = 0
}

// allocProfilerInfo builds the handoff payload for an injected library
// waiting on *handoffSocket, describing the custom allocation ring
// buffer mgr already opened so the library can attach to it directly.
func allocProfilerInfo(mgr *perfevent.Manager, pid int, outputPrefix string, freq uint64) daemonize.ProfilerInfo {
	info := daemonize.ProfilerInfo{
		PID:          pid,
		OutputPath:   outputPrefix,
		SamplingRate: freq,
	}
	for _, src := range mgr.Sources() {
		if src.CPU >= 0 {
			continue // a kernel-backed source, not the custom alloc ring
		}
		info.AllocRingEventFD = src.OwningFD
		info.AllocRingMemFD = src.MappingFD
		info.AllocRingSize = ringbuffer.PageSize * (1 + (1 << src.RingOrder))
		break
	}
	return info
}

// symtabAdapter bridges symbolize.Registry (which resolves per-DSO
// symbolizers) onto the single symtab.Symbolizer interface the symbol
// table expects, looking up the right backing *symbolize.ELF for each
// DSO as it's encountered.
type symtabAdapter struct {
	reg *symbolize.Registry
}

func (s symtabAdapter) Symbolize(dso *proctree.DSO, fileRelativeAddr uint64) (string, int64) {
	e := s.reg.For(dso)
	if e == nil {
		return "", 0
	}
	return e.Symbolize(dso, fileRelativeAddr)
}

// sampleMaskForCPUClock mirrors internal/perfevent.sampleTypeMask for the
// software CPU-clock watcher this daemon opens, duplicated here since
// cmd/nprofd constructs its sample.Parser independently of the
// Manager that opened the underlying perf descriptor.
func sampleMaskForCPUClock() uint64 {
	return sample.SampleTID | sample.SampleTime | sample.SampleID | sample.SamplePeriod |
		sample.SampleRegsUser | sample.SampleStackUser
}
