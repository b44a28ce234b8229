// Command myqueued is the batch scheduling daemon: it owns the task
// queue, the CPU/GPU resource monitor, the executor, and the scheduler's
// dispatch and reap loops, and serves the client-facing wire protocol
// over a Unix domain socket.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/config"
	"github.com/myqueue/myqueued/internal/cpuprobe"
	"github.com/myqueue/myqueued/internal/dispatcher"
	"github.com/myqueue/myqueued/internal/eventbus"
	"github.com/myqueue/myqueued/internal/executor"
	"github.com/myqueue/myqueued/internal/gpuprobe"
	"github.com/myqueue/myqueued/internal/history"
	"github.com/myqueue/myqueued/internal/queue"
	"github.com/myqueue/myqueued/internal/resourcemonitor"
	"github.com/myqueue/myqueued/internal/scheduler"
	"github.com/myqueue/myqueued/internal/sysmetrics"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := cfg.EnsureDataDirs(); err != nil {
		log.Fatalf("failed to prepare data directories: %v", err)
	}

	if cfg.Init {
		fmt.Printf("initialized myqueue data directory at %s\n", cfg.DataDir)
		return
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting myqueued",
		zap.String("data_dir", cfg.DataDir),
		zap.String("socket", cfg.SocketPath),
		zap.Int("total_gpus", cfg.TotalGPUs),
		zap.Int("total_cpus", cfg.TotalCPUs))

	q := queue.New(cfg.QueuePath(), logger)
	if err := q.Load(); err != nil {
		logger.Fatal("failed to load task queue", zap.Error(err))
	}

	archive, err := history.Open(cfg.HistoryPath(), logger)
	if err != nil {
		logger.Fatal("failed to open history archive", zap.Error(err))
	}
	defer archive.Close()

	gpus := gpuprobe.New(cfg.TotalGPUs, cfg.GPUMemThresholdMB, logger)
	cpus := cpuprobe.New(cpuprobe.DefaultSampleInterval, cpuprobe.DefaultWindow, logger)

	monitor := resourcemonitor.New(resourcemonitor.Config{
		TotalGPUs:        cfg.TotalGPUs,
		TotalCPUs:        cfg.TotalCPUs,
		CPUUtilThreshold: cfg.CPUUtilThreshold,
	}, gpus, cpus, logger)
	monitor.SetExcludedCPUs(cfg.ExcludedCPUs)
	monitor.SetExcludedGPUs(cfg.ExcludedGPUs)

	exec := executor.New(logger)

	bus, err := eventbus.Start(logger)
	if err != nil {
		logger.Fatal("failed to start event bus", zap.Error(err))
	}
	defer bus.Close()

	unsubscribe, err := bus.Subscribe(func(change eventbus.StateChange) {
		logger.Debug("task state change",
			zap.Uint64("task_id", change.TaskID),
			zap.String("status", string(change.Status)))
	})
	if err != nil {
		logger.Fatal("failed to subscribe to event bus", zap.Error(err))
	}
	defer unsubscribe()

	sched := scheduler.New(scheduler.Config{LogDir: cfg.JobLogDir}, q, monitor, exec, bus, logger)
	sched.Recover()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	metrics := sysmetrics.New(sysmetrics.DefaultInterval, logger)
	go metrics.Run(ctx)
	defer metrics.Stop()

	go archiveTerminalTasks(ctx, q, archive, logger)

	disp := dispatcher.New(cfg.SocketPath, q, sched, cfg.JobLogDir, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := disp.Serve(ctx); err != nil {
		logger.Error("dispatcher exited with error", zap.Error(err))
	}

	logger.Info("myqueued shutting down")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Foreground {
		return zap.NewDevelopment()
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.OutputPaths = []string{fmt.Sprintf("%s/myqueued.log", cfg.LogDir)}
	return zapCfg.Build()
}

// archiveTerminalTasks periodically sweeps the queue for newly terminal
// tasks and records them in the durable SQLite archive, so a task's
// history survives even after it is later deleted from the live queue.
func archiveTerminalTasks(ctx context.Context, q *queue.Queue, archive *history.Archive, logger *zap.Logger) {
	seen := make(map[uint64]bool)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range q.All() {
				if !t.Status.IsTerminal() || seen[t.ID] {
					continue
				}
				if err := archive.Archive(ctx, t); err != nil {
					logger.Warn("failed to archive task", zap.Uint64("task_id", t.ID), zap.Error(err))
					continue
				}
				seen[t.ID] = true
			}
		}
	}
}
