// Command poolctl is a small demonstration harness for the worker pool:
// it builds a Settings from flags, drives a synthetic burst of work
// through it, and prints the resulting stats snapshot.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UTC-Six/threadpool/pool"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		numThreads  int
		maxThreads  int
		taskCount   int
		taskSleepMS int
		name        string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "poolctl",
		Short: "Drive the worker pool with synthetic load and print its stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			opts := []pool.Option{
				pool.WithNumThreads(numThreads),
				pool.WithName(name),
				pool.WithLogger(logger),
				pool.WithExceptionHandler(func(err error) {
					logger.Warn("submitted work faulted", zap.Error(err))
				}),
			}
			if maxThreads > 0 {
				opts = append(opts, pool.WithMaxThreads(maxThreads))
			}

			settings, err := pool.NewSettings(opts...)
			if err != nil {
				return fmt.Errorf("build settings: %w", err)
			}
			p, err := pool.New(settings)
			if err != nil {
				return fmt.Errorf("create pool: %w", err)
			}

			runSyntheticLoad(p, taskCount, time.Duration(taskSleepMS)*time.Millisecond)

			p.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if !p.WaitForExit(ctx) {
				return fmt.Errorf("pool did not drain within timeout")
			}

			stats := p.Stats()
			fmt.Printf("workers: min=%d max=%d current=%d\n", stats.MinWorkers, stats.MaxWorkers, stats.CoreWorkers)
			fmt.Printf("tasks:   submitted=%d rejected=%d completed=%d queued=%d\n",
				stats.TaskSubmitCount, stats.RejectedCount, stats.Completed, stats.QueuedTasks)
			return nil
		},
	}

	cmd.Flags().IntVar(&numThreads, "threads", 2, "initial worker count")
	cmd.Flags().IntVar(&maxThreads, "max-threads", 0, "max worker count (0 = derive from CPU count)")
	cmd.Flags().IntVar(&taskCount, "tasks", 500, "number of synthetic tasks to submit")
	cmd.Flags().IntVar(&taskSleepMS, "task-sleep-ms", 5, "milliseconds each synthetic task sleeps")
	cmd.Flags().StringVar(&name, "name", "poolctl", "pool name / thread-name prefix")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.Encoding = "console"
	return cfg.Build()
}

// runSyntheticLoad submits taskCount callables, most of which sleep for
// sleepFor to simulate real work and force the resize controller to react,
// with an occasional panic mixed in to exercise exception isolation.
func runSyntheticLoad(p *pool.Pool, taskCount int, sleepFor time.Duration) {
	var wg sync.WaitGroup
	var completed int64
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		i := i
		ok, err := p.Submit(func() {
			defer wg.Done()
			if sleepFor > 0 {
				time.Sleep(sleepFor + time.Duration(rand.Intn(5))*time.Millisecond)
			}
			atomic.AddInt64(&completed, 1)
			if i%97 == 0 {
				panic(fmt.Sprintf("synthetic fault at task %d", i))
			}
		})
		if !ok || err != nil {
			wg.Done()
		}
	}
	wg.Wait()
}
