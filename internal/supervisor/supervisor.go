// Package supervisor implements the Worker Cluster Supervisor: it sizes
// the pool against the host's CPUs, forks one OS process per worker, and
// restarts workers that exit, with no restart-count ceiling.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/moosestack/moose-core/internal/telemetry"
)

// Pool-sizing CPU ratios: streaming workers leave half
// the CPUs for the rest of the host; gateway workers may use them all.
const (
	StreamingCPURatio = 0.5
	GatewayCPURatio   = 1.0
)

// Size returns the number of workers to run: min(maxWorkerCount,
// floor(numCPU * ratio)), never less than one. A zero ratio means
// StreamingCPURatio.
func Size(maxWorkerCount int, ratio float64) int {
	if ratio <= 0 {
		ratio = StreamingCPURatio
	}
	n := int(math.Floor(float64(runtime.NumCPU()) * ratio))
	if n < 1 {
		n = 1
	}
	if maxWorkerCount > 0 && n > maxWorkerCount {
		n = maxWorkerCount
	}
	return n
}

// GracePeriod is how long workerStop waits for a worker to exit on its own
// before it is force-killed.
const GracePeriod = 10 * time.Second

// stableRunThreshold is how long a worker must run before its restart
// backoff resets.
const stableRunThreshold = 30 * time.Second

// WorkerRole is the CLI flag value a forked process checks at startup to
// know it should run as a worker rather than the supervisor.
const WorkerRole = "--worker"

// Spawner starts one OS process for a worker. Production wiring execs the
// current binary with WorkerRole and an index argument; tests substitute a
// fake.
type Spawner interface {
	Spawn(ctx context.Context, index int) (Worker, error)
}

// Worker is a supervised child process.
type Worker interface {
	// Wait blocks until the process exits and returns its error, if any.
	Wait() error
	// Signal requests graceful shutdown (SIGTERM on unix).
	Signal() error
	// Kill force-terminates the process.
	Kill() error
	// Done reports whether Wait has already returned.
	Done() <-chan struct{}
}

// ExecSpawner forks workers via os/exec, re-invoking the current executable.
type ExecSpawner struct {
	// Path is the executable to run; defaults to os.Executable() if empty.
	Path string
	// Args are the subcommand and flags replayed into each worker; the
	// worker role flag and index are appended after them.
	Args []string
	// ExtraFiles are inherited by the worker starting at descriptor 3, the
	// mechanism the gateway uses to share one listening socket across the
	// pool.
	ExtraFiles []*os.File
}

func (s ExecSpawner) Spawn(ctx context.Context, index int) (Worker, error) {
	path := s.Path
	if path == "" {
		p, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
		}
		path = p
	}
	args := append(append([]string{}, s.Args...), WorkerRole, fmt.Sprintf("--worker-index=%d", index))
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = s.ExtraFiles
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker %d: %w", index, err)
	}
	return &execWorker{cmd: cmd, done: make(chan struct{})}, nil
}

type execWorker struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	once    sync.Once
}

func (w *execWorker) Wait() error {
	w.once.Do(func() {
		w.waitErr = w.cmd.Wait()
		close(w.done)
	})
	<-w.done
	return w.waitErr
}

func (w *execWorker) Signal() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Signal(os.Interrupt)
}

func (w *execWorker) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

func (w *execWorker) Done() <-chan struct{} { return w.done }

// Supervisor forks and restarts a fixed-size pool of workers. It never
// applies a circuit breaker: a worker that keeps crashing keeps being
// restarted, but restarts back off exponentially so a hot-crash loop does
// not spin the host
type Supervisor struct {
	spawner Spawner
	count   int
	logger  telemetry.Logger

	mu      sync.Mutex
	workers map[int]Worker
}

// Options configures a Supervisor.
type Options struct {
	Spawner        Spawner
	MaxWorkerCount int
	// CPURatio sizes the pool against the host's logical CPUs; zero means
	// StreamingCPURatio.
	CPURatio float64
	Logger   telemetry.Logger
}

// New builds a Supervisor sized per Size(opts.MaxWorkerCount,
// opts.CPURatio).
func New(opts Options) (*Supervisor, error) {
	if opts.Spawner == nil {
		return nil, fmt.Errorf("supervisor: spawner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Supervisor{
		spawner: opts.Spawner,
		count:   Size(opts.MaxWorkerCount, opts.CPURatio),
		logger:  logger,
		workers: make(map[int]Worker),
	}, nil
}

// Run starts all workers and supervises them until ctx is canceled. Each
// worker that exits is restarted with exponential backoff, forever, unless
// ctx has been canceled — there is no restart-count ceiling.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info(ctx, "supervisor starting workers", "count", s.count)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.count; i++ {
		i := i
		g.Go(func() error {
			return s.runWorkerLoop(gctx, i)
		})
	}
	return g.Wait()
}

func (s *Supervisor) runWorkerLoop(ctx context.Context, index int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up: no circuit breaker

	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := s.spawner.Spawn(ctx, index)
		if err != nil {
			s.logger.Error(ctx, "worker spawn failed", "index", index, "error", err)
			if sleepErr := sleepBackoff(ctx, bo); sleepErr != nil {
				return nil
			}
			continue
		}

		s.mu.Lock()
		s.workers[index] = w
		s.mu.Unlock()

		s.logger.Info(ctx, "worker started", "index", index)
		started := time.Now()

		waitErr := make(chan error, 1)
		go func() { waitErr <- w.Wait() }()

		select {
		case <-ctx.Done():
			_ = w.Signal()
			select {
			case <-w.Done():
			case <-time.After(GracePeriod):
				_ = w.Kill()
			}
			return nil
		case err := <-waitErr:
			if err != nil {
				s.logger.Warn(ctx, "worker exited, restarting", "index", index, "error", err)
			} else {
				s.logger.Warn(ctx, "worker exited cleanly, restarting", "index", index)
			}
			// A worker that survived for a while earns a fresh backoff;
			// one that crashed right back keeps climbing it.
			if time.Since(started) > stableRunThreshold {
				bo.Reset()
			}
			if sleepErr := sleepBackoff(ctx, bo); sleepErr != nil {
				return nil
			}
		}
	}
}

func sleepBackoff(ctx context.Context, bo backoff.BackOff) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StopAll signals every running worker and waits up to GracePeriod before
// force-killing stragglers, running each stop in parallel (
// "parallel workerStop").
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Signal(); err != nil {
				return err
			}
			select {
			case <-w.Done():
				return nil
			case <-time.After(GracePeriod):
				return w.Kill()
			}
		})
	}
	return g.Wait()
}
