// Package tasks is the durable scheduler for pipeline work. Tasks
// persist in the relational store (package metadata) rather than in
// process memory, so a crashed worker's lease simply expires and
// another worker resumes the task from its last checkpoint —
// generalizing the in-memory pause/resume/cancel control surface of a
// single-process task manager into a crash-recoverable one.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"knowledgebase/metadata"
)

// Pool names the two worker pools a task kind is scheduled onto: CPU-
// bound stages (render, chunk) and model-bound stages (OCR fallback,
// embed) that must be capped separately so a burst of cheap renders
// never starves the rate-limited model backends.
type Pool string

const (
	PoolCPU   Pool = "cpu_pool"
	PoolModel Pool = "model_pool"
)

// Executor runs one task to completion or to its next checkpoint. It
// must be safe to call again from the last persisted StageCursor if the
// previous attempt was interrupted.
type Executor func(ctx context.Context, handle *Handle) error

// ErrMaxAttemptsExceeded names the condition of a task that has already
// failed MaxAttempts times and is not retried again. The Manager itself
// does not return it: it logs that case and leaves the task failed.
var ErrMaxAttemptsExceeded = errors.New("tasks: max attempts exceeded")

// Manager leases tasks from the durable store and runs them against
// registered executors, bounded by per-pool concurrency limits.
type Manager struct {
	store       *metadata.Store
	redis       *redis.Client
	executors   map[metadata.TaskKind]registeredExecutor
	leaseFor    time.Duration
	heartbeat   time.Duration
	sweepEvery  time.Duration
	maxAttempts int
	admitGate   *AdmitSemaphore
}

type registeredExecutor struct {
	pool Pool
	run  Executor
}

// Config tunes the Manager's scheduling behavior.
type Config struct {
	LeaseFor          time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	MaxAttempts       int
	CPUConcurrency    int64
	ModelConcurrency  int64
	AdmitLimit        int64
}

// DefaultConfig returns sane scheduling defaults.
func DefaultConfig() Config {
	return Config{
		LeaseFor:          2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     1 * time.Minute,
		MaxAttempts:       3,
		CPUConcurrency:    4,
		ModelConcurrency:  2,
		AdmitLimit:        8,
	}
}

// NewManager builds a Manager over store, optionally backed by a Redis
// client for the cross-process admit-stage semaphore. A nil redis
// client disables the distributed admit gate; the in-process pool caps
// still apply.
func NewManager(store *metadata.Store, redisClient *redis.Client, cfg Config) *Manager {
	return &Manager{
		store:       store,
		redis:       redisClient,
		executors:   make(map[metadata.TaskKind]registeredExecutor),
		leaseFor:    cfg.LeaseFor,
		heartbeat:   cfg.HeartbeatInterval,
		sweepEvery:  cfg.SweepInterval,
		maxAttempts: cfg.MaxAttempts,
		admitGate:   NewAdmitSemaphore(redisClient, "tasks:admit", cfg.AdmitLimit),
	}
}

// Register binds an Executor to a task kind and the pool its stages run
// on.
func (m *Manager) Register(kind metadata.TaskKind, pool Pool, run Executor) {
	m.executors[kind] = registeredExecutor{pool: pool, run: run}
}

// Run starts the CPU pool, model pool, and lease sweeper, blocking
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, cfg Config) error {
	cpuSem := semaphore.NewWeighted(max64(cfg.CPUConcurrency, 1))
	modelSem := semaphore.NewWeighted(max64(cfg.ModelConcurrency, 1))

	sweepTicker := time.NewTicker(m.sweepEvery)
	defer sweepTicker.Stop()

	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweepTicker.C:
			m.sweep(ctx)
		case <-pollTicker.C:
			m.dispatch(ctx, PoolCPU, cpuSem)
			m.dispatch(ctx, PoolModel, modelSem)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, pool Pool, sem *semaphore.Weighted) {
	kinds := m.kindsForPool(pool)
	if len(kinds) == 0 {
		return
	}
	if !sem.TryAcquire(1) {
		return
	}

	task, err := m.store.LeaseNextTask(ctx, kinds, m.leaseFor)
	if err != nil {
		sem.Release(1)
		if !errors.Is(err, metadata.ErrNotFound) {
			log.Printf("tasks: lease next %s task failed: %v", pool, err)
		}
		return
	}

	go func() {
		defer sem.Release(1)
		m.execute(ctx, task)
	}()
}

func (m *Manager) kindsForPool(pool Pool) []metadata.TaskKind {
	var kinds []metadata.TaskKind
	for kind, reg := range m.executors {
		if reg.pool == pool {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (m *Manager) execute(ctx context.Context, task *metadata.Task) {
	reg, ok := m.executors[task.Kind]
	if !ok {
		log.Printf("tasks: no executor registered for kind %s", task.Kind)
		_ = m.store.FailTask(ctx, task.ID, fmt.Errorf("no executor for kind %q", task.Kind))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := NewHandle(task, m.store, m.admitGate)
	stop := m.startHeartbeat(runCtx, task.ID)
	defer stop()

	err := reg.run(runCtx, handle)
	if err == nil {
		if cancelErr := m.store.CompleteTask(ctx, task.ID); cancelErr != nil {
			log.Printf("tasks: mark task %d complete failed: %v", task.ID, cancelErr)
		}
		return
	}

	if errors.Is(err, errTaskCancelled) {
		if cancelErr := m.store.MarkTaskCancelled(ctx, task.ID); cancelErr != nil {
			log.Printf("tasks: mark task %d cancelled failed: %v", task.ID, cancelErr)
		}
		return
	}
	if errors.Is(err, errTaskPaused) {
		if pauseErr := m.store.RequestPause(ctx, task.ID); pauseErr != nil {
			log.Printf("tasks: mark task %d paused failed: %v", task.ID, pauseErr)
		}
		return
	}
	if errors.Is(err, ErrAwaitingChildren) {
		if deferErr := m.store.DeferTask(ctx, task.ID, m.leaseFor); deferErr != nil {
			log.Printf("tasks: defer task %d failed: %v", task.ID, deferErr)
		}
		return
	}

	if failErr := m.store.FailTask(ctx, task.ID, err); failErr != nil {
		log.Printf("tasks: mark task %d failed failed: %v", task.ID, failErr)
	}

	if task.AttemptCount+1 >= m.maxAttempts {
		log.Printf("tasks: task %d exhausted retries after error: %v", task.ID, err)
		return
	}
	if requeueErr := m.store.RequeueTask(ctx, task.ID); requeueErr != nil {
		log.Printf("tasks: requeue task %d failed: %v", task.ID, requeueErr)
	}
}

func (m *Manager) startHeartbeat(ctx context.Context, taskID uint64) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := m.store.Heartbeat(ctx, taskID, m.leaseFor); err != nil {
					log.Printf("tasks: heartbeat for task %d failed: %v", taskID, err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (m *Manager) sweep(ctx context.Context) {
	kinds := make([]metadata.TaskKind, 0, len(m.executors))
	for kind := range m.executors {
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return
	}
	affected, err := m.store.SweepExpiredLeases(ctx, kinds)
	if err != nil {
		log.Printf("tasks: sweep expired leases failed: %v", err)
		return
	}
	if affected > 0 {
		log.Printf("tasks: requeued %d task(s) with expired leases", affected)
	}
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
