package orchestrator

import (
	"fmt"
	"time"

	"github.com/meridianlabs/swarmctl/scheduler"
	"github.com/meridianlabs/swarmctl/worker"
)

// RestartPolicy controls how the worker pool backs off when restarting
// an unhealthy worker, per spec §6's restartPolicy option group.
type RestartPolicy struct {
	MaxRestarts       int
	RestartDelay      time.Duration
	MaxRestartDelay   time.Duration
	BackoffMultiplier float64
}

// Config holds every tunable the orchestrator accepts at Initialize,
// per spec §6's option table.
type Config struct {
	ID string

	MaxAgents int
	MinAgents int

	TickInterval        time.Duration
	HealthCheckInterval time.Duration
	AutoscaleInterval   time.Duration
	CheckpointInterval  time.Duration // 0 disables periodic checkpointing
	SweepInterval       time.Duration

	DrainTimeout         time.Duration
	GracefulCancelWindow time.Duration

	RestartPolicy      RestartPolicy
	DefaultRetryPolicy scheduler.RetryPolicy
	DefaultTimeout     time.Duration
	MaxQueueSize       int

	AgingInterval  time.Duration
	AgingThreshold time.Duration

	// CircuitSaturationThreshold/CircuitCooldown/CircuitTestLimit tune
	// the scheduler's admission CircuitBreaker (spec §7's backpressure
	// clause); zero values fall back to scheduler.NewCircuitBreaker's
	// own production defaults.
	CircuitSaturationThreshold float64
	CircuitCooldown            time.Duration
	CircuitTestLimit           int

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	UpStep             int
	DownStep           int
	TrendWindow        int

	MaxKnowledge       int
	ConsensusThreshold float64

	// ResultRetention is how long an acknowledged terminal task is kept
	// before Sweep reclaims it.
	ResultRetention time.Duration

	// WorkerFactory mints a new worker on ScaleUp. Constructing a
	// concrete Executor is a collaborator concern (spec §1's
	// Non-goals), so the orchestrator never builds one itself; leaving
	// this nil makes ScaleUp return ErrInvalidArgument.
	WorkerFactory func(id string) *worker.Worker

	// InitialWorkers seeds the pool at Initialize, before Start.
	InitialWorkers []*worker.Worker

	// EventBufferLen bounds each Subscribe call's default channel
	// buffer (spec §4.6); 0 uses eventbus's own default of 64.
	EventBufferLen int
}

// DefaultConfig returns production-sensible defaults, grounded on the
// teacher's DefaultSchedulerConfig/DefaultReconcilerConfig idiom of
// spelling every tunable out explicitly rather than relying on zero
// values.
func DefaultConfig() Config {
	return Config{
		MaxAgents:            50,
		MinAgents:            1,
		TickInterval:         100 * time.Millisecond,
		HealthCheckInterval:  10 * time.Second,
		AutoscaleInterval:    5 * time.Second,
		CheckpointInterval:   0,
		SweepInterval:        30 * time.Second,
		DrainTimeout:         30 * time.Second,
		GracefulCancelWindow: 5 * time.Second,
		RestartPolicy: RestartPolicy{
			MaxRestarts:       5,
			RestartDelay:      time.Second,
			MaxRestartDelay:   time.Minute,
			BackoffMultiplier: 2.0,
		},
		DefaultRetryPolicy:         scheduler.DefaultRetryPolicy(),
		DefaultTimeout:             5 * time.Minute,
		MaxQueueSize:               1000,
		AgingInterval:              5 * time.Second,
		AgingThreshold:             30 * time.Second,
		CircuitSaturationThreshold: 0.95,
		CircuitCooldown:            30 * time.Second,
		CircuitTestLimit:           5,
		ScaleUpThreshold:           0.85,
		ScaleDownThreshold:         0.3,
		UpStep:                     5,
		DownStep:                   2,
		TrendWindow:                10,
		MaxKnowledge:               1000,
		ConsensusThreshold:         0.66,
		ResultRetention:    10 * time.Minute,
	}
}

// Validate rejects a Config with internally inconsistent tunables
// before Initialize wires anything up.
func (c Config) Validate() error {
	if c.MaxAgents > 0 && c.MinAgents > c.MaxAgents {
		return fmt.Errorf("%w: minAgents %d exceeds maxAgents %d", ErrInvalidArgument, c.MinAgents, c.MaxAgents)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: maxQueueSize must be positive", ErrInvalidArgument)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tickInterval must be positive", ErrInvalidArgument)
	}
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("%w: consensusThreshold must be in [0,1]", ErrInvalidArgument)
	}
	return nil
}
