// Command swarmctld wires an Orchestrator up end to end and exposes its
// metrics over HTTP. It is a demo harness, not a CLI: configuration is
// read from a handful of environment variables the way control_plane's
// own main.go does, not through a flag/config layer (spec §1 places a
// full CLI/config surface with the collaborator, out of core scope).
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/kvstore"
	"github.com/meridianlabs/swarmctl/orchestrator"
	"github.com/meridianlabs/swarmctl/worker"
)

// demoExecutor simulates work by sleeping a random jitter and
// occasionally failing, so the demo graph actually exercises retries
// and the event stream instead of completing instantly.
type demoExecutor struct {
	failRate float64
}

func (e demoExecutor) Execute(ctx context.Context, task *graph.Task) (any, error) {
	select {
	case <-time.After(time.Duration(20+rand.Intn(80)) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if rand.Float64() < e.failRate {
		return nil, fmt.Errorf("demo executor: simulated failure for task %s", task.ID)
	}
	return fmt.Sprintf("%s: ok", task.Name), nil
}

func (e demoExecutor) Health(ctx context.Context) error { return nil }

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func newDemoWorker(id string, capabilities []string, failRate float64) *worker.Worker {
	return worker.NewWorker(id, capabilities, graph.ResourceEnvelope{CPU: 1, MemoryMB: 512}, 2, demoExecutor{failRate: failRate})
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("service", "swarmctld").Logger()

	metricsAddr := os.Getenv("SWARMCTLD_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	boltPath := os.Getenv("SWARMCTLD_BOLT_PATH")
	var store kvstore.Store
	if boltPath != "" {
		bolt, err := kvstore.OpenBolt(boltPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", boltPath).Msg("failed to open bolt checkpoint store")
		}
		defer bolt.Close()
		store = bolt
		log.Info().Str("path", boltPath).Msg("using bolt for checkpoint persistence")
	} else {
		store = kvstore.NewMemory()
		log.Info().Msg("no SWARMCTLD_BOLT_PATH set, checkpoints are in-memory only")
	}

	cfg := orchestrator.DefaultConfig()
	cfg.MaxAgents = envInt("SWARMCTLD_MAX_AGENTS", cfg.MaxAgents)
	cfg.MinAgents = envInt("SWARMCTLD_MIN_AGENTS", cfg.MinAgents)
	cfg.CheckpointInterval = 30 * time.Second
	cfg.WorkerFactory = func(id string) *worker.Worker {
		return newDemoWorker(id, []string{"analyze", "process", "validate"}, 0.1)
	}
	cfg.InitialWorkers = []*worker.Worker{
		newDemoWorker("worker-1", []string{"analyze", "process", "validate", "aggregate"}, 0.1),
		newDemoWorker("worker-2", []string{"process", "transform"}, 0.1),
		newDemoWorker("worker-3", []string{"custom", "kind:specialist"}, 0.05),
	}

	orch := orchestrator.New("swarmctld-"+hostnameOrFallback(), log)
	if err := orch.Initialize(cfg, store); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize orchestrator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start orchestrator")
	}

	go seedDemoGraph(orch, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "state=%s\n", orch.State())
	})

	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", metricsAddr).Msg("serving /metrics and /healthz")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()

	log.Info().Msg("swarmctl orchestrator running, press ctrl-c to stop")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := orch.Stop(); err != nil {
		log.Error().Err(err).Msg("orchestrator stop reported an error")
	}
	log.Info().Msg("swarmctld stopped")
}

// seedDemoGraph submits a small fan-out/fan-in pipeline once the
// orchestrator is running, so the demo produces visible activity
// without requiring an external submitter.
func seedDemoGraph(orch *orchestrator.Orchestrator, log zerolog.Logger) {
	time.Sleep(200 * time.Millisecond)

	ingest, err := orch.Submit(&graph.Task{Name: "ingest", Type: graph.TypeAnalyze, Priority: graph.PriorityHigh})
	if err != nil {
		log.Error().Err(err).Msg("seed: submit ingest failed")
		return
	}

	var branches []string
	for i := 0; i < 3; i++ {
		id, err := orch.Submit(&graph.Task{
			Name:         fmt.Sprintf("process-%d", i),
			Type:         graph.TypeProcess,
			Priority:     graph.PriorityMedium,
			Requirements: graph.Requirements{Dependencies: []string{ingest}},
		})
		if err != nil {
			log.Error().Err(err).Msg("seed: submit process branch failed")
			return
		}
		branches = append(branches, id)
	}

	aggregate, err := orch.Submit(&graph.Task{
		Name:         "aggregate",
		Type:         graph.TypeAggregate,
		Priority:     graph.PriorityMedium,
		Requirements: graph.Requirements{Dependencies: branches},
	})
	if err != nil {
		log.Error().Err(err).Msg("seed: submit aggregate failed")
		return
	}

	log.Info().Str("ingest", ingest).Strs("branches", branches).Str("aggregate", aggregate).Msg("seeded demo pipeline")
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}
