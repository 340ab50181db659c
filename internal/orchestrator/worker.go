package orchestrator

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/forgebase/orchestrator/internal/config"
)

// StartWorker connects to Temporal and runs the build task queue worker
// until interrupted. a is the fully-wired Activities bundle; the caller
// constructs it from the same Registry, graph.Store, agentpipeline.Registry
// and friends the rest of the process uses.
func StartWorker(cfg *config.Config, a *Activities) error {
	hostPort := cfg.Orchestrator.TemporalHostPort
	if hostPort == "" {
		hostPort = "127.0.0.1:7233"
	}
	taskQueue := cfg.Orchestrator.TaskQueue
	if taskQueue == "" {
		taskQueue = "forge-build-queue"
	}

	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("orchestrator: dialing temporal at %s: %w", hostPort, err)
	}
	defer c.Close()

	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(BuildWorkflow)

	w.RegisterActivity(a.RunStageActivity)
	w.RegisterActivity(a.MaterializeActivity)
	w.RegisterActivity(a.ClassifyActivity)
	w.RegisterActivity(a.BackoffHintActivity)
	w.RegisterActivity(a.AutoFixActivity)
	w.RegisterActivity(a.UpsertStepActivity)
	w.RegisterActivity(a.AppendArtifactActivity)
	w.RegisterActivity(a.AppendAutoFixRunActivity)
	w.RegisterActivity(a.UpsertGateActivity)
	w.RegisterActivity(a.AppendLogActivity)
	w.RegisterActivity(a.UpdateBuildStatusActivity)
	w.RegisterActivity(a.LoadPlanActivity)
	w.RegisterActivity(a.ReplanActivity)

	slog.Info("temporal worker starting", "task_queue", taskQueue, "host_port", hostPort)
	return w.Run(worker.InterruptCh())
}
