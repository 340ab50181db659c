package agentpipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/forgebase/orchestrator/internal/model"
)

// DevOpsAgent runs the generated artifacts for a task inside a disposable
// sandbox container and reports the outcome as a FailureSignal when the
// run_acceptance command exits non-zero. This is the `devops` stage; the
// `run_acceptance` task type's stage sequence is the evaluator alone and
// does not reach it.
type DevOpsAgent struct {
	cli   *client.Client
	image string
}

// NewDevOpsAgent connects to the local Docker daemon using the ambient
// environment (DOCKER_HOST etc.), negotiating the API version once.
func NewDevOpsAgent(image string) (*DevOpsAgent, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("agentpipeline: connecting to docker: %w", err)
	}
	if image == "" {
		image = "forge-sandbox:latest"
	}
	return &DevOpsAgent{cli: cli, image: image}, nil
}

func (d *DevOpsAgent) Execute(ctx context.Context, action string, in Inputs, rc *RunContext) (Outputs, error) {
	workDir, err := stageWorkspace(rc.BuildID, in.Task.TaskID, in.Artifacts)
	if err != nil {
		return Outputs{}, fmt.Errorf("agentpipeline: staging devops workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	cmd := sandboxCommand(action, in.Task)

	containerName := fmt.Sprintf("forge-devops-%s-%s-%d", rc.BuildID, in.Task.TaskID, time.Now().UnixNano())
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        cmd,
		Tty:        false,
		WorkingDir: "/workspace",
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workDir, Target: "/workspace"},
		},
		AutoRemove: false,
	}, nil, nil, containerName)
	if err != nil {
		return Outputs{}, fmt.Errorf("agentpipeline: creating sandbox container: %w", err)
	}
	defer d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Outputs{}, fmt.Errorf("agentpipeline: starting sandbox container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return Outputs{}, fmt.Errorf("agentpipeline: waiting for sandbox container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, _ := d.captureLogs(ctx, resp.ID)

	if exitCode != 0 {
		return Outputs{Signal: &model.FailureSignal{
			Type:     model.FailureRuntime,
			Source:   "devops_stage",
			Message:  fmt.Sprintf("sandbox run exited %d", exitCode),
			Severity: model.SeverityMedium,
			CanRetry: true,
			Evidence: map[string]string{"logs": logs},
		}}, nil
	}

	art := contentArtifact(rc.BuildID, in.Task.TaskID, model.ArtifactDevOps, "devops.log", []byte(logs))
	return Outputs{Artifacts: []model.Artifact{art}}, nil
}

func (d *DevOpsAgent) captureLogs(ctx context.Context, containerID string) (string, error) {
	logs, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String() + "\n" + stderr.String()), nil
}

// stageWorkspace writes a task's generated artifacts to a throwaway host
// directory that gets bind-mounted read-write into the sandbox.
func stageWorkspace(buildID, taskID string, artifacts []model.Artifact) (string, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("forge-devops-%s-%s-", buildID, taskID))
	if err != nil {
		return "", err
	}
	for _, a := range artifacts {
		path := filepath.Join(dir, filepath.Base(a.Path))
		if err := os.WriteFile(path, a.Content, 0o644); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

func sandboxCommand(action string, task model.TaskNode) []string {
	if task.TaskType == model.TaskRunAcceptance {
		return []string{"sh", "-c", "go test ./..."}
	}
	if action == "" {
		return []string{"sh", "-c", "go build ./..."}
	}
	return []string{"sh", "-c", action}
}
