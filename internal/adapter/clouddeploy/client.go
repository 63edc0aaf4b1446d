// Package clouddeploy wraps an external deployment CLI (os/exec) to deploy,
// scale, inspect, and roll back the orchestrator's own cloud deployment,
// grounded on original_source/.../cloud/dbos_cloud.py's DBOSCloudClient.
package clouddeploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// DeploymentState mirrors the original's DeploymentState enum.
type DeploymentState string

// Deployment states.
const (
	StatePending   DeploymentState = "pending"
	StateDeploying DeploymentState = "deploying"
	StateRunning   DeploymentState = "running"
	StateStopping  DeploymentState = "stopping"
	StateStopped   DeploymentState = "stopped"
	StateFailed    DeploymentState = "failed"
	StateUnknown   DeploymentState = "unknown"
)

// ScalingConfig is auto-scaling configuration passed to the deploy CLI.
type ScalingConfig struct {
	MinInstances     int
	MaxInstances     int
	TargetCPUPercent int
}

// DefaultScalingConfig matches the original's Pydantic field defaults.
func DefaultScalingConfig() ScalingConfig {
	return ScalingConfig{MinInstances: 1, MaxInstances: 10, TargetCPUPercent: 70}
}

// DeployConfig configures one deployment.
type DeployConfig struct {
	AppName           string
	Environment       string
	Scaling           ScalingConfig
	PostgresEnabled   bool
	PostgresHA        bool
	EnvVars           map[string]string
	DeployTimeout     time.Duration
	RollbackOnFailure bool
	DryRun            bool
	Wait              bool
}

// DeploymentStatus is the parsed `app status --output json` response.
type DeploymentStatus struct {
	AppName           string
	Environment       string
	State             DeploymentState
	Version           string
	InstancesRunning  int
	InstancesDesired  int
	CPUUtilization    float64
	MemoryUtilization float64
	LastDeployed      *time.Time
	HealthStatus      string
	URL               string
	PostgresURL       string
	ErrorMessage      string
}

// CLIError wraps a non-zero exit from the deploy CLI, carrying exit code and
// stderr for callers that want to branch on it without string-matching.
type CLIError struct {
	Op       string
	ExitCode int
	Stderr   string
}

func (e *CLIError) Error() string {
	return fmt.Sprintf("op=clouddeploy.%s: exit=%d: %s", e.Op, e.ExitCode, e.Stderr)
}

// runner abstracts process execution so tests can stub CLI behavior without
// spawning a real binary.
type runner interface {
	run(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct {
	command string
}

func (r execRunner) run(ctx context.Context, args []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, r.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// Client wraps the deployment CLI binary, exposing Deploy/Scale/Status/
// Rollback per spec.md's retained Cloud Deploy Client component.
type Client struct {
	runner runner
	logger *slog.Logger
}

// NewClient builds a Client that shells out to the named CLI binary (e.g.
// "dbos-cloud").
func NewClient(cliCommand string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{runner: execRunner{command: cliCommand}, logger: logger}
}

// Deploy deploys config.AppName, applies scaling, and returns the resulting
// status. On failure with RollbackOnFailure set, it attempts one rollback
// before returning the original deploy error.
func (c *Client) Deploy(ctx context.Context, cfg DeployConfig) (DeploymentStatus, error) {
	args := []string{"app", "deploy", "--app", cfg.AppName}
	if cfg.PostgresEnabled {
		args = append(args, "--postgres")
		if cfg.PostgresHA {
			args = append(args, "--postgres-ha")
		}
	}
	for k, v := range cfg.EnvVars {
		args = append(args, "--env", k+"="+v)
	}
	if cfg.DryRun {
		args = append(args, "--dry-run")
	}
	if !cfg.Wait {
		args = append(args, "--no-wait")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.DeployTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.DeployTimeout)
		defer cancel()
	}

	c.logger.Info("clouddeploy: deploying", slog.String("app", cfg.AppName), slog.String("environment", cfg.Environment))
	_, stderr, exitCode, err := c.runner.run(runCtx, args)
	if err != nil {
		return DeploymentStatus{}, fmt.Errorf("op=clouddeploy.deploy: %w", err)
	}
	if exitCode != 0 {
		c.logger.Error("clouddeploy: deploy failed", slog.String("app", cfg.AppName), slog.Int("exit_code", exitCode))
		if cfg.RollbackOnFailure && !cfg.DryRun {
			c.logger.Info("clouddeploy: attempting automatic rollback", slog.String("app", cfg.AppName))
			if _, rbErr := c.Rollback(ctx, cfg.AppName, cfg.Environment, ""); rbErr != nil {
				c.logger.Error("clouddeploy: rollback failed", slog.Any("err", rbErr))
			}
		}
		return DeploymentStatus{}, &CLIError{Op: "deploy", ExitCode: exitCode, Stderr: stderr}
	}

	c.logger.Info("clouddeploy: deploy completed", slog.String("app", cfg.AppName))
	if !cfg.DryRun {
		if err := c.Scale(ctx, cfg.AppName, cfg.Scaling); err != nil {
			return DeploymentStatus{}, err
		}
	}
	return c.Status(ctx, cfg.AppName, cfg.Environment)
}

// Scale applies an auto-scaling configuration to an already-deployed app.
func (c *Client) Scale(ctx context.Context, appName string, scaling ScalingConfig) error {
	args := []string{
		"app", "scale",
		"--app", appName,
		"--min-instances", strconv.Itoa(scaling.MinInstances),
		"--max-instances", strconv.Itoa(scaling.MaxInstances),
		"--target-cpu", strconv.Itoa(scaling.TargetCPUPercent),
	}

	c.logger.Info("clouddeploy: configuring scaling", slog.String("app", appName),
		slog.Int("min_instances", scaling.MinInstances), slog.Int("max_instances", scaling.MaxInstances))
	_, stderr, exitCode, err := c.runner.run(ctx, args)
	if err != nil {
		return fmt.Errorf("op=clouddeploy.scale: %w", err)
	}
	if exitCode != 0 {
		return &CLIError{Op: "scale", ExitCode: exitCode, Stderr: stderr}
	}
	return nil
}

// Status retrieves and parses the current deployment status.
func (c *Client) Status(ctx context.Context, appName, environment string) (DeploymentStatus, error) {
	args := []string{"app", "status", "--app", appName, "--output", "json"}
	stdout, stderr, exitCode, err := c.runner.run(ctx, args)
	if err != nil {
		return DeploymentStatus{}, fmt.Errorf("op=clouddeploy.status: %w", err)
	}
	if exitCode != 0 {
		return DeploymentStatus{}, &CLIError{Op: "status", ExitCode: exitCode, Stderr: stderr}
	}
	return parseStatus(appName, environment, stdout), nil
}

// Rollback reverts appName to the given version, or the previous version if
// version is empty, returning the resulting status.
func (c *Client) Rollback(ctx context.Context, appName, environment, version string) (DeploymentStatus, error) {
	args := []string{"app", "rollback", "--app", appName}
	if version != "" {
		args = append(args, "--version", version)
	}

	c.logger.Info("clouddeploy: rolling back", slog.String("app", appName))
	_, stderr, exitCode, err := c.runner.run(ctx, args)
	if err != nil {
		return DeploymentStatus{}, fmt.Errorf("op=clouddeploy.rollback: %w", err)
	}
	if exitCode != 0 {
		return DeploymentStatus{}, &CLIError{Op: "rollback", ExitCode: exitCode, Stderr: stderr}
	}
	return c.Status(ctx, appName, environment)
}

func parseStatus(appName, environment, stdout string) DeploymentStatus {
	var raw struct {
		State             string  `json:"state"`
		Version           string  `json:"version"`
		InstancesRunning  int     `json:"instances_running"`
		InstancesDesired  int     `json:"instances_desired"`
		CPUUtilization    float64 `json:"cpu_utilization"`
		MemoryUtilization float64 `json:"memory_utilization"`
		LastDeployed      string  `json:"last_deployed"`
		HealthStatus      string  `json:"health_status"`
		URL               string  `json:"url"`
		PostgresURL       string  `json:"postgres_url"`
		ErrorMessage      string  `json:"error_message"`
	}
	if stdout != "" {
		_ = json.Unmarshal([]byte(stdout), &raw)
	}

	state := DeploymentState(raw.State)
	switch state {
	case StatePending, StateDeploying, StateRunning, StateStopping, StateStopped, StateFailed:
	default:
		state = StateUnknown
	}

	status := DeploymentStatus{
		AppName:           appName,
		Environment:       environment,
		State:             state,
		Version:           raw.Version,
		InstancesRunning:  raw.InstancesRunning,
		InstancesDesired:  raw.InstancesDesired,
		CPUUtilization:    raw.CPUUtilization,
		MemoryUtilization: raw.MemoryUtilization,
		HealthStatus:      raw.HealthStatus,
		URL:               raw.URL,
		PostgresURL:       raw.PostgresURL,
		ErrorMessage:      raw.ErrorMessage,
	}
	if raw.LastDeployed != "" {
		if t, err := time.Parse(time.RFC3339, raw.LastDeployed); err == nil {
			status.LastDeployed = &t
		}
	}
	if status.Version == "" {
		status.Version = "unknown"
	}
	if status.HealthStatus == "" {
		status.HealthStatus = "unknown"
	}
	return status
}
