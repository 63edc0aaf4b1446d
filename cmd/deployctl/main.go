// Command deployctl is an operator CLI around the Cloud Deploy Client: it
// shells the "deploy"/"scale"/"status"/"rollback" subcommands out to the
// external deploy CLI configured by CLOUD_DEPLOY_CLI, the same client the
// orchestrator's own cloud deployment is managed through.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/casarerpa/orchestrator/internal/adapter/clouddeploy"
	"github.com/casarerpa/orchestrator/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	client := clouddeploy.NewClient(cfg.CloudDeployCLI, slog.Default())
	ctx := context.Background()

	switch os.Args[1] {
	case "deploy":
		runDeploy(ctx, client, os.Args[2:])
	case "scale":
		runScale(ctx, client, os.Args[2:])
	case "status":
		runStatus(ctx, client, os.Args[2:])
	case "rollback":
		runRollback(ctx, client, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: deployctl <deploy|scale|status|rollback> [flags]")
}

func runDeploy(ctx context.Context, client *clouddeploy.Client, args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	app := fs.String("app", "", "application name")
	env := fs.String("env", "production", "target environment")
	minInst := fs.Int("min-instances", clouddeploy.DefaultScalingConfig().MinInstances, "minimum instances")
	maxInst := fs.Int("max-instances", clouddeploy.DefaultScalingConfig().MaxInstances, "maximum instances")
	targetCPU := fs.Int("target-cpu", clouddeploy.DefaultScalingConfig().TargetCPUPercent, "target CPU percent")
	rollbackOnFailure := fs.Bool("rollback-on-failure", true, "automatically roll back on a failed deploy")
	dryRun := fs.Bool("dry-run", false, "validate without deploying")
	wait := fs.Bool("wait", true, "wait for the deploy to finish")
	_ = fs.Parse(args)

	if *app == "" {
		fmt.Fprintln(os.Stderr, "deploy: -app is required")
		os.Exit(2)
	}

	status, err := client.Deploy(ctx, clouddeploy.DeployConfig{
		AppName:     *app,
		Environment: *env,
		Scaling: clouddeploy.ScalingConfig{
			MinInstances:     *minInst,
			MaxInstances:     *maxInst,
			TargetCPUPercent: *targetCPU,
		},
		RollbackOnFailure: *rollbackOnFailure,
		DryRun:            *dryRun,
		Wait:              *wait,
	})
	printStatusOrExit(status, err)
}

func runScale(ctx context.Context, client *clouddeploy.Client, args []string) {
	fs := flag.NewFlagSet("scale", flag.ExitOnError)
	app := fs.String("app", "", "application name")
	minInst := fs.Int("min-instances", clouddeploy.DefaultScalingConfig().MinInstances, "minimum instances")
	maxInst := fs.Int("max-instances", clouddeploy.DefaultScalingConfig().MaxInstances, "maximum instances")
	targetCPU := fs.Int("target-cpu", clouddeploy.DefaultScalingConfig().TargetCPUPercent, "target CPU percent")
	_ = fs.Parse(args)

	if *app == "" {
		fmt.Fprintln(os.Stderr, "scale: -app is required")
		os.Exit(2)
	}

	if err := client.Scale(ctx, *app, clouddeploy.ScalingConfig{
		MinInstances:     *minInst,
		MaxInstances:     *maxInst,
		TargetCPUPercent: *targetCPU,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "scale failed:", err)
		os.Exit(1)
	}
}

func runStatus(ctx context.Context, client *clouddeploy.Client, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	app := fs.String("app", "", "application name")
	env := fs.String("env", "production", "target environment")
	_ = fs.Parse(args)

	if *app == "" {
		fmt.Fprintln(os.Stderr, "status: -app is required")
		os.Exit(2)
	}

	status, err := client.Status(ctx, *app, *env)
	printStatusOrExit(status, err)
}

func runRollback(ctx context.Context, client *clouddeploy.Client, args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	app := fs.String("app", "", "application name")
	env := fs.String("env", "production", "target environment")
	version := fs.String("version", "", "version to roll back to (defaults to previous)")
	_ = fs.Parse(args)

	if *app == "" {
		fmt.Fprintln(os.Stderr, "rollback: -app is required")
		os.Exit(2)
	}

	status, err := client.Rollback(ctx, *app, *env, *version)
	printStatusOrExit(status, err)
}

func printStatusOrExit(status clouddeploy.DeploymentStatus, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(status)
}
