package clouddeploy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	calls   [][]string
	stdout  []string
	stderr  string
	exit    int
	err     error
	callIdx int
}

func (f *fakeRunner) run(_ context.Context, args []string) (string, string, int, error) {
	f.calls = append(f.calls, args)
	var out string
	if f.callIdx < len(f.stdout) {
		out = f.stdout[f.callIdx]
	}
	f.callIdx++
	return out, f.stderr, f.exit, f.err
}

func TestClient_Deploy_Success(t *testing.T) {
	t.Parallel()
	fr := &fakeRunner{stdout: []string{"", "", `{"state":"running","version":"v3","instances_running":2,"instances_desired":2,"health_status":"healthy","url":"https://app.example.com"}`}}
	c := &Client{runner: fr, logger: nil}
	c.logger = discardLogger()

	status, err := c.Deploy(context.Background(), DeployConfig{
		AppName:         "orchestrator",
		Environment:     "production",
		Scaling:         DefaultScalingConfig(),
		PostgresEnabled: true,
		Wait:            true,
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, 2, status.InstancesRunning)
	require.Len(t, fr.calls, 3)
	assert.Contains(t, fr.calls[0], "--postgres")
}

func TestClient_Deploy_FailureTriggersRollback(t *testing.T) {
	t.Parallel()
	fr := &fakeRunner{exit: 1, stderr: "boom"}
	c := &Client{runner: fr, logger: discardLogger()}

	_, err := c.Deploy(context.Background(), DeployConfig{
		AppName:           "orchestrator",
		Environment:       "production",
		Scaling:           DefaultScalingConfig(),
		RollbackOnFailure: true,
	})
	require.Error(t, err)
	var cliErr *CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, "deploy", cliErr.Op)
	// deploy call + rollback call
	require.Len(t, fr.calls, 2)
	assert.Equal(t, "rollback", fr.calls[1][1])
}

func TestClient_Status_ParsesUnknownState(t *testing.T) {
	t.Parallel()
	fr := &fakeRunner{stdout: []string{`{"state":"bogus"}`}}
	c := &Client{runner: fr, logger: discardLogger()}

	status, err := c.Status(context.Background(), "orchestrator", "production")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, status.State)
	assert.Equal(t, "unknown", status.Version)
}

func TestClient_Scale_NonZeroExit(t *testing.T) {
	t.Parallel()
	fr := &fakeRunner{exit: 2, stderr: "scale failed"}
	c := &Client{runner: fr, logger: discardLogger()}

	err := c.Scale(context.Background(), "orchestrator", DefaultScalingConfig())
	require.Error(t, err)
	var cliErr *CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, 2, cliErr.ExitCode)
}

func TestClient_Rollback_WithVersion(t *testing.T) {
	t.Parallel()
	fr := &fakeRunner{stdout: []string{"", `{"state":"running"}`}}
	c := &Client{runner: fr, logger: discardLogger()}

	status, err := c.Rollback(context.Background(), "orchestrator", "production", "v2")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, status.State)
	assert.Contains(t, fr.calls[0], "--version")
}
