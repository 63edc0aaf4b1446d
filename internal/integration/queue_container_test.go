//go:build ignore

// Integration tests are disabled in this project. Use E2E tests instead.
// Kept here, gated off the default build, as a runnable reference for
// exercising the queue store against a real Postgres instance.

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/casarerpa/orchestrator/internal/adapter/queue/postgres"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// Test_QueueStore_ClaimCompleteRoundTrip exercises the SKIP LOCKED claim
// path end to end: enqueue a job, claim it as a robot, and complete it,
// against a real Postgres container rather than a mocked pool.
func Test_QueueStore_ClaimCompleteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "orchestrator"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/orchestrator?sslmode=disable"

	pool, err := postgres.ConnectWithRetry(ctx, dsn, false, 0, 0, 10, 500*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, postgres.Migrate(ctx, pool))

	producer := postgres.NewProducer(pool)
	consumer := postgres.NewConsumer(pool)

	enqueued, err := producer.Enqueue(ctx, domain.JobSubmission{
		WorkflowID:   "wf-1",
		WorkflowName: "test workflow",
		WorkflowJSON: `{"id":"wf-1","name":"test","nodes":{}}`,
		Environment:  domain.DefaultEnvironment,
		MaxRetries:   3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, enqueued.ID)

	claimed, err := consumer.Claim(ctx, "robot-1", domain.DefaultEnvironment, 5, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, enqueued.ID, claimed[0].JobID)

	ok, err := consumer.Complete(ctx, claimed[0].JobID, "robot-1", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	job, err := producer.GetJobStatus(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, job.Status)
}
