package domain

import "time"

// TriggerType enumerates how a trigger is invoked.
type TriggerType string

// Trigger types.
const (
	TriggerWebhook   TriggerType = "webhook"
	TriggerSchedule  TriggerType = "schedule"
	TriggerCallable  TriggerType = "callable"
	TriggerManual    TriggerType = "manual"
)

// AuthType enumerates the webhook authentication schemes a trigger accepts.
type AuthType string

// Auth types, mirroring the schemes accepted by webhook ingress.
const (
	AuthNone       AuthType = "none"
	AuthAPIKey     AuthType = "api_key"
	AuthBearer     AuthType = "bearer"
	AuthHMACSHA1   AuthType = "hmac_sha1"
	AuthHMACSHA256 AuthType = "hmac_sha256"
	AuthHMACSHA384 AuthType = "hmac_sha384"
	AuthHMACSHA512 AuthType = "hmac_sha512"
)

// SignatureProvider selects which provider's signature header format to
// parse when AuthType is one of the HMAC variants.
type SignatureProvider string

// Signature providers supported by the HMAC verifier.
const (
	SignatureGitHub       SignatureProvider = "github"
	SignatureGitHubLegacy SignatureProvider = "github_legacy"
	SignatureStripe       SignatureProvider = "stripe"
	SignatureGeneric      SignatureProvider = "generic"
)

// Trigger binds an external event source to a workflow invocation.
type Trigger struct {
	ID                string
	Name              string
	WorkflowID         string
	Type              TriggerType
	Enabled            bool
	Endpoint           string // reserved webhook path, e.g. "/abc123" (served at /webhooks/abc123)
	CallAlias          string // reserved callable alias
	CronExpr           string // schedule trigger only
	AuthType           AuthType
	SignatureProvider  SignatureProvider
	Secret             string
	ReplayToleranceSec int
	CooldownSeconds    int
	Variables          map[string]any
	Environment        string
	FireCount          int64
	SuccessCount       int64
	ErrorCount         int64
	LastFiredAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FireResult is returned when a trigger successfully enqueues a job.
type FireResult struct {
	TriggerID string
	JobID     string
	FiredAt   time.Time
}

// TriggerEvent carries a fired trigger's payload plus request provenance,
// handed to the job-creation callback.
type TriggerEvent struct {
	TriggerID   string
	TriggerType TriggerType
	WorkflowID  string
	Environment string
	Payload     map[string]any
	Source      string // "webhook", "form", "manual", "workflow_call"
	Method      string
	Path        string
	Headers     map[string]string
	Remote      string
	FiredAt     time.Time
}

// JobCreator converts a fired TriggerEvent into a queued job. It returns the
// new job's id, or an error if enqueueing failed.
type JobCreator interface {
	CreateJob(ctx Context, event TriggerEvent) (jobID string, err error)
}

// TriggerRepository is the persistence port for trigger definitions.
type TriggerRepository interface {
	Create(ctx Context, t Trigger) (Trigger, error)
	Get(ctx Context, id string) (Trigger, error)
	GetByEndpoint(ctx Context, endpoint string) (Trigger, error)
	GetByCallAlias(ctx Context, alias string) (Trigger, error)
	List(ctx Context, workflowID string) ([]Trigger, error)
	Update(ctx Context, t Trigger) (Trigger, error)
	Delete(ctx Context, id string) error
	RecordFire(ctx Context, id string, success bool, at time.Time) error
}
