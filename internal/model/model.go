// Package model defines the entities shared across the build orchestrator:
// specs, plans, task graphs, builds, steps, artifacts, evaluation reports,
// auto-fix runs, approval gates, and failure signals.
package model

import "time"

// SpecMode is the shape of the input a Spec was created from.
type SpecMode string

const (
	SpecModeGuided   SpecMode = "guided"
	SpecModeFreeform SpecMode = "freeform"
	SpecModeImported SpecMode = "imported"
)

// Spec is the source-of-truth input for a plan. Immutable after plan
// generation.
type Spec struct {
	ID           string
	TenantID     string
	Title        string
	Mode         SpecMode
	Description  string
	GuidedInput  map[string]any
	Attachments  []string
	CreatedAt    time.Time
}

// TaskType identifies which agent-pipeline stage sequence a TaskNode runs.
type TaskType string

const (
	TaskCreateFile      TaskType = "create_file"
	TaskCreateDirectory TaskType = "create_directory"
	TaskGenerateModule  TaskType = "generate_module"
	TaskCreateSchema    TaskType = "create_schema"
	TaskCreateTest      TaskType = "create_test"
	TaskRunAcceptance   TaskType = "run_acceptance"
	TaskSetupRepo       TaskType = "setup_repo"
)

// TaskNode is a single unit of work in a compiled plan.
type TaskNode struct {
	TaskID             string
	TaskType           TaskType
	File               string
	Directory          string
	Anchor             string
	Content            string
	AcceptanceCriteria string
	Dependencies       []string
	Metadata           map[string]string
}

// TaskGraph is the compiled expansion of a Spec: a DAG of TaskNodes.
type TaskGraph struct {
	Nodes    []TaskNode
	Metadata map[string]string
}

// NodeByID returns the node with the given ID, or false if absent.
func (g TaskGraph) NodeByID(id string) (TaskNode, bool) {
	for _, n := range g.Nodes {
		if n.TaskID == id {
			return n, true
		}
	}
	return TaskNode{}, false
}

// Plan is the compiled, immutable expansion of a Spec. Replanning produces
// a new version linked via OriginalPlanID.
type Plan struct {
	ID             string
	SpecID         string
	Version        int
	Graph          TaskGraph
	RiskScore      float64
	Summary        string
	DiffPreview    string
	OriginalPlanID string
	CreatedAt      time.Time
}

// BuildStatus is the lifecycle state of a Build.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
	BuildCanceled  BuildStatus = "canceled"
)

// Terminal reports whether the status cannot transition further.
func (s BuildStatus) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed || s == BuildCanceled
}

// RetryState tracks attempt budgets for one build, carried in RunContext
// and mirrored into the registry for observability.
type RetryState struct {
	TotalAttempts      int
	MaxTotalAttempts   int
	PerStepAttempts    map[string]int
	MaxPerStepAttempts int
	LastBackoffSeconds float64
}

// NewRetryState returns a RetryState with the spec's default budgets.
func NewRetryState() RetryState {
	return RetryState{
		MaxTotalAttempts:   6,
		PerStepAttempts:    map[string]int{},
		MaxPerStepAttempts: 3,
	}
}

// Build is one execution of a Plan.
type Build struct {
	BuildID        string
	TenantID       string
	SpecID         string
	PlanID         string
	IdempotencyKey string
	Status         BuildStatus
	Iteration      int
	MaxIterations  int
	StartedAt      time.Time
	UpdatedAt      time.Time
	RetryState     RetryState
	Bootable       *bool
	Error          string
	Logs           []string // bounded ring buffer, capacity enforced by registry
}

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is the execution record of one TaskNode within a Build.
type Step struct {
	StepID       string
	BuildID      string
	Name         string
	Status       StepStatus
	Seq          int // logical clock, monotonic within a build
	StartedAt    time.Time
	EndedAt      time.Time
	ElapsedMS    int64
	ArtifactRef  string
	SHA256       string
	LinesChanged int
	AnchorMatched bool
	Error        string
}

// ArtifactType classifies the kind of output a step produced.
type ArtifactType string

const (
	ArtifactCode    ArtifactType = "code"
	ArtifactLogs    ArtifactType = "logs"
	ArtifactDevOps  ArtifactType = "devops"
	ArtifactFix     ArtifactType = "fix"
	ArtifactReport  ArtifactType = "report"
)

// Artifact is an immutable output of a Step, addressed by content hash.
type Artifact struct {
	ID           string
	BuildID      string
	StepID       string
	Type         ArtifactType
	Path         string
	Content      []byte
	ContentHash  string
	BytesWritten int
	Created      time.Time
}

// CriterionResult is the pass/fail judgment for one acceptance criterion.
type CriterionResult struct {
	ID     string
	Passed bool
	Reason string
}

// EvaluationReport is the evaluator's structured judgment on artifacts.
type EvaluationReport struct {
	BuildID         string
	CriteriaResults []CriterionResult
	OverallScore    int
	Passed          bool
}

// PassThreshold is the minimum OverallScore for EvaluationReport.Passed.
const PassThreshold = 80

// AutoFixOutcome is the remediation the auto-fixer chose.
type AutoFixOutcome string

const (
	OutcomeRetried      AutoFixOutcome = "retried"
	OutcomePatchApplied AutoFixOutcome = "patch_applied"
	OutcomeReplanned    AutoFixOutcome = "replanned"
	OutcomeEscalated    AutoFixOutcome = "escalated"
	OutcomeGaveUp       AutoFixOutcome = "gave_up"
)

// AutoFixRun is one invocation of the auto-fixer.
type AutoFixRun struct {
	ID             string
	BuildID        string
	StepID         string
	SignalType     FailureType
	Attempt        int
	Strategy       string
	Outcome        AutoFixOutcome
	BackoffSeconds float64
}

// GateStatus is the lifecycle state of an ApprovalGate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// ApprovalGate is a pause point requiring a human decision.
type ApprovalGate struct {
	ID         string
	BuildID    string
	StepID     string
	GateType   string
	Status     GateStatus
	Metadata   map[string]string
	DecidedBy  string
	DecidedAt  time.Time
}

// FailureType classifies a FailureSignal.
type FailureType string

const (
	FailureTransient       FailureType = "transient"
	FailureInfra           FailureType = "infra"
	FailureTestAssert      FailureType = "test_assert"
	FailureLint            FailureType = "lint"
	FailureTypecheck       FailureType = "typecheck"
	FailureSecurity        FailureType = "security"
	FailurePolicy          FailureType = "policy"
	FailureRuntime         FailureType = "runtime"
	FailureSchemaMigration FailureType = "schema_migration"
	FailureRateLimit       FailureType = "rate_limit"
	FailureUnknown         FailureType = "unknown"
)

// Severity is the impact level of a FailureSignal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FailureSignal is the classifier's typed judgment on a step failure.
type FailureSignal struct {
	Type            FailureType
	Source          string
	Message         string
	Severity        Severity
	CanRetry        bool
	RequiresReplan  bool
	Evidence        map[string]string
	Confidence      float64
}

// BackoffHint is a duration extracted from failure output, honored up to
// the retry controller's clamp.
type BackoffHint struct {
	Seconds float64
	Source  string
}

// TenantQuota holds the per-tenant admission limits.
type TenantQuota struct {
	ActivePreviewsLimit   int
	SnapshotRatePerMinute int
	LLMMonthlyBudgetCents int64
}

// TenantUsage holds the per-tenant current counters.
type TenantUsage struct {
	ActivePreviews     int
	SnapshotCount      int
	LLMSpendCents      int64
	SnapshotResetAt    time.Time
	LLMSpendResetAt    time.Time
}
