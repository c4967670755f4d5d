package domain

// Execution statuses.
const (
	ExecQueued    = "queued"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// Artifact statuses.
const (
	ArtifactDraft    = "draft"
	ArtifactReview   = "review"
	ArtifactLocked   = "locked"
	ArtifactArchived = "archived"
)

// Pipeline stages.
const (
	StageDiscover = "discover"
	StageDesign   = "design"
	StageBuild    = "build"
	StageTest     = "test"
	StageDeploy   = "deploy"
	StageAnalyze  = "analyze"
)

// Stages lists the pipeline stages in pipeline order.
var Stages = []string{StageDiscover, StageDesign, StageBuild, StageTest, StageDeploy, StageAnalyze}

// StageIndex returns the position of a stage in the pipeline, or -1.
func StageIndex(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// Failure causes recorded on a failed execution.
const (
	CauseModel       = "model"
	CauseRateLimited = "rate_limited"
	CauseContent     = "content"
	CausePersistence = "persistence"
	CauseConflict    = "conflict"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Stage       string `json:"stage" enum:"discover,design,build,test,deploy,analyze"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// AgentDescriptor is the immutable registry entry for one agent: a prompt
// template plus the metadata the engine needs to gate and validate it.
type AgentDescriptor struct {
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	Stage            string   `json:"stage" enum:"discover,design,build,test,deploy,analyze"`
	ArtifactType     string   `json:"artifact_type"`
	SystemPrompt     string   `json:"-"`
	RequiredSections []string `json:"required_sections,omitempty"`
	DependsOn        []int    `json:"depends_on,omitempty"`
}

type Execution struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	AgentID         int      `json:"agent_id"`
	Status          string   `json:"status" enum:"queued,running,completed,failed,cancelled"`
	Message         string   `json:"message"`
	ContextOverride []string `json:"context_override,omitempty"`
	Override        bool     `json:"override,omitempty"`
	CancelRequested bool     `json:"cancel_requested,omitempty"`
	Output          *string  `json:"output,omitempty"`
	TokensIn        *int     `json:"tokens_in,omitempty"`
	TokensOut       *int     `json:"tokens_out,omitempty"`
	CostUSD         *float64 `json:"cost_usd,omitempty"`
	FailureCause    *string  `json:"failure_cause,omitempty"`
	ErrorDetail     *string  `json:"error_detail,omitempty"`
	Attempts        int      `json:"attempts"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the execution reached a final state.
func (e Execution) Terminal() bool {
	return e.Status == ExecCompleted || e.Status == ExecFailed || e.Status == ExecCancelled
}

type Artifact struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	AgentID       int    `json:"agent_id"`
	Type          string `json:"type"`
	Version       int    `json:"version"`
	Status        string `json:"status" enum:"draft,review,locked,archived"`
	Content       string `json:"content,omitempty"`
	ProducedBy    string `json:"produced_by"`
	UnderOverride bool   `json:"under_override,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	Payload   string `json:"payload_json"`
}
