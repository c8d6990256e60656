// Package types holds the data model shared across the control plane,
// worker agent, and in-sandbox runtime: projects, secrets, workers,
// tokens, and the task/question documents that live in a project's
// workspace.
package types

import "time"

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectCreating      ProjectStatus = "creating"
	ProjectProvisioning  ProjectStatus = "provisioning"
	ProjectBootstrapping ProjectStatus = "bootstrapping"
	ProjectRunning       ProjectStatus = "running"
	ProjectStopped       ProjectStatus = "stopped"
	ProjectResizing      ProjectStatus = "resizing"
	ProjectError         ProjectStatus = "error"
	ProjectTerminated    ProjectStatus = "terminated"
)

// Project is one autonomous-agent sandbox tracked by the control plane.
type Project struct {
	Name             string        `json:"name"`
	Status           ProjectStatus `json:"status"`
	EncryptedCred    string        `json:"encrypted_credential"`  // SecretBox envelope for the LLM credential
	EncryptedExtraEnv string       `json:"encrypted_extra_env,omitempty"` // SecretBox envelope for the opaque extra-env blob
	MCPServers       []string      `json:"mcp_servers"`
	InstanceType     string        `json:"instance_type,omitempty"`
	WorkerID         string        `json:"worker_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Secret is one (project, KEY) -> ciphertext pair. Plaintext is never
// persisted; Value holds the SecretBox envelope string.
type Secret struct {
	Project string `json:"project"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// WorkerStatus is the lifecycle state of a dedicated compute Worker.
type WorkerStatus string

const (
	WorkerProvisioning WorkerStatus = "provisioning"
	WorkerBootstrapping WorkerStatus = "bootstrapping"
	WorkerReady        WorkerStatus = "ready"
	WorkerStopping     WorkerStatus = "stopping"
	WorkerTerminated   WorkerStatus = "terminated"
	WorkerError        WorkerStatus = "error"
)

// Worker is one dedicated compute instance hosting exactly one project's
// sandbox.
type Worker struct {
	InstanceID      string       `json:"instance_id"`
	Project         string       `json:"project"`
	InstanceType    string       `json:"instance_type"`
	Region          string       `json:"region"`
	AvailabilityZone string      `json:"availability_zone"`
	PrivateIP       string       `json:"private_ip,omitempty"`
	PublicIP        string       `json:"public_ip,omitempty"`
	Status          WorkerStatus `json:"status"`
	WorkerToken     string       `json:"worker_token"`
	CreatedAt       time.Time    `json:"created_at"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
}

// Token is a principal credential for operator -> ControlAPI auth.
// Only the SHA-256 hash of the plaintext token is ever persisted.
type Token struct {
	Hash      string    `json:"hash"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType tags a normalized Gateway event.
type EventType string

const (
	EventTextDelta  EventType = "text_delta"
	EventToolStart  EventType = "tool_start"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one observable occurrence from the upstream LLM-engine
// session, as normalized by the Gateway.
type Event struct {
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	InputJSON string    `json:"input_json,omitempty"`
	Output    string    `json:"output,omitempty"`
	Message   string    `json:"message,omitempty"`
	Code      string    `json:"code,omitempty"`
}

// ClientRole identifies what kind of downstream client a Gateway
// connection belongs to.
type ClientRole string

const (
	RoleSupervisor ClientRole = "supervisor"
	RoleHuman      ClientRole = "human"
	RoleUnknown    ClientRole = "unknown"
)

// TaskType distinguishes a verifiable task goal from a subjective one.
type TaskType string

const (
	TaskMeasurable TaskType = "measurable"
	TaskSubjective TaskType = "subjective"
)

// GoalDirection says whether a higher or lower metric value means success.
type GoalDirection string

const (
	DirectionAbove GoalDirection = "above"
	DirectionBelow GoalDirection = "below"
)

// TaskGoal describes what "done" means for a task.
type TaskGoal struct {
	Description   string        `json:"description"`
	VerifyCommand string        `json:"verify_command,omitempty"`
	TargetValue   *float64      `json:"target_value,omitempty"`
	Direction     GoalDirection `json:"direction,omitempty"`
}

// TaskLimits bounds how long a task may run unattended.
type TaskLimits struct {
	MaxIdleTurns     int      `json:"max_idle_turns"`
	MaxDurationHours *float64 `json:"max_duration_hours,omitempty"`
	MaxTurns         *int     `json:"max_turns,omitempty"`
}

// DefaultMaxIdleTurns is applied when a task is created without an
// explicit idle-turn limit.
const DefaultMaxIdleTurns = 20

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskStopped   TaskStatus = "stopped"
	TaskCompleted TaskStatus = "completed"
)

// TaskProgress tracks how far a task has gotten.
type TaskProgress struct {
	TurnsCompleted int       `json:"turns_completed"`
	LastActiveAt   time.Time `json:"last_active_at"`
	LatestMetric   *float64  `json:"latest_metric,omitempty"`
	Summary        string    `json:"summary,omitempty"`
}

// TaskContext holds the material the Supervisor folds into prompts.
type TaskContext struct {
	PromptPrepend     string   `json:"prompt_prepend,omitempty"`
	PromptAppend      string   `json:"prompt_append,omitempty"`
	ProcessMonitor    []string `json:"process_monitor,omitempty"`
	ProgressCommands  []string `json:"progress_commands,omitempty"`
}

// Question is something the agent asked the operator, to be answered
// asynchronously via ControlAPI.
type Question struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Context    string     `json:"context,omitempty"`
	Priority   string     `json:"priority"` // "question" or "blocking"
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	Answer     string     `json:"answer,omitempty"`
}

const (
	QuestionNormal   = "question"
	QuestionBlocking = "blocking"
)

// Task is the agent-workload descriptor persisted as task.json in the
// project workspace.
type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Type             TaskType   `json:"type"`
	Goal             TaskGoal   `json:"goal"`
	Limits           TaskLimits `json:"limits"`
	Status           TaskStatus `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CompletionReason string     `json:"completion_reason,omitempty"`
	Progress         TaskProgress `json:"progress"`
	Context          TaskContext  `json:"context"`
	Questions        []Question   `json:"questions"`
}

// Directive is an operator-authored instruction re-injected into every
// Supervisor prompt until removed. Expiry is an optional cron
// expression (internal/directive): once its first occurrence after
// CreatedAt has passed, the directive is pruned automatically.
type Directive struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Expiry    string    `json:"expiry,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
