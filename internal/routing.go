package conduit

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// --- Routing records ---

// Deployment identifies one (model, provider) target the router may pick.
// Static configuration only; runtime statistics (usage counts, observed
// latency, health) live in the router and are process-lifetime.
type Deployment struct {
	ID                 string          `json:"id"`
	ModelName          string          `json:"model_name"`    // alias this deployment serves
	ProviderName       string          `json:"provider_name"` // catalog provider name
	Weight             int             `json:"weight,omitempty"`
	RPMLimit           int             `json:"rpm_limit,omitempty"` // 0 = uncapped
	TPMLimit           int             `json:"tpm_limit,omitempty"` // 0 = uncapped
	InputCostPer1K     decimal.Decimal `json:"input_cost_per_1k"`
	OutputCostPer1K    decimal.Decimal `json:"output_cost_per_1k"`
	Priority           int             `json:"priority"` // lower = preferred
	Enabled            bool            `json:"enabled"`
	SupportsEmbeddings bool            `json:"supports_embeddings,omitempty"`
}

// RouterConfig is the router's static configuration.
type RouterConfig struct {
	Deployments      []Deployment        `json:"deployments"`
	DefaultStrategy  string              `json:"default_strategy"` // simple | roundrobin | leastcost | leastlatency | priority
	Fallbacks        map[string][]string `json:"fallbacks,omitempty"`
	FallbacksEnabled bool                `json:"fallbacks_enabled"`
	MaxRetries       int                 `json:"max_retries"`
	RetryBaseDelay   time.Duration       `json:"retry_base_delay"`
	RetryMaxDelay    time.Duration       `json:"retry_max_delay"`
}

// --- Task states ---

// TaskState is the lifecycle state of an asynchronous provider task
// (video generation, Replicate predictions).
type TaskState int

const (
	TaskPending TaskState = iota
	TaskProcessing
	TaskCompleted
	TaskFailed
	TaskCancelled
	TaskTimedOut
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskProcessing:
		return "processing"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	case TaskTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	default:
		return false
	}
}

// ParseTaskState parses a task state string. "queued" is an accepted inbound
// alias for pending; it carries no distinct semantics.
func ParseTaskState(s string) (TaskState, error) {
	switch strings.ToLower(s) {
	case "pending", "queued":
		return TaskPending, nil
	case "processing", "starting", "running":
		return TaskProcessing, nil
	case "completed", "succeeded":
		return TaskCompleted, nil
	case "failed":
		return TaskFailed, nil
	case "cancelled", "canceled":
		return TaskCancelled, nil
	case "timed_out", "timedout":
		return TaskTimedOut, nil
	default:
		return TaskPending, fmt.Errorf("unknown task state %q", s)
	}
}

func (s TaskState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *TaskState) UnmarshalJSON(data []byte) error {
	v := strings.Trim(string(data), `"`)
	parsed, err := ParseTaskState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
