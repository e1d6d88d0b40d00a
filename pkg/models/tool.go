package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// ToolLivenessWindow is how recently a machine must have pinged for its
// expiring tools to count as callable.
const ToolLivenessWindow = 60 * time.Second

// toolNamePattern: letters and digits only, at most 30 characters.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,30}$`)

// schemaPropertyPattern constrains property names inside tool input schemas.
var schemaPropertyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidToolName reports whether name is an acceptable tool or function name.
func ValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// ValidSchemaProperty reports whether a schema property name is acceptable.
func ValidSchemaProperty(name string) bool {
	return schemaPropertyPattern.MatchString(name)
}

// ToolCacheConfig enables result caching for a tool. KeyPath is a gjson path
// into the invocation input; two invocations whose extracted keys match share
// a result for TTLSeconds.
type ToolCacheConfig struct {
	KeyPath    string `json:"keyPath"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// ToolConfig carries per-tool dispatch behavior.
type ToolConfig struct {
	Cache             *ToolCacheConfig `json:"cache,omitempty"`
	RetryCountOnStall *int             `json:"retryCountOnStall,omitempty"`
	TimeoutSeconds    *int             `json:"timeoutSeconds,omitempty"`
	Private           *bool            `json:"private,omitempty"`
}

// IsPrivate reports whether the tool is dispatchable only to its registrant.
func (c ToolConfig) IsPrivate() bool {
	return c.Private != nil && *c.Private
}

// MaxAttempts derives the job attempt budget: one initial attempt plus the
// configured stall retries.
func (c ToolConfig) MaxAttempts() int {
	if c.RetryCountOnStall == nil {
		return 1
	}
	return 1 + *c.RetryCountOnStall
}

// JobTimeoutSeconds resolves the lease length for jobs targeting this tool.
func (c ToolConfig) JobTimeoutSeconds() int {
	if c.TimeoutSeconds == nil || *c.TimeoutSeconds < DefaultJobTimeoutSeconds {
		return DefaultJobTimeoutSeconds
	}
	return *c.TimeoutSeconds
}

// Tool is a named function a machine can execute. Tool names are unique per
// cluster. ShouldExpire is true for machine-registered tools whose liveness
// follows polling, false for persistent declarations.
type Tool struct {
	ClusterID    string          `json:"clusterId"`
	Name         string          `json:"name"`
	Description  *string         `json:"description,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Config       ToolConfig      `json:"config"`
	ShouldExpire bool            `json:"shouldExpire"`
	MachineID    *string         `json:"machineId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastPingAt   *time.Time      `json:"lastPingAt,omitempty"`
}

// Live reports whether the tool is currently callable at the given instant.
func (t *Tool) Live(now time.Time) bool {
	if !t.ShouldExpire {
		return true
	}
	return t.LastPingAt != nil && now.Sub(*t.LastPingAt) < ToolLivenessWindow
}
