package models

// RiskLevel classifies how dangerous a tool is when misused. High-risk tools
// are blocked by default unless explicitly allowed.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolSource identifies where a tool's handler lives.
type ToolSource string

const (
	ToolSourceBuiltin  ToolSource = "builtin"
	ToolSourceExternal ToolSource = "external"
)

// ToolMetadata drives policy and scheduling decisions for a tool.
type ToolMetadata struct {
	RiskLevel        RiskLevel  `json:"risk_level"`
	Mutating         bool       `json:"mutating"`
	SupportsParallel bool       `json:"supports_parallel"`
	Source           ToolSource `json:"source"`
}

// ToolDefinition describes a callable tool: its name, human description,
// JSON-schema parameters object, and scheduling metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Metadata    ToolMetadata   `json:"metadata"`
}

// ReadOnly reports whether calls to this tool may run in parallel with other
// read-only calls in the same step.
func (d ToolDefinition) ReadOnly() bool {
	return !d.Metadata.Mutating && d.Metadata.SupportsParallel
}

// AgentContext carries the scope and tool permissions in effect for a run.
type AgentContext struct {
	Scope        Scope                 `json:"scope"`
	AgentID      string                `json:"agent_id"`
	AllowedTools []string              `json:"allowed_tools,omitempty"`
	DeniedTools  []string              `json:"denied_tools,omitempty"`
	Delegated    *DelegatedPermissions `json:"delegated_permissions,omitempty"`
}
