// Package prompt composes the LLM conversation for a step: a layered
// system-role preamble, the trailing window of conversation history, and the
// compaction machinery that keeps long runs inside the model's context.
package prompt

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/models"
)

// DefaultTrailingMessages is the history window appended after the system
// preamble when the caller does not override it.
const DefaultTrailingMessages = 12

// maxGroupsInPreamble caps the group catalog embedded in the preamble; the
// rest are discoverable through the catalog tools.
const maxGroupsInPreamble = 5

// Environment describes the execution environment surfaced to the model.
type Environment struct {
	WorkingDir string
	Date       string
	ToolNames  []string
}

// ComposeInputs carries everything the builder layers into one conversation.
// All fields are optional except History; empty layers are skipped.
type ComposeInputs struct {
	BasePrompt    string
	ProviderHints string
	AgentContext  *models.AgentContext
	Environment   Environment
	Groups        []string
	Skills        []string
	MemorySummary string
	BudgetWarning string

	History  []models.Message
	Trailing int // 0 means DefaultTrailingMessages
}

// Builder assembles step conversations. Stateless — all state comes from
// parameters. Thread-safe — no mutable state.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Compose returns the system preamble followed by the trailing window of
// history. Preamble layers appear in fixed order, separated by blank lines.
func (b *Builder) Compose(in ComposeInputs) []models.Message {
	var layers []string

	if in.BasePrompt != "" {
		layers = append(layers, in.BasePrompt)
	}
	if in.ProviderHints != "" {
		layers = append(layers, in.ProviderHints)
	}
	if s := FormatToolPolicy(in.AgentContext); s != "" {
		layers = append(layers, s)
	}
	if s := FormatEnvironment(in.Environment); s != "" {
		layers = append(layers, s)
	}
	if s := FormatGroupCatalog(in.Groups); s != "" {
		layers = append(layers, s)
	}
	if s := FormatSkills(in.Skills); s != "" {
		layers = append(layers, s)
	}
	if in.MemorySummary != "" {
		layers = append(layers, "## Memory\n"+in.MemorySummary)
	}
	if in.BudgetWarning != "" {
		layers = append(layers, in.BudgetWarning)
	}

	trailing := in.Trailing
	if trailing <= 0 {
		trailing = DefaultTrailingMessages
	}
	history := trailingWindow(in.History, trailing)

	messages := make([]models.Message, 0, len(history)+1)
	if len(layers) > 0 {
		messages = append(messages, models.SystemMessage(strings.Join(layers, "\n\n")))
	}
	return append(messages, history...)
}

// trailingWindow returns the last n messages, never splitting a system
// message out of position: leading system messages in the history are dropped
// because the composed preamble replaces them.
func trailingWindow(history []models.Message, n int) []models.Message {
	nonSystem := make([]models.Message, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		nonSystem = append(nonSystem, m)
	}
	if len(nonSystem) <= n {
		return nonSystem
	}
	return nonSystem[len(nonSystem)-n:]
}

// FormatToolPolicy renders the allow/deny lists in effect for the run.
func FormatToolPolicy(ac *models.AgentContext) string {
	if ac == nil || (len(ac.AllowedTools) == 0 && len(ac.DeniedTools) == 0) {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Tool Policy\n")
	if len(ac.AllowedTools) > 0 {
		sb.WriteString("allowed: ")
		sb.WriteString(strings.Join(ac.AllowedTools, ", "))
		sb.WriteString("\n")
	}
	if len(ac.DeniedTools) > 0 {
		sb.WriteString("denied: ")
		sb.WriteString(strings.Join(ac.DeniedTools, ", "))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatEnvironment renders working directory, date, and the tool catalog.
func FormatEnvironment(env Environment) string {
	if env.WorkingDir == "" && env.Date == "" && len(env.ToolNames) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Environment\n")
	if env.WorkingDir != "" {
		fmt.Fprintf(&sb, "Working directory: %s\n", env.WorkingDir)
	}
	if env.Date != "" {
		fmt.Fprintf(&sb, "Date: %s\n", env.Date)
	}
	if len(env.ToolNames) > 0 {
		fmt.Fprintf(&sb, "Available tools: %s\n", strings.Join(env.ToolNames, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatGroupCatalog renders up to the first five groups, with a hint that
// more exist.
func FormatGroupCatalog(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Available Groups\n")
	shown := groups
	if len(shown) > maxGroupsInPreamble {
		shown = shown[:maxGroupsInPreamble]
	}
	for _, g := range shown {
		fmt.Fprintf(&sb, "- %s\n", g)
	}
	if rest := len(groups) - len(shown); rest > 0 {
		fmt.Fprintf(&sb, "(%d more groups; list tools to see the rest)\n", rest)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatSkills renders the skill catalog and loaded fragments.
func FormatSkills(skills []string) string {
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Skills\n")
	for _, s := range skills {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	return strings.TrimRight(sb.String(), "\n")
}
