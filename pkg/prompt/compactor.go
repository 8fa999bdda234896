package prompt

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/models"
)

const (
	// DefaultPreserveTurns is how many trailing messages survive compaction
	// verbatim.
	DefaultPreserveTurns = 10

	// DefaultMaxToolOutputChars bounds preserved tool-role message content.
	DefaultMaxToolOutputChars = 8000
)

// CompactionReport describes one compaction pass.
type CompactionReport struct {
	MessagesBefore       int `json:"messages_before"`
	MessagesAfter        int `json:"messages_after"`
	EstimatedTokensSaved int `json:"estimated_tokens_saved"`
}

// Compactor folds old conversation history into a single summary message so
// long runs stay inside the model context. The trailing PreserveTurns
// messages are kept verbatim, except that oversized tool outputs are
// truncated.
type Compactor struct {
	PreserveTurns      int
	MaxToolOutputChars int

	logger *slog.Logger
}

// NewCompactor creates a Compactor with the given preserve window; zero
// values fall back to the defaults.
func NewCompactor(preserveTurns, maxToolOutputChars int) *Compactor {
	if preserveTurns <= 0 {
		preserveTurns = DefaultPreserveTurns
	}
	if maxToolOutputChars <= 0 {
		maxToolOutputChars = DefaultMaxToolOutputChars
	}
	return &Compactor{
		PreserveTurns:      preserveTurns,
		MaxToolOutputChars: maxToolOutputChars,
		logger:             slog.With("component", "compactor"),
	}
}

// CompactMessages returns the compacted history and a report. Histories of
// PreserveTurns+1 messages or fewer are returned unchanged.
func (c *Compactor) CompactMessages(history []models.Message) ([]models.Message, CompactionReport) {
	report := CompactionReport{MessagesBefore: len(history), MessagesAfter: len(history)}
	if len(history) <= c.PreserveTurns+1 {
		return history, report
	}

	cut := len(history) - c.PreserveTurns
	older := history[:cut]
	preserved := history[cut:]

	summary := summarizeOlder(older)

	out := make([]models.Message, 0, len(preserved)+1)
	out = append(out, models.SystemMessage(summary))
	for _, m := range preserved {
		out = append(out, c.truncateToolOutput(m))
	}

	report.MessagesAfter = len(out)
	report.EstimatedTokensSaved = llm.EstimateTokens(history) - llm.EstimateTokens(out)
	if report.EstimatedTokensSaved < 0 {
		report.EstimatedTokensSaved = 0
	}

	c.logger.Info("compacted conversation",
		"messages_before", report.MessagesBefore,
		"messages_after", report.MessagesAfter,
		"estimated_tokens_saved", report.EstimatedTokensSaved)
	return out, report
}

// summarizeOlder folds the pre-window messages into one system message,
// keeping tool-call names but not full arguments or results.
func summarizeOlder(older []models.Message) string {
	var sb strings.Builder
	sb.WriteString("Conversation summary (older messages compacted):\n")

	var toolNames []string
	userTurns, assistantTurns := 0, 0
	for _, m := range older {
		switch m.Role {
		case models.RoleUser:
			userTurns++
			sb.WriteString("- user: ")
			sb.WriteString(excerpt(m.Content, 200))
			sb.WriteString("\n")
		case models.RoleAssistant:
			assistantTurns++
			if m.Content != "" {
				sb.WriteString("- assistant: ")
				sb.WriteString(excerpt(m.Content, 200))
				sb.WriteString("\n")
			}
			for _, tc := range m.ToolCalls {
				toolNames = append(toolNames, tc.Name)
			}
		}
	}
	if len(toolNames) > 0 {
		fmt.Fprintf(&sb, "Tools called: %s\n", strings.Join(toolNames, ", "))
	}
	fmt.Fprintf(&sb, "(%d user and %d assistant turns summarized)", userTurns, assistantTurns)
	return sb.String()
}

// truncateToolOutput bounds tool-role message content, annotating the suffix
// with the omitted character count.
func (c *Compactor) truncateToolOutput(m models.Message) models.Message {
	if m.Role != models.RoleTool || len(m.Content) <= c.MaxToolOutputChars {
		return m
	}
	kept := cutOnRune(m.Content, c.MaxToolOutputChars)
	omitted := len(m.Content) - len(kept)
	m.Content = kept + fmt.Sprintf("\n[truncated: %d characters omitted]", omitted)
	return m
}

func excerpt(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return cutOnRune(s, max) + "…"
}

// cutOnRune cuts s at no more than max bytes, backing up so a multi-byte
// UTF-8 rune is never split.
func cutOnRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
