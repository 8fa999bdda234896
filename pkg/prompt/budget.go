package prompt

// Budget thresholds as fractions of the usable context window.
const (
	CompactThreshold = 0.8
	WarnThreshold    = 0.7
)

// TokenBudgetManager tracks prompt-token utilization against the model's
// context window and decides when to compact. Not safe for concurrent use;
// each run owns its own manager.
type TokenBudgetManager struct {
	maxContext int
	reserve    int

	lastPromptTokens int
	compactions      int
}

// NewTokenBudgetManager creates a manager for a model with the given context
// window; reserve tokens are held back for the completion.
func NewTokenBudgetManager(maxContext, reserve int) *TokenBudgetManager {
	return &TokenBudgetManager{maxContext: maxContext, reserve: reserve}
}

// Observe records the prompt-token usage of the last completion.
func (m *TokenBudgetManager) Observe(promptTokens int) {
	m.lastPromptTokens = promptTokens
}

// Utilization returns prompt tokens over the usable window (max - reserve).
func (m *TokenBudgetManager) Utilization() float64 {
	usable := m.maxContext - m.reserve
	if usable <= 0 {
		return 1.0
	}
	return float64(m.lastPromptTokens) / float64(usable)
}

// ShouldCompact reports whether utilization has reached the compaction
// threshold.
func (m *TokenBudgetManager) ShouldCompact() bool {
	return m.Utilization() >= CompactThreshold
}

// ShouldWarn reports whether utilization has reached the warning threshold
// without yet demanding compaction.
func (m *TokenBudgetManager) ShouldWarn() bool {
	u := m.Utilization()
	return u >= WarnThreshold && u < CompactThreshold
}

// RecordCompaction counts one applied compaction.
func (m *TokenBudgetManager) RecordCompaction() {
	m.compactions++
}

// Compactions returns how many compactions have been applied to the run.
func (m *TokenBudgetManager) Compactions() int {
	return m.compactions
}
