package tools

import (
	"fmt"
	"slices"

	"github.com/loomworks/loom/pkg/models"
)

// CheckPolicy decides whether the agent context may call the tool.
// Precedence: (1) denied list, (2) allowed list when nonempty, (3) high-risk
// tools blocked unless explicitly allowed, (4) allow. Delegated permissions
// inherited from a parent run extend both lists.
func CheckPolicy(def models.ToolDefinition, ac *models.AgentContext) error {
	if ac == nil {
		return nil
	}

	denied := ac.DeniedTools
	allowed := ac.AllowedTools
	if ac.Delegated != nil {
		denied = append(slices.Clone(denied), ac.Delegated.DeniedTools...)
		allowed = append(slices.Clone(allowed), ac.Delegated.AllowedTools...)
	}

	if slices.Contains(denied, def.Name) {
		return fmt.Errorf("tool %q is denied for agent %q", def.Name, ac.AgentID)
	}

	explicitlyAllowed := slices.Contains(allowed, def.Name)
	if len(allowed) > 0 && !explicitlyAllowed {
		return fmt.Errorf("tool %q is not in the allowed list for agent %q", def.Name, ac.AgentID)
	}
	if def.Metadata.RiskLevel == models.RiskHigh && !explicitlyAllowed {
		return fmt.Errorf("high-risk tool %q requires an explicit allow", def.Name)
	}
	return nil
}
