package models

import "fmt"

// Scope is the (org, user, optional project) triple isolating all reads and
// writes. Two scopes match only when org and user match and, if either side
// carries a project, the projects match too.
type Scope struct {
	OrgID     string `json:"org_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// Validate checks that the mandatory scope components are present.
func (s Scope) Validate() error {
	if s.OrgID == "" {
		return fmt.Errorf("scope: org_id is required")
	}
	if s.UserID == "" {
		return fmt.Errorf("scope: user_id is required")
	}
	return nil
}

// Contains reports whether a record written under `other` is visible to
// callers holding this scope. Cross-scope reads must be treated as not-found
// by callers, never as forbidden.
func (s Scope) Contains(other Scope) bool {
	if s.OrgID != other.OrgID || s.UserID != other.UserID {
		return false
	}
	if s.ProjectID != "" && other.ProjectID != "" && s.ProjectID != other.ProjectID {
		return false
	}
	return true
}

// String renders the scope for log fields.
func (s Scope) String() string {
	if s.ProjectID == "" {
		return s.OrgID + "/" + s.UserID
	}
	return s.OrgID + "/" + s.UserID + "/" + s.ProjectID
}
