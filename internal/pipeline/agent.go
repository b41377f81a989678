package pipeline

import "time"

// AgentPolicy resolves the agent name recorded on a stage change when the
// CRM payload carries no assignment metadata. Records predating the cutover
// belong to a historical deployment where one agent handled everything, so
// they fall back to LegacyName; later records get DefaultName.
type AgentPolicy struct {
	DefaultName string
	LegacyName  string
	Cutover     time.Time
}

// Resolve returns the agent name for a transition. A non-empty assigned name
// always wins; the policy only fills gaps.
func (p AgentPolicy) Resolve(assignedName string, changedAt time.Time) string {
	if assignedName != "" {
		return assignedName
	}
	if p.LegacyName != "" && !p.Cutover.IsZero() && changedAt.Before(p.Cutover) {
		return p.LegacyName
	}
	return p.DefaultName
}
