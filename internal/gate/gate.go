// Package gate evaluates pipeline stage transitions. The validator is pure:
// it takes the agent catalog and the project's locked artifact types and
// returns a verdict with reasons, never an error.
package gate

import (
	"fmt"

	"stageline/internal/domain"
)

// CanAdvance reports whether a project may move from one stage to the next.
// The transition is allowed iff "to" is the stage immediately after "from" and
// every agent tagged with "from" has a locked artifact. An unmet gate is an
// ordinary outcome, returned as false plus one reason per missing precondition.
func CanAdvance(agents []domain.AgentDescriptor, lockedTypes map[string]bool, from, to string) (bool, []string) {
	fromIdx := domain.StageIndex(from)
	toIdx := domain.StageIndex(to)
	if fromIdx < 0 {
		return false, []string{fmt.Sprintf("unknown stage %q", from)}
	}
	if toIdx < 0 {
		return false, []string{fmt.Sprintf("unknown stage %q", to)}
	}
	if toIdx != fromIdx+1 {
		return false, []string{fmt.Sprintf("cannot advance from %s to %s: stages advance one at a time", from, to)}
	}
	var reasons []string
	for _, a := range agents {
		if a.Stage != from {
			continue
		}
		if !lockedTypes[a.ArtifactType] {
			reasons = append(reasons, fmt.Sprintf("agent %d (%s) has no locked %s artifact", a.ID, a.Name, a.ArtifactType))
		}
	}
	return len(reasons) == 0, reasons
}

// AgentRunnable reports whether an agent tagged for its stage may run while
// the project sits at projectStage. Agents may run at their own stage or any
// earlier stage already passed.
func AgentRunnable(agent domain.AgentDescriptor, projectStage string) (bool, string) {
	agentIdx := domain.StageIndex(agent.Stage)
	projIdx := domain.StageIndex(projectStage)
	if agentIdx < 0 || projIdx < 0 {
		return false, fmt.Sprintf("unknown stage for agent %d", agent.ID)
	}
	if agentIdx > projIdx {
		return false, fmt.Sprintf("agent %d (%s) is tagged for stage %s but project is at %s",
			agent.ID, agent.Name, agent.Stage, projectStage)
	}
	return true, ""
}
