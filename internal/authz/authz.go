// Package authz classifies agent identities (system agent, orchestrator,
// allowlisted target) and filters query results for cross-agent visibility
// (SPEC_FULL.md §8 property 6: authorization non-leakage).
package authz

// Identity describes a caller's privilege classification, resolved from
// configuration (internal/config's comma-separated id lists), mirroring
// the teacher's ParseAIReviewerBots-style comma-separated-id parsing.
type Identity struct {
	systemAgents  map[string]struct{}
	orchestrators map[string]struct{}
}

// New builds an Identity classifier from configured id lists.
func New(systemAgentIDs, orchestratorIDs []string) *Identity {
	id := &Identity{
		systemAgents:  toSet(systemAgentIDs),
		orchestrators: toSet(orchestratorIDs),
	}
	return id
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// IsSystemAgent reports whether agentID is a privileged system agent,
// bypassing cross-agent visibility restrictions and permitted to use
// elevated features such as systemPromptAddition.
func (i *Identity) IsSystemAgent(agentID string) bool {
	_, ok := i.systemAgents[agentID]
	return ok
}

// IsOrchestrator reports whether agentID is exempt from approval gating by
// default.
func (i *Identity) IsOrchestrator(agentID string) bool {
	_, ok := i.orchestrators[agentID]
	return ok
}

// AllowedTarget reports whether caller may dispatch to target, given the
// caller's configured allowAgents list. A caller may always target itself;
// any other target must appear in allowAgents, and a "*" entry permits any
// target.
func AllowedTarget(caller, target string, allowAgents []string) bool {
	if caller == target {
		return true
	}
	for _, a := range allowAgents {
		if a == "*" || a == target {
			return true
		}
	}
	return false
}

// CanView reports whether caller may see a job record dispatched by
// dispatchedBy to target. Non-system callers may only see records where
// caller == dispatchedBy or caller == target (SPEC_FULL.md §8 property 6).
func (i *Identity) CanView(caller, dispatchedBy, target string) bool {
	if i.IsSystemAgent(caller) {
		return true
	}
	return caller == dispatchedBy || caller == target
}

// AuthorizedApprover reports whether approverID is permitted to
// approve/reject approvals. An empty authorizedApprovers list means nobody
// is authorized (fail-secure), per SPEC_FULL.md §4.9.
func AuthorizedApprover(approverID string, authorizedApprovers []string) bool {
	if len(authorizedApprovers) == 0 {
		return false
	}
	for _, a := range authorizedApprovers {
		if a == approverID {
			return true
		}
	}
	return false
}
