// Package agents defines the analysis agent roles and the streaming invoker
// that turns a role plus run input into a live LLM token stream.
package agents

import "fmt"

// Role identifies one of the fixed analysis agents in the pipeline.
type Role string

const (
	// RoleAnomaly detects spikes, drops, and outliers in 311 activity.
	RoleAnomaly Role = "anomaly"
	// RoleCluster groups reports into spatial hotspots.
	RoleCluster Role = "cluster"
	// RoleCausal hypothesizes causes by correlating earlier findings.
	RoleCausal Role = "causal"
	// RoleSynthesize combines prior outputs into a policy brief.
	RoleSynthesize Role = "synthesize"
)

// ParseRole validates a role string from an API request.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAnomaly, RoleCluster, RoleCausal, RoleSynthesize:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown agent role %q", s)
	}
}

// Stage returns the pipeline stage the role runs in. Stage 1 agents operate
// directly on run input; stage 2 agents additionally receive the accumulated
// stage 1 output as context.
func (r Role) Stage() int {
	switch r {
	case RoleCausal, RoleSynthesize:
		return 2
	default:
		return 1
	}
}

// AcceptsContext reports whether the role consumes upstream agent output.
func (r Role) AcceptsContext() bool {
	return r.Stage() == 2
}

// StageOneRoles returns the roles that run concurrently in the first stage.
func StageOneRoles() []Role {
	return []Role{RoleAnomaly, RoleCluster}
}

// StageTwoRoles returns the roles that run after stage 1 completes.
func StageTwoRoles() []Role {
	return []Role{RoleCausal, RoleSynthesize}
}
