package gov

import "opsplane/internal/policy"

// Valid task field enumerations.
var (
	taskTypes = map[string]bool{
		"FEATURE": true, "BUG": true, "EPIC": true, "SECURITY": true,
		"REVOPS": true, "OPS": true, "RESEARCH": true, "CONTENT": true,
		"DOC": true, "INCIDENT": true,
	}
	priorities = map[string]bool{"P0": true, "P1": true, "P2": true, "P3": true}
	scopes     = map[string]bool{"COMPANY": true, "PRODUCT": true}
)

// taskTemplate is the per-type default applied at creation. A field set
// on the incoming request always wins over the template.
type taskTemplate struct {
	Gate             string
	AssignedGroup    string
	Priority         string
	DodRequired      bool
	EvidenceRequired bool
	DodChecklist     []string
}

var taskTemplates = map[string]taskTemplate{
	"FEATURE": {
		DodChecklist: []string{"Tests updated", "Docs reviewed", "Rollback plan noted"},
	},
	"BUG": {
		DodChecklist: []string{"Repro captured", "Fix verified"},
	},
	"SECURITY": {
		Gate:             policy.GateSecurity,
		AssignedGroup:    policy.GroupSecurity,
		DodRequired:      true,
		EvidenceRequired: true,
		DodChecklist:     []string{"Threat model reviewed", "Security docs updated"},
	},
	"REVOPS": {
		Gate:          policy.GateRevOps,
		AssignedGroup: policy.GroupRevOps,
		DodChecklist:  []string{"Revenue impact assessed"},
	},
	"INCIDENT": {
		Priority:      "P1",
		AssignedGroup: policy.GroupMain,
		DodChecklist:  []string{"Impact assessed", "Postmortem filed"},
	},
}
