// Package policy is the pure governance kernel: the workflow graph,
// strict-mode validators, and the separation-of-powers approval rules.
// It holds no state and performs no I/O; the engine feeds it facts and
// persists only what it allows.
package policy

// Version is injected into task metadata as policy_version on creation,
// so every task records the rule set it was created under.
const Version = "2026.2"

// Task states.
const (
	StateInbox    = "INBOX"
	StateTriaged  = "TRIAGED"
	StateReady    = "READY"
	StateDoing    = "DOING"
	StateReview   = "REVIEW"
	StateApproval = "APPROVAL"
	StateDone     = "DONE"
	StateBlocked  = "BLOCKED"
	StateKilled   = "KILLED" // reserved, unreachable via transitions
)

// Gates.
const (
	GateNone     = "None"
	GateSecurity = "Security"
	GateRevOps   = "RevOps"
	GateClaims   = "Claims"
	GateProduct  = "Product"
)

// Reason codes returned by the validators.
const (
	CodeUnknownState            = "UNKNOWN_STATE"
	CodeInvalidTransition       = "INVALID_TRANSITION"
	CodeMissingPriority         = "MISSING_PRIORITY"
	CodeMissingOwner            = "MISSING_OWNER"
	CodeMissingDodChecklist     = "MISSING_DOD_CHECKLIST"
	CodeMissingEvidenceRequired = "MISSING_EVIDENCE_REQUIRED"
	CodeMissingReviewSummary    = "MISSING_REVIEW_SUMMARY"
	CodeMissingEvidenceLink     = "MISSING_EVIDENCE_LINK"
	CodeDodIncomplete           = "DOD_INCOMPLETE"
	CodeDocsNotUpdated          = "DOCS_NOT_UPDATED"
	CodeGateNotApproved         = "GATE_NOT_APPROVED"
	CodeOverrideMissingBy       = "OVERRIDE_MISSING_BY"
	CodeOverrideMissingReason   = "OVERRIDE_MISSING_REASON"
	CodeOverrideMissingRisk     = "OVERRIDE_MISSING_ACCEPTED_RISK"
	CodeOverrideMissingDeadline = "OVERRIDE_MISSING_REVIEW_DEADLINE"
	CodeForbidden               = "FORBIDDEN"
	CodeForbiddenExecutor       = "FORBIDDEN_executor"
)

// transitions is the fixed workflow graph. DONE is terminal; KILLED is
// reserved and unreachable.
var transitions = map[string][]string{
	StateInbox:    {StateTriaged, StateBlocked},
	StateTriaged:  {StateReady, StateBlocked},
	StateReady:    {StateDoing, StateBlocked},
	StateDoing:    {StateReview, StateBlocked},
	StateReview:   {StateApproval, StateDoing, StateBlocked},
	StateApproval: {StateDone, StateReview, StateBlocked},
	StateBlocked:  {StateInbox, StateTriaged, StateReady, StateDoing},
	StateDone:     {},
}

// KnownState reports whether s is a state in the graph (KILLED included).
func KnownState(s string) bool {
	if s == StateKilled {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// DodItemFact is the completion status of one checklist entry.
type DodItemFact struct {
	Done bool
}

// OverrideFacts mirrors a recorded founder override.
type OverrideFacts struct {
	By                string
	Reason            string
	AcceptedRisk      string
	ReviewDeadlineIso string
}

// TaskFacts is everything the transition validators look at. The engine
// assembles it from the task row, its metadata, and the approvals table.
type TaskFacts struct {
	Priority         string
	Owner            string // the assigned group
	TaskType         string
	Gate             string
	DodRequired      bool
	DodChecklist     []string
	DodStatus        []DodItemFact
	EvidenceRequired *bool
	EvidenceCount    int
	AuditLink        string
	DocsUpdated      bool
	ReviewSummary    string // caller-supplied, only for DOING→REVIEW
	HasGateApproval  bool
	Override         *OverrideFacts
}

// Result is the outcome of ValidateTransition. NoOp marks a same-state
// transition: allowed, but the caller writes nothing and bumps nothing.
type Result struct {
	OK     bool
	NoOp   bool
	Errors []string
}

// ValidateTransition checks whether from→to is an edge of the workflow
// graph, and in strict mode applies the entry/exit validators. facts may
// be nil when strict is false.
func ValidateTransition(from, to string, facts *TaskFacts, strict bool) Result {
	edges, ok := transitions[from]
	if !ok {
		return Result{Errors: []string{CodeUnknownState}}
	}
	if from == to {
		return Result{OK: true, NoOp: true}
	}

	allowed := false
	for _, e := range edges {
		if e == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return Result{Errors: []string{CodeInvalidTransition}}
	}

	if !strict {
		return Result{OK: true}
	}

	var errs []string
	if facts == nil {
		facts = &TaskFacts{}
	}

	// Entering any state requires a priority and an owner.
	if facts.Priority == "" {
		errs = append(errs, CodeMissingPriority)
	}
	if facts.Owner == "" {
		errs = append(errs, CodeMissingOwner)
	}

	if to == StateDoing {
		if len(facts.DodChecklist) == 0 {
			errs = append(errs, CodeMissingDodChecklist)
		}
		if facts.EvidenceRequired == nil {
			errs = append(errs, CodeMissingEvidenceRequired)
		}
	}

	if from == StateDoing && to == StateReview {
		if isBlank(facts.ReviewSummary) {
			errs = append(errs, CodeMissingReviewSummary)
		}
	}

	if from == StateReview && facts.EvidenceRequired != nil && *facts.EvidenceRequired {
		if facts.AuditLink == "" && facts.EvidenceCount == 0 {
			errs = append(errs, CodeMissingEvidenceLink)
		}
	}

	if to == StateDone {
		errs = append(errs, doneChecks(facts)...)
	}

	if len(errs) > 0 {
		return Result{Errors: errs}
	}
	return Result{OK: true}
}

// doneChecks gathers the strict-mode requirements for entering DONE.
func doneChecks(facts *TaskFacts) []string {
	var errs []string

	// Tracked checklist items must all be done. Checklist texts without a
	// tracked status entry do not block; they become binding once a
	// DoD update starts tracking them.
	for _, item := range facts.DodStatus {
		if !item.Done {
			errs = append(errs, CodeDodIncomplete)
			break
		}
	}
	if facts.DodRequired && len(facts.DodStatus) == 0 && len(facts.DodChecklist) > 0 {
		errs = append(errs, CodeDodIncomplete)
	}

	if facts.TaskType == "SECURITY" && !facts.DocsUpdated {
		errs = append(errs, CodeDocsNotUpdated)
	}

	if facts.Gate != "" && facts.Gate != GateNone && !facts.HasGateApproval {
		if facts.Override == nil {
			errs = append(errs, CodeGateNotApproved)
		} else {
			ov := facts.Override
			if ov.By == "" {
				errs = append(errs, CodeOverrideMissingBy)
			}
			if ov.Reason == "" {
				errs = append(errs, CodeOverrideMissingReason)
			}
			if ov.AcceptedRisk == "" {
				errs = append(errs, CodeOverrideMissingRisk)
			}
			if ov.ReviewDeadlineIso == "" {
				errs = append(errs, CodeOverrideMissingDeadline)
			}
		}
	}

	return errs
}

// gateApprovers maps each gate to the single group entitled to approve it.
var gateApprovers = map[string]string{
	GateSecurity: GroupSecurity,
	GateRevOps:   GroupMain,
	GateClaims:   GroupMain,
	GateProduct:  GroupMain,
}

// KnownGate reports whether g is a recognized gate value (None included).
func KnownGate(g string) bool {
	if g == GateNone {
		return true
	}
	_, ok := gateApprovers[g]
	return ok
}

// CheckApprover returns "" when actorGroup may approve the gate, or a
// reason code. main may approve any gate.
func CheckApprover(gate, actorGroup string) string {
	if actorGroup == GroupMain {
		return ""
	}
	if approver, ok := gateApprovers[gate]; ok && approver == actorGroup {
		return ""
	}
	return CodeForbidden
}

// CheckApproverNotExecutor enforces separation of powers: the approver of
// a gate must not be the task's executor, even when otherwise authorized.
// Returns "" when allowed.
func CheckApproverNotExecutor(actorGroup, executor string) string {
	if executor != "" && executor == actorGroup {
		return CodeForbiddenExecutor
	}
	return ""
}

func isBlank(s string) bool {
	for _, c := range s {
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}
