package store

import (
	"encoding/json"
	"fmt"
)

// Task states. KILLED is reserved: no transition reaches it yet.
const (
	StateInbox    = "INBOX"
	StateTriaged  = "TRIAGED"
	StateReady    = "READY"
	StateDoing    = "DOING"
	StateReview   = "REVIEW"
	StateApproval = "APPROVAL"
	StateDone     = "DONE"
	StateBlocked  = "BLOCKED"
	StateKilled   = "KILLED"
)

// Product statuses.
const (
	ProductActive = "active"
	ProductPaused = "paused"
	ProductKilled = "killed"
)

// Product is a tracked product line. Upsert on id preserves created_at.
type Product struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	RiskLevel string `json:"risk_level"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Task is a governed work item.
type Task struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	TaskType      string   `json:"task_type"`
	State         string   `json:"state"`
	Priority      string   `json:"priority"`
	Scope         string   `json:"scope"`
	ProductID     string   `json:"product_id,omitempty"`
	AssignedGroup string   `json:"assigned_group"`
	Executor      string   `json:"executor,omitempty"`
	CreatedBy     string   `json:"created_by"`
	Gate          string   `json:"gate"`
	DodRequired   bool     `json:"dod_required"`
	Metadata      Metadata `json:"metadata"`
	Version       int      `json:"version"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// Activity is one append-only audit row for a task.
type Activity struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Activity actions.
const (
	ActionCreate           = "create"
	ActionTransition       = "transition"
	ActionAssign           = "assign"
	ActionApprove          = "approve"
	ActionCoerceScope      = "coerce_scope"
	ActionExecutionSummary = "execution_summary"
	ActionOverride         = "override"
	ActionCommentAdded     = "COMMENT_ADDED"
	ActionDodUpdated       = "DOD_UPDATED"
	ActionEvidenceAdded    = "EVIDENCE_ADDED"
	ActionEvidenceBulk     = "EVIDENCE_BULK_ADDED"
	ActionDocsUpdatedSet   = "DOCS_UPDATED_SET"
)

// Approval records a gate sign-off. (task_id, gate_type) is unique; a
// repeat approval replaces the earlier row.
type Approval struct {
	TaskID     string `json:"task_id"`
	GateType   string `json:"gate_type"`
	ApprovedBy string `json:"approved_by"`
	Notes      string `json:"notes,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Capability entitles a group to call a provider at an access level.
type Capability struct {
	GroupFolder    string   `json:"group_folder"`
	Provider       string   `json:"provider"`
	AccessLevel    int      `json:"access_level"`
	AllowedActions []string `json:"allowed_actions,omitempty"`
	DeniedActions  []string `json:"denied_actions,omitempty"`
	GrantedBy      string   `json:"granted_by"`
	GrantedAt      string   `json:"granted_at"`
	ExpiresAt      string   `json:"expires_at,omitempty"`
	Active         bool     `json:"active"`
}

// CapabilityApproval is a prior sign-off on a high-risk (L3) grant.
type CapabilityApproval struct {
	GroupFolder string `json:"group_folder"`
	Provider    string `json:"provider"`
	ApprovedBy  string `json:"approved_by"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ExtCall statuses.
const (
	ExtAuthorized = "authorized"
	ExtProcessing = "processing"
	ExtExecuted   = "executed"
	ExtDenied     = "denied"
	ExtFailed     = "failed"
	ExtTimeout    = "timeout"
)

// ExtCall is the audit record for one brokered provider call. Raw
// parameter values are never stored; only their HMAC and a sanitized
// summary.
type ExtCall struct {
	RequestID      string `json:"request_id"`
	GroupFolder    string `json:"group_folder"`
	Provider       string `json:"provider"`
	Action         string `json:"action"`
	AccessLevel    int    `json:"access_level"`
	ParamsHMAC     string `json:"params_hmac,omitempty"`
	ParamsSummary  string `json:"params_summary,omitempty"`
	Status         string `json:"status"`
	DenialReason   string `json:"denial_reason,omitempty"`
	ResultSummary  string `json:"result_summary,omitempty"`
	ResponseData   string `json:"response_data,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	ProductID      string `json:"product_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	DurationMS     int64  `json:"duration_ms,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// Notification is one @mention fan-out row.
type Notification struct {
	ID          int64  `json:"id"`
	TaskID      string `json:"task_id"`
	TargetGroup string `json:"target_group"`
	Actor       string `json:"actor"`
	Snippet     string `json:"snippet"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at"`
}

// Topic groups cockpit chat messages.
type Topic struct {
	ID           string `json:"id"`
	GroupFolder  string `json:"group_folder"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

// Message is one cockpit chat message.
type Message struct {
	ID          int64  `json:"id"`
	TopicID     string `json:"topic_id,omitempty"`
	GroupFolder string `json:"group_folder"`
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
}

// DodItem is one Definition-of-Done checklist entry with a stable ID.
type DodItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// EvidenceEntry is one append-only evidence link.
type EvidenceEntry struct {
	Link    string `json:"link"`
	Note    string `json:"note,omitempty"`
	AddedAt string `json:"addedAt"`
}

// Override records a founder-issued gate exemption.
type Override struct {
	By                string `json:"by"`
	Reason            string `json:"reason"`
	AcceptedRisk      string `json:"acceptedRisk"`
	ReviewDeadlineIso string `json:"reviewDeadlineIso"`
}

// Metadata is the task metadata blob. Recognized keys are typed; unknown
// keys are preserved byte-for-byte so round-trips lose nothing.
type Metadata struct {
	PolicyVersion    string          `json:"-"`
	DodChecklist     []string        `json:"-"`
	DodStatus        []DodItem       `json:"-"`
	Evidence         []EvidenceEntry `json:"-"`
	DocsUpdated      *bool           `json:"-"`
	EvidenceRequired *bool           `json:"-"`
	AuditLink        string          `json:"-"`
	Override         *Override       `json:"-"`

	// Extra holds unrecognized keys verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// MaxMetadataBytes is the serialized size cap for the metadata blob.
const MaxMetadataBytes = 8192

// UnmarshalJSON extracts the recognized keys and keeps the rest raw.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Metadata{}
	for key, val := range raw {
		var err error
		switch key {
		case "policy_version":
			err = json.Unmarshal(val, &m.PolicyVersion)
		case "dodChecklist":
			err = json.Unmarshal(val, &m.DodChecklist)
		case "dodStatus":
			err = json.Unmarshal(val, &m.DodStatus)
		case "evidence":
			err = json.Unmarshal(val, &m.Evidence)
		case "docsUpdated":
			err = json.Unmarshal(val, &m.DocsUpdated)
		case "evidenceRequired":
			err = json.Unmarshal(val, &m.EvidenceRequired)
		case "auditLink":
			err = json.Unmarshal(val, &m.AuditLink)
		case "override":
			err = json.Unmarshal(val, &m.Override)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[key] = val
		}
		if err != nil {
			return fmt.Errorf("metadata key %q: %w", key, err)
		}
	}
	return nil
}

// MarshalJSON renders recognized keys plus preserved unknown keys.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+8)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.PolicyVersion != "" {
		out["policy_version"] = m.PolicyVersion
	}
	if m.DodChecklist != nil {
		out["dodChecklist"] = m.DodChecklist
	}
	if m.DodStatus != nil {
		out["dodStatus"] = m.DodStatus
	}
	if m.Evidence != nil {
		out["evidence"] = m.Evidence
	}
	if m.DocsUpdated != nil {
		out["docsUpdated"] = *m.DocsUpdated
	}
	if m.EvidenceRequired != nil {
		out["evidenceRequired"] = *m.EvidenceRequired
	}
	if m.AuditLink != "" {
		out["auditLink"] = m.AuditLink
	}
	if m.Override != nil {
		out["override"] = m.Override
	}
	return json.Marshal(out)
}
