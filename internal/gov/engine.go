// Package gov is the governance engine: it applies named commands
// (create, transition, assign, approve, override, comment, DoD update,
// evidence, docs flag) atomically, writing the task row, its audit
// activity, and any fan-out rows in one transaction.
package gov

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"opsplane/internal/events"
	"opsplane/internal/ids"
	"opsplane/internal/policy"
	"opsplane/internal/store"
)

// Command error codes not covered by policy reason codes.
const (
	CodeValidation   = "VALIDATION"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeStaleVersion = "STALE_VERSION"
	CodeInternal     = "INTERNAL"
)

// CommandError is the uniform failure shape for engine commands. Status
// is the HTTP status the surface maps it to; IPC-style callers log it
// and move on.
type CommandError struct {
	Code    string
	Status  int
	Message string
}

func (e *CommandError) Error() string { return e.Message }

func errValidation(format string, args ...any) *CommandError {
	return &CommandError{Code: CodeValidation, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errForbidden(format string, args ...any) *CommandError {
	return &CommandError{Code: CodeForbidden, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

func errNotFound(what string) *CommandError {
	return &CommandError{Code: CodeNotFound, Status: http.StatusNotFound, Message: what + " not found"}
}

func errStale() *CommandError {
	return &CommandError{Code: CodeStaleVersion, Status: http.StatusConflict, Message: "stale expectedVersion"}
}

// errPolicy wraps kernel reason codes. The first code is the machine
// code; all of them appear in the message.
func errPolicy(codes []string) *CommandError {
	return &CommandError{
		Code:    codes[0],
		Status:  http.StatusBadRequest,
		Message: "policy denied: " + strings.Join(codes, ", "),
	}
}

// Engine applies governance commands. All writes go through the store's
// single-writer transaction; the policy kernel decides, the engine
// persists.
type Engine struct {
	store  *store.Store
	groups *policy.Registry
	bus    *events.Bus
	strict bool
	now    func() time.Time
}

// New builds an engine. strict engages the kernel's strict-mode
// validators on transitions.
func New(st *store.Store, groups *policy.Registry, bus *events.Bus, strict bool) *Engine {
	return &Engine{
		store:  st,
		groups: groups,
		bus:    bus,
		strict: strict,
		now:    time.Now,
	}
}

// Store exposes the underlying store for read-side handlers.
func (e *Engine) Store() *store.Store { return e.store }

// Groups exposes the group registry.
func (e *Engine) Groups() *policy.Registry { return e.groups }

func (e *Engine) timestamp() string { return ids.FormatTime(e.now()) }

// loadTask fetches a task inside a transaction, mapping missing rows to
// a 404-shaped command error.
func (e *Engine) loadTask(ctx context.Context, tx *sql.Tx, taskID string) (*store.Task, error) {
	t, err := e.store.GetTask(ctx, tx, taskID)
	if err == store.ErrNotFound {
		return nil, errNotFound("task " + taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

// factsFor assembles the kernel's view of a task. reviewSummary is the
// caller-supplied reason, consulted only for DOING→REVIEW.
func (e *Engine) factsFor(ctx context.Context, tx *sql.Tx, t *store.Task, reviewSummary string) (*policy.TaskFacts, error) {
	facts := &policy.TaskFacts{
		Priority:         t.Priority,
		Owner:            t.AssignedGroup,
		TaskType:         t.TaskType,
		Gate:             t.Gate,
		DodRequired:      t.DodRequired,
		DodChecklist:     t.Metadata.DodChecklist,
		EvidenceRequired: t.Metadata.EvidenceRequired,
		EvidenceCount:    len(t.Metadata.Evidence),
		AuditLink:        t.Metadata.AuditLink,
		ReviewSummary:    reviewSummary,
	}
	if t.Metadata.DocsUpdated != nil {
		facts.DocsUpdated = *t.Metadata.DocsUpdated
	}
	for _, item := range t.Metadata.DodStatus {
		facts.DodStatus = append(facts.DodStatus, policy.DodItemFact{Done: item.Done})
	}
	if ov := t.Metadata.Override; ov != nil {
		facts.Override = &policy.OverrideFacts{
			By:                ov.By,
			Reason:            ov.Reason,
			AcceptedRisk:      ov.AcceptedRisk,
			ReviewDeadlineIso: ov.ReviewDeadlineIso,
		}
	}
	if t.Gate != "" && t.Gate != policy.GateNone {
		_, err := e.store.GetApproval(ctx, tx, t.ID, t.Gate)
		if err == nil {
			facts.HasGateApproval = true
		} else if err != store.ErrNotFound {
			return nil, fmt.Errorf("load gate approval: %w", err)
		}
	}
	return facts, nil
}

// checkMetadataSize rejects metadata blobs over the serialized cap.
func checkMetadataSize(m store.Metadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if len(b) > store.MaxMetadataBytes {
		return errValidation("metadata exceeds %d bytes serialized (%d)", store.MaxMetadataBytes, len(b))
	}
	return nil
}

// normalizeActor applies the comment-style actor rule: empty or
// over-long actors fall back to cockpit.
func normalizeActor(actor string) string {
	if actor == "" || len(actor) > 50 {
		return "cockpit"
	}
	return actor
}
