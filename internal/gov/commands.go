package gov

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"opsplane/internal/ids"
	"opsplane/internal/metrics"
	"opsplane/internal/policy"
	"opsplane/internal/store"
)

// CoerceScopeReason is the activity reason logged when a PRODUCT-scoped
// task arrives without a product and is demoted to COMPANY scope.
const CoerceScopeReason = "PRODUCT_SCOPE_WITHOUT_PRODUCT_ID"

// systemActor is the actor recorded for engine-initiated activities.
const systemActor = "system"

// CreateRequest carries a Create command. Unset optional fields take
// type-template defaults.
type CreateRequest struct {
	Actor         string
	Title         string
	Description   string
	TaskType      string
	Priority      string
	Scope         string
	ProductID     string
	AssignedGroup string
	Executor      string
	Gate          string
	DodRequired   *bool
	Metadata      *store.Metadata
}

// CreateResult is the Create outcome.
type CreateResult struct {
	TaskID  string `json:"taskId"`
	State   string `json:"state"`
	Coerced bool   `json:"coerced,omitempty"`
}

// Create registers a new task in INBOX. Only main (or the system acting
// as main) may create.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Actor != policy.GroupMain && req.Actor != systemActor {
		return nil, errForbidden("only %s may create tasks", policy.GroupMain)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > 140 {
		return nil, errValidation("title must be 1..140 characters")
	}
	if !taskTypes[req.TaskType] {
		return nil, errValidation("task_type %q is not recognized", req.TaskType)
	}

	tmpl := taskTemplates[req.TaskType]

	priority := req.Priority
	if priority == "" {
		priority = tmpl.Priority
	}
	if priority == "" {
		priority = "P2"
	}
	if !priorities[priority] {
		return nil, errValidation("priority %q is not one of P0..P3", priority)
	}

	scope := req.Scope
	if scope == "" {
		scope = "COMPANY"
	}
	if !scopes[scope] {
		return nil, errValidation("scope %q is not COMPANY or PRODUCT", scope)
	}

	gate := req.Gate
	if gate == "" {
		gate = tmpl.Gate
	}
	if gate == "" {
		gate = policy.GateNone
	}
	if !policy.KnownGate(gate) {
		return nil, errValidation("gate %q is not recognized", gate)
	}

	group := req.AssignedGroup
	if group == "" {
		group = tmpl.AssignedGroup
	}
	if group == "" {
		group = policy.GroupMain
	}
	if !e.groups.Known(group) {
		return nil, errValidation("assigned_group %q is not a registered group", group)
	}

	dodRequired := tmpl.DodRequired
	if req.DodRequired != nil {
		dodRequired = *req.DodRequired
	}

	// Scope normalization: COMPANY must not carry a product, PRODUCT
	// without a product is demoted (and audited).
	productID := req.ProductID
	coerced := false
	switch {
	case scope == "COMPANY" && productID != "":
		return nil, errValidation("COMPANY scope must not carry product_id")
	case scope == "PRODUCT" && productID == "":
		scope = "COMPANY"
		coerced = true
	}

	meta := store.Metadata{}
	if req.Metadata != nil {
		meta = *req.Metadata
	}
	meta.PolicyVersion = policy.Version
	if meta.DodChecklist == nil && len(tmpl.DodChecklist) > 0 {
		meta.DodChecklist = append([]string(nil), tmpl.DodChecklist...)
	}
	if meta.EvidenceRequired == nil {
		evReq := tmpl.EvidenceRequired
		meta.EvidenceRequired = &evReq
	}
	if err := checkMetadataSize(meta); err != nil {
		return nil, err
	}

	now := e.timestamp()
	task := &store.Task{
		Title:         title,
		Description:   strings.TrimSpace(req.Description),
		TaskType:      req.TaskType,
		State:         store.StateInbox,
		Priority:      priority,
		Scope:         scope,
		ProductID:     productID,
		AssignedGroup: group,
		Executor:      req.Executor,
		CreatedBy:     req.Actor,
		Gate:          gate,
		DodRequired:   dodRequired,
		Metadata:      meta,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if productID != "" {
			p, err := e.store.GetProduct(ctx, tx, productID)
			if err == store.ErrNotFound {
				return errNotFound("product " + productID)
			}
			if err != nil {
				return err
			}
			if p.Status == store.ProductKilled {
				return errValidation("product %s is killed; tasks may not target it", productID)
			}
		}

		// Retry ID collisions; the primary key is the arbiter.
		for attempt := 0; ; attempt++ {
			task.ID = ids.NewTaskID(e.now())
			err := e.store.InsertTask(ctx, tx, task)
			if err == nil {
				break
			}
			if err == store.ErrDuplicateID && attempt < 3 {
				continue
			}
			return err
		}

		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    task.ID,
			Action:    store.ActionCreate,
			ToState:   store.StateInbox,
			Actor:     req.Actor,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if coerced {
			if err := e.store.AppendActivity(ctx, tx, &store.Activity{
				TaskID:    task.ID,
				Action:    store.ActionCoerceScope,
				Actor:     systemActor,
				Reason:    CoerceScopeReason,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("create", outcome(err)).Inc()
		return nil, err
	}

	metrics.CommandsTotal.WithLabelValues("create", "applied").Inc()
	return &CreateResult{TaskID: task.ID, State: store.StateInbox, Coerced: coerced}, nil
}

// TransitionRequest carries a Transition command.
type TransitionRequest struct {
	TaskID          string
	ToState         string
	Reason          string
	ExpectedVersion *int
	Actor           string
}

// TransitionResult is the Transition outcome.
type TransitionResult struct {
	TaskID  string `json:"taskId"`
	State   string `json:"state"`
	Version int    `json:"version"`
	NoOp    bool   `json:"noOp,omitempty"`
}

// Transition moves a task along the workflow graph. main may always
// transition; the assigned group may transition its own task.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if !policy.KnownState(req.ToState) {
		return nil, errValidation("state %q is not recognized", req.ToState)
	}

	var result *TransitionResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != t.Version {
			return errStale()
		}
		if req.Actor != policy.GroupMain && req.Actor != t.AssignedGroup {
			return errForbidden("group %s may not transition task %s", req.Actor, t.ID)
		}

		facts, err := e.factsFor(ctx, tx, t, req.Reason)
		if err != nil {
			return err
		}
		res := policy.ValidateTransition(t.State, req.ToState, facts, e.strict)
		if res.NoOp {
			result = &TransitionResult{TaskID: t.ID, State: t.State, Version: t.Version, NoOp: true}
			return nil
		}
		if !res.OK {
			return errPolicy(res.Errors)
		}

		from := t.State
		now := e.timestamp()
		t.State = req.ToState
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			if err == store.ErrStaleVersion {
				return errStale()
			}
			return err
		}

		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionTransition,
			FromState: from,
			ToState:   req.ToState,
			Actor:     req.Actor,
			Reason:    req.Reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		// The strict review handoff also records the summary as its own
		// audit entry.
		if e.strict && from == store.StateDoing && req.ToState == store.StateReview {
			if err := e.store.AppendActivity(ctx, tx, &store.Activity{
				TaskID:    t.ID,
				Action:    store.ActionExecutionSummary,
				Actor:     req.Actor,
				Reason:    strings.TrimSpace(req.Reason),
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		result = &TransitionResult{TaskID: t.ID, State: t.State, Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("transition", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("transition", "applied").Inc()
	return result, nil
}

// AssignRequest carries an Assign command.
type AssignRequest struct {
	TaskID        string
	AssignedGroup string
	Executor      string
	Actor         string
}

// Assign reassigns a task to a group (and optionally a concrete
// executor). main only.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*TransitionResult, error) {
	if req.Actor != policy.GroupMain {
		return nil, errForbidden("only %s may assign tasks", policy.GroupMain)
	}
	if !e.groups.Known(req.AssignedGroup) {
		return nil, errValidation("assigned_group %q is not a registered group", req.AssignedGroup)
	}

	var result *TransitionResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		t.AssignedGroup = req.AssignedGroup
		if req.Executor != "" {
			t.Executor = req.Executor
		}
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionAssign,
			Actor:     req.Actor,
			Reason:    "assigned to " + req.AssignedGroup,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		result = &TransitionResult{TaskID: t.ID, State: t.State, Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("assign", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("assign", "applied").Inc()
	return result, nil
}

// ApproveRequest carries an Approve command.
type ApproveRequest struct {
	TaskID   string
	GateType string
	Notes    string
	Actor    string
}

// Approve records a gate sign-off. The approver must be entitled to the
// gate and must not be the task's executor; repeats replace the earlier
// approval.
func (e *Engine) Approve(ctx context.Context, req ApproveRequest) (*TransitionResult, error) {
	if !policy.KnownGate(req.GateType) || req.GateType == policy.GateNone {
		return nil, errValidation("gate_type %q is not an approvable gate", req.GateType)
	}
	if !e.groups.Known(req.Actor) {
		return nil, errValidation("actor %q is not a registered group", req.Actor)
	}

	var result *TransitionResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		if code := policy.CheckApprover(req.GateType, req.Actor); code != "" {
			return &CommandError{Code: code, Status: 403, Message: fmt.Sprintf("group %s may not approve gate %s", req.Actor, req.GateType)}
		}
		if code := policy.CheckApproverNotExecutor(req.Actor, t.Executor); code != "" {
			return &CommandError{Code: code, Status: 403, Message: "approver must not be the task's executor"}
		}

		now := e.timestamp()
		if err := e.store.UpsertApproval(ctx, tx, &store.Approval{
			TaskID:     t.ID,
			GateType:   req.GateType,
			ApprovedBy: req.Actor,
			Notes:      req.Notes,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionApprove,
			Actor:     req.Actor,
			Reason:    "gate " + req.GateType + " approved",
			CreatedAt: now,
		}); err != nil {
			return err
		}
		result = &TransitionResult{TaskID: t.ID, State: t.State, Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("approve", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("approve", "applied").Inc()
	return result, nil
}

// OverrideRequest carries a founder override.
type OverrideRequest struct {
	TaskID            string
	Actor             string
	Reason            string
	AcceptedRisk      string
	ReviewDeadlineIso string
}

// Override records a founder-issued gate exemption. On a task sitting in
// APPROVAL it also completes the task in the same transaction.
func (e *Engine) Override(ctx context.Context, req OverrideRequest) (*TransitionResult, error) {
	if req.Actor != policy.GroupMain {
		return nil, errForbidden("only %s may override", policy.GroupMain)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, errValidation("override reason must not be empty")
	}
	if strings.TrimSpace(req.AcceptedRisk) == "" {
		return nil, errValidation("acceptedRisk must not be empty")
	}
	if _, err := ids.ParseTime(req.ReviewDeadlineIso); err != nil {
		return nil, errValidation("reviewDeadlineIso must be a UTC ISO-8601 timestamp")
	}

	var result *TransitionResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		t.Metadata.Override = &store.Override{
			By:                req.Actor,
			Reason:            req.Reason,
			AcceptedRisk:      req.AcceptedRisk,
			ReviewDeadlineIso: req.ReviewDeadlineIso,
		}
		if err := checkMetadataSize(t.Metadata); err != nil {
			return err
		}

		from := t.State
		completed := false
		if t.State == store.StateApproval {
			facts, err := e.factsFor(ctx, tx, t, "")
			if err != nil {
				return err
			}
			res := policy.ValidateTransition(t.State, store.StateDone, facts, e.strict)
			if !res.OK {
				return errPolicy(res.Errors)
			}
			t.State = store.StateDone
			completed = true
		}

		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionOverride,
			Actor:     req.Actor,
			Reason:    req.Reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if completed {
			if err := e.store.AppendActivity(ctx, tx, &store.Activity{
				TaskID:    t.ID,
				Action:    store.ActionTransition,
				FromState: from,
				ToState:   store.StateDone,
				Actor:     req.Actor,
				Reason:    "override",
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		result = &TransitionResult{TaskID: t.ID, State: t.State, Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("override", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("override", "applied").Inc()
	return result, nil
}

// outcome labels a command failure for metrics.
func outcome(err error) string {
	if _, ok := err.(*CommandError); ok {
		return "rejected"
	}
	return "error"
}
