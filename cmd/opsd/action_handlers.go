package main

import (
	"net/http"

	"opsplane/internal/gov"
	"opsplane/internal/policy"
	"opsplane/internal/store"
)

// defaultActor is assumed for cockpit calls that omit an actor: the
// founder drives the cockpit.
func actorOrMain(actor string) string {
	if actor == "" {
		return policy.GroupMain
	}
	return actor
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor         string          `json:"actor"`
		Title         string          `json:"title"`
		Description   string          `json:"description"`
		TaskType      string          `json:"task_type"`
		Priority      string          `json:"priority"`
		Scope         string          `json:"scope"`
		ProductID     string          `json:"product_id"`
		AssignedGroup string          `json:"assigned_group"`
		Executor      string          `json:"executor"`
		Gate          string          `json:"gate"`
		DodRequired   *bool           `json:"dod_required"`
		Metadata      *store.Metadata `json:"metadata"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Create(r.Context(), gov.CreateRequest{
		Actor:         actorOrMain(req.Actor),
		Title:         req.Title,
		Description:   req.Description,
		TaskType:      req.TaskType,
		Priority:      req.Priority,
		Scope:         req.Scope,
		ProductID:     req.ProductID,
		AssignedGroup: req.AssignedGroup,
		Executor:      req.Executor,
		Gate:          req.Gate,
		DodRequired:   req.DodRequired,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok": true, "taskId": result.TaskID, "state": result.State,
	})
}

func (s *server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor           string `json:"actor"`
		TaskID          string `json:"task_id"`
		ToState         string `json:"to_state"`
		Reason          string `json:"reason"`
		ExpectedVersion *int   `json:"expected_version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Transition(r.Context(), gov.TransitionRequest{
		TaskID:          req.TaskID,
		ToState:         req.ToState,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           actorOrMain(req.Actor),
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "state": result.State, "version": result.Version,
	})
}

func (s *server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor         string `json:"actor"`
		TaskID        string `json:"task_id"`
		AssignedGroup string `json:"assigned_group"`
		Executor      string `json:"executor"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Assign(r.Context(), gov.AssignRequest{
		TaskID:        req.TaskID,
		AssignedGroup: req.AssignedGroup,
		Executor:      req.Executor,
		Actor:         actorOrMain(req.Actor),
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "version": result.Version,
	})
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor    string `json:"actor"`
		TaskID   string `json:"task_id"`
		GateType string `json:"gate_type"`
		Notes    string `json:"notes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Approve(r.Context(), gov.ApproveRequest{
		TaskID:   req.TaskID,
		GateType: req.GateType,
		Notes:    req.Notes,
		Actor:    actorOrMain(req.Actor),
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "version": result.Version,
	})
}

func (s *server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor             string `json:"actor"`
		TaskID            string `json:"task_id"`
		Reason            string `json:"reason"`
		AcceptedRisk      string `json:"acceptedRisk"`
		ReviewDeadlineIso string `json:"reviewDeadlineIso"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Override(r.Context(), gov.OverrideRequest{
		TaskID:            req.TaskID,
		Actor:             actorOrMain(req.Actor),
		Reason:            req.Reason,
		AcceptedRisk:      req.AcceptedRisk,
		ReviewDeadlineIso: req.ReviewDeadlineIso,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "state": result.State, "version": result.Version,
	})
}

func (s *server) handleComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		TaskID string `json:"task_id"`
		Text   string `json:"text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Comment(r.Context(), gov.CommentRequest{
		TaskID: req.TaskID,
		Text:   req.Text,
		Actor:  req.Actor,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "mentions": result.Mentions,
	})
}

func (s *server) handleDod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string             `json:"actor"`
		TaskID string             `json:"task_id"`
		Items  []gov.DodItemInput `json:"items"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Items == nil {
		writeError(w, http.StatusBadRequest, "items must be an array of {id, text, done} objects", "VALIDATION")
		return
	}

	result, err := s.engine.DodUpdate(r.Context(), gov.DodUpdateRequest{
		TaskID: req.TaskID,
		Items:  req.Items,
		Actor:  req.Actor,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "items": result.Items,
	})
}

func (s *server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		TaskID string `json:"task_id"`
		Link   string `json:"link"`
		Note   string `json:"note"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Evidence(r.Context(), gov.EvidenceRequest{
		TaskID: req.TaskID,
		Link:   req.Link,
		Note:   req.Note,
		Actor:  req.Actor,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "evidenceCount": result.EvidenceCount,
	})
}

func (s *server) handleEvidenceBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string   `json:"actor"`
		TaskID string   `json:"task_id"`
		Links  []string `json:"links"`
		Note   string   `json:"note"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Links == nil {
		writeError(w, http.StatusBadRequest, "links must be a non-empty array of URLs", "VALIDATION")
		return
	}

	result, err := s.engine.EvidenceBulk(r.Context(), gov.EvidenceBulkRequest{
		TaskID: req.TaskID,
		Links:  req.Links,
		Note:   req.Note,
		Actor:  req.Actor,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "evidenceCount": result.EvidenceCount,
	})
}

func (s *server) handleDocsUpdated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor       string `json:"actor"`
		TaskID      string `json:"task_id"`
		DocsUpdated *bool  `json:"docsUpdated"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DocsUpdated == nil {
		writeError(w, http.StatusBadRequest, "docsUpdated must be a boolean", "VALIDATION")
		return
	}

	result, err := s.engine.DocsUpdated(r.Context(), gov.DocsUpdatedRequest{
		TaskID:      req.TaskID,
		DocsUpdated: *req.DocsUpdated,
		Actor:       req.Actor,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "taskId": result.TaskID, "version": result.Version,
	})
}

func (s *server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []any `json:"ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IDs == nil {
		writeError(w, http.StatusBadRequest, "ids must be a non-empty array", "VALIDATION")
		return
	}
	idList := make([]int64, 0, len(req.IDs))
	for _, v := range req.IDs {
		n, ok := v.(float64)
		if !ok {
			writeError(w, http.StatusBadRequest, "ids must contain only numbers", "VALIDATION")
			return
		}
		idList = append(idList, int64(n))
	}

	marked, err := s.engine.MarkNotificationsRead(r.Context(), idList)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "markedCount": marked})
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TopicID     string `json:"topic_id"`
		GroupFolder string `json:"group_folder"`
		Sender      string `json:"sender"`
		Text        string `json:"text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := s.engine.PostMessage(r.Context(), gov.PostMessageRequest{
		TopicID:     req.TopicID,
		GroupFolder: req.GroupFolder,
		Sender:      req.Sender,
		Text:        req.Text,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "message": msg})
}

func (s *server) handleTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupFolder string `json:"group_folder"`
		Title       string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	topic, err := s.engine.CreateTopic(r.Context(), req.GroupFolder, req.Title)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "topic": topic})
}

func (s *server) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	var p store.Product
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := s.engine.UpsertProduct(r.Context(), &p); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "product": p})
}
