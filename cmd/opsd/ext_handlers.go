package main

import (
	"net/http"

	"opsplane/internal/extbroker"
	"opsplane/internal/store"
)

func (s *server) handleExtCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Group          string         `json:"group"`
		Provider       string         `json:"provider"`
		Action         string         `json:"action"`
		Params         map[string]any `json:"params"`
		TaskID         string         `json:"task_id"`
		IdempotencyKey string         `json:"idempotency_key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Group == "" || req.Provider == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "group, provider, and action are required", "VALIDATION")
		return
	}

	result, err := s.broker.Authorize(r.Context(), extbroker.CallRequest{
		Group:          req.Group,
		Provider:       req.Provider,
		Action:         req.Action,
		Params:         req.Params,
		TaskID:         req.TaskID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}

	if result.Status == store.ExtDenied {
		status := http.StatusForbidden
		if extbroker.IsCapacityDenial(result.DenialReason) {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]any{
			"ok":            false,
			"request_id":    result.RequestID,
			"status":        result.Status,
			"denial_reason": result.DenialReason,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"request_id":    result.RequestID,
		"status":        result.Status,
		"response_data": result.ResponseData,
		"replayed":      result.Replayed,
	})
}

func (s *server) handleExtStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID     string `json:"request_id"`
		Status        string `json:"status"`
		ResultSummary string `json:"result_summary"`
		ResponseData  string `json:"response_data"`
		DurationMS    int64  `json:"duration_ms"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RequestID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "request_id and status are required", "VALIDATION")
		return
	}
	switch req.Status {
	case store.ExtProcessing, store.ExtExecuted, store.ExtFailed, store.ExtTimeout:
	default:
		writeError(w, http.StatusBadRequest, "status must be one of processing, executed, failed, timeout", "VALIDATION")
		return
	}

	err := s.broker.UpdateStatus(r.Context(), req.RequestID, req.Status, req.ResultSummary, req.ResponseData, req.DurationMS)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "no pending call "+req.RequestID, "NOT_FOUND")
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": req.RequestID, "status": req.Status})
}
