package main

import (
	"net/http"
	"strconv"

	"opsplane/internal/store"
)

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), s.store.DB(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task "+id+" not found", "NOT_FOUND")
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": t})
}

func (s *server) handleGetActivities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), s.store.DB(), id); err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task "+id+" not found", "NOT_FOUND")
		return
	} else if err != nil {
		writeCommandError(w, err)
		return
	}

	activities, err := s.store.ListActivities(r.Context(), id)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "activities": activities})
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.store.ListTasks(r.Context(), store.TaskQueryOptions{
		State:         q.Get("state"),
		AssignedGroup: q.Get("group"),
		ProductID:     q.Get("product_id"),
		Limit:         queryInt(q.Get("limit"), 0),
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": tasks})
}

func (s *server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group == "" {
		writeError(w, http.StatusBadRequest, "group query parameter is required", "VALIDATION")
		return
	}
	topics, err := s.store.ListTopics(r.Context(), group)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "topics": topics})
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messages, err := s.store.ListMessages(r.Context(), store.MessageQueryOptions{
		Before: q.Get("before"),
		Limit:  queryInt(q.Get("limit"), 100),
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}

	var groupJID any
	if s.cfg.GroupJID != "" {
		groupJID = s.cfg.GroupJID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":  messagesOrEmpty(messages),
		"group_jid": groupJID,
	})
}

func (s *server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	notifications, err := s.store.ListNotifications(r.Context(), store.NotificationQueryOptions{
		TargetGroup: q.Get("target_group"),
		UnreadOnly:  q.Get("unread_only") == "1",
		Limit:       queryInt(q.Get("limit"), 0),
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notifications": notifications})
}

func (s *server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "products": products})
}

func (s *server) handleGetExtCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	call, err := s.store.GetExtCall(r.Context(), s.store.DB(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "ext call "+id+" not found", "NOT_FOUND")
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "call": call})
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// messagesOrEmpty keeps the wire shape an array even with no rows.
func messagesOrEmpty(m []*store.Message) []*store.Message {
	if m == nil {
		return []*store.Message{}
	}
	return m
}
