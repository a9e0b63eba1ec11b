package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"opsplane/internal/config"
	"opsplane/internal/events"
	"opsplane/internal/extbroker"
	"opsplane/internal/gov"
	"opsplane/internal/policy"
	"opsplane/internal/store"
)

const (
	testReadSecret      = "test-read-secret-0123456789"
	testWriteSecret     = "test-write-secret-0123456789"
	testWriteSecretPrev = "old-write-secret-0123456789"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "opsd.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{
		ReadSecret:          testReadSecret,
		WriteSecretCurrent:  testWriteSecret,
		WriteSecretPrevious: testWriteSecretPrev,
		ExtHMACSecret:       "test-hmac-secret",
	}
	bus := events.NewBus()
	engine := gov.New(st, policy.NewRegistry(), bus, false)
	broker := extbroker.New(extbroker.Config{HMACSecret: cfg.ExtHMACSecret}, st, bus)

	ts := httptest.NewServer(newServer(cfg, engine, broker).routes())
	t.Cleanup(ts.Close)
	return ts
}

// call issues an authenticated request and decodes the JSON response.
func call(t *testing.T, ts *httptest.Server, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func authedHeaders() map[string]string {
	return map[string]string{
		"X-OS-SECRET":    testReadSecret,
		"X-WRITE-SECRET": testWriteSecret,
	}
}

func readHeaders() map[string]string {
	return map[string]string{"X-OS-SECRET": testReadSecret}
}

func createTask(t *testing.T, ts *httptest.Server, body map[string]any) string {
	t.Helper()
	if body == nil {
		body = map[string]any{"title": "test task", "task_type": "FEATURE"}
	}
	status, out := call(t, ts, "POST", "/ops/actions/create", body, authedHeaders())
	if status != http.StatusCreated {
		t.Fatalf("create: status %d body %v", status, out)
	}
	return out["taskId"].(string)
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	status, out := call(t, ts, "GET", "/health", nil, nil)
	if status != http.StatusOK || out["ok"] != true {
		t.Errorf("health: %d %v", status, out)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	// Reads need the read secret.
	status, out := call(t, ts, "GET", "/ops/tasks", nil, nil)
	if status != http.StatusUnauthorized || out["code"] != "AUTH" {
		t.Errorf("unauthenticated read: %d %v", status, out)
	}
	status, _ = call(t, ts, "GET", "/ops/tasks", nil, map[string]string{"X-OS-SECRET": "wrong"})
	if status != http.StatusUnauthorized {
		t.Errorf("wrong read secret: %d", status)
	}

	// Writes additionally need the write secret.
	body := map[string]any{"title": "t", "task_type": "FEATURE"}
	status, _ = call(t, ts, "POST", "/ops/actions/create", body, readHeaders())
	if status != http.StatusUnauthorized {
		t.Errorf("write without write secret: %d", status)
	}

	// The previous write secret still works during rotation.
	status, _ = call(t, ts, "POST", "/ops/actions/create", body, map[string]string{
		"X-OS-SECRET":    testReadSecret,
		"X-WRITE-SECRET": testWriteSecretPrev,
	})
	if status != http.StatusCreated {
		t.Errorf("previous write secret rejected: %d", status)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	ts := newTestServer(t)
	taskID := createTask(t, ts, nil)
	if !strings.HasPrefix(taskID, "gov-") {
		t.Errorf("taskId = %q", taskID)
	}

	status, out := call(t, ts, "GET", "/ops/tasks/"+taskID, nil, readHeaders())
	if status != http.StatusOK {
		t.Fatalf("get task: %d %v", status, out)
	}
	task := out["task"].(map[string]any)
	if task["state"] != "INBOX" || task["version"] != float64(1) {
		t.Errorf("task = %v", task)
	}

	status, out = call(t, ts, "GET", "/ops/tasks/gov-missing", nil, readHeaders())
	if status != http.StatusNotFound {
		t.Errorf("missing task: %d %v", status, out)
	}
}

func TestCreateValidationMessages(t *testing.T) {
	ts := newTestServer(t)

	status, out := call(t, ts, "POST", "/ops/actions/create", map[string]any{
		"title": strings.Repeat("x", 141), "task_type": "FEATURE",
	}, authedHeaders())
	if status != http.StatusBadRequest {
		t.Fatalf("long title: %d", status)
	}
	msg := out["error"].(string)
	if !strings.Contains(msg, "title") || !strings.Contains(msg, "140") {
		t.Errorf("error message %q should name the field and the limit", msg)
	}
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest("POST", ts.URL+"/ops/actions/create", strings.NewReader("not json"))
	for k, v := range authedHeaders() {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(out["error"].(string), "JSON object") {
		t.Errorf("error = %q", out["error"])
	}
}

func TestTransitionAndStaleVersion(t *testing.T) {
	ts := newTestServer(t)
	taskID := createTask(t, ts, nil)

	status, out := call(t, ts, "POST", "/ops/actions/transition", map[string]any{
		"task_id": taskID, "to_state": "TRIAGED", "expected_version": 1,
	}, authedHeaders())
	if status != http.StatusOK || out["version"] != float64(2) {
		t.Fatalf("transition: %d %v", status, out)
	}

	status, out = call(t, ts, "POST", "/ops/actions/transition", map[string]any{
		"task_id": taskID, "to_state": "READY", "expected_version": 1,
	}, authedHeaders())
	if status != http.StatusConflict || out["code"] != "STALE_VERSION" {
		t.Errorf("stale transition: %d %v", status, out)
	}

	status, out = call(t, ts, "POST", "/ops/actions/transition", map[string]any{
		"task_id": taskID, "to_state": "DONE",
	}, authedHeaders())
	if status != http.StatusBadRequest {
		t.Errorf("illegal edge: %d %v", status, out)
	}
}

func TestDodEndpointValidation(t *testing.T) {
	ts := newTestServer(t)
	taskID := createTask(t, ts, nil)

	status, out := call(t, ts, "POST", "/ops/actions/dod", map[string]any{
		"task_id": taskID,
	}, authedHeaders())
	if status != http.StatusBadRequest || !strings.Contains(out["error"].(string), "array") {
		t.Errorf("missing items: %d %v", status, out)
	}

	status, out = call(t, ts, "POST", "/ops/actions/dod", map[string]any{
		"task_id": taskID,
		"items":   []map[string]any{{"text": "Tests updated", "done": true}},
	}, authedHeaders())
	if status != http.StatusOK {
		t.Fatalf("dod update: %d %v", status, out)
	}
	items := out["items"].([]any)
	if len(items) != 1 {
		t.Errorf("items = %v", items)
	}
}

func TestDocsUpdatedRequiresBoolean(t *testing.T) {
	ts := newTestServer(t)
	taskID := createTask(t, ts, nil)

	status, out := call(t, ts, "POST", "/ops/actions/docsUpdated", map[string]any{
		"task_id": taskID,
	}, authedHeaders())
	if status != http.StatusBadRequest || !strings.Contains(out["error"].(string), "boolean") {
		t.Errorf("missing flag: %d %v", status, out)
	}

	status, _ = call(t, ts, "POST", "/ops/actions/docsUpdated", map[string]any{
		"task_id": taskID, "docsUpdated": true,
	}, authedHeaders())
	if status != http.StatusOK {
		t.Errorf("set flag: %d", status)
	}
}

func TestMarkReadValidation(t *testing.T) {
	ts := newTestServer(t)

	status, out := call(t, ts, "POST", "/ops/actions/notifications/markRead", map[string]any{}, authedHeaders())
	if status != http.StatusBadRequest || !strings.Contains(out["error"].(string), "array") {
		t.Errorf("missing ids: %d %v", status, out)
	}

	status, out = call(t, ts, "POST", "/ops/actions/notifications/markRead", map[string]any{
		"ids": []any{1, "two"},
	}, authedHeaders())
	if status != http.StatusBadRequest || !strings.Contains(out["error"].(string), "number") {
		t.Errorf("non-numeric ids: %d %v", status, out)
	}
}

func TestCommentAndNotificationsFlow(t *testing.T) {
	ts := newTestServer(t)
	taskID := createTask(t, ts, nil)

	status, out := call(t, ts, "POST", "/ops/actions/comment", map[string]any{
		"task_id": taskID, "text": "cc @developer and @security please review",
	}, authedHeaders())
	if status != http.StatusOK {
		t.Fatalf("comment: %d %v", status, out)
	}
	if n := len(out["mentions"].([]any)); n != 2 {
		t.Errorf("mentions = %v", out["mentions"])
	}

	status, out = call(t, ts, "GET", "/ops/notifications?target_group=developer&unread_only=1", nil, readHeaders())
	if status != http.StatusOK {
		t.Fatalf("list notifications: %d %v", status, out)
	}
	notifs := out["notifications"].([]any)
	if len(notifs) != 1 {
		t.Fatalf("notifications = %v", notifs)
	}
	id := notifs[0].(map[string]any)["id"].(float64)

	status, out = call(t, ts, "POST", "/ops/actions/notifications/markRead", map[string]any{
		"ids": []any{id},
	}, authedHeaders())
	if status != http.StatusOK || out["markedCount"] != float64(1) {
		t.Errorf("markRead: %d %v", status, out)
	}
}

func TestMessagesEnvelopeShape(t *testing.T) {
	ts := newTestServer(t)

	status, out := call(t, ts, "GET", "/ops/messages", nil, readHeaders())
	if status != http.StatusOK {
		t.Fatalf("list messages: %d %v", status, out)
	}
	// The envelope always carries an array, never null.
	if _, ok := out["messages"].([]any); !ok {
		t.Errorf("messages is %T, want array", out["messages"])
	}
	if _, present := out["group_jid"]; !present {
		t.Error("group_jid key missing from the envelope")
	}
}

func TestExtCallEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// No capability: policy denial, 403, with the audit trail reachable.
	status, out := call(t, ts, "POST", "/ops/ext/call", map[string]any{
		"group": "developer", "provider": "github", "action": "list_issues",
	}, authedHeaders())
	if status != http.StatusForbidden {
		t.Fatalf("uncapable call: %d %v", status, out)
	}
	if out["denial_reason"] != "NO_CAPABILITY" {
		t.Errorf("denial_reason = %v", out["denial_reason"])
	}

	requestID := out["request_id"].(string)
	status, out = call(t, ts, "GET", "/ops/ext/calls/"+requestID, nil, readHeaders())
	if status != http.StatusOK {
		t.Fatalf("get ext call: %d %v", status, out)
	}
	callRow := out["call"].(map[string]any)
	if callRow["status"] != "denied" {
		t.Errorf("call = %v", callRow)
	}
}

func TestExtStatusValidation(t *testing.T) {
	ts := newTestServer(t)

	status, out := call(t, ts, "POST", "/ops/ext/status", map[string]any{
		"request_id": "req_x", "status": "finished",
	}, authedHeaders())
	if status != http.StatusBadRequest || !strings.Contains(out["error"].(string), "processing, executed, failed, timeout") {
		t.Errorf("bad status: %d %v", status, out)
	}

	status, _ = call(t, ts, "POST", "/ops/ext/status", map[string]any{
		"request_id": "req_missing", "status": "executed",
	}, authedHeaders())
	if status != http.StatusNotFound {
		t.Errorf("missing call: %d", status)
	}
}

func TestProductsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, out := call(t, ts, "POST", "/ops/products", map[string]any{
		"id": "shop", "name": "Shop", "status": "active", "risk_level": "normal",
	}, authedHeaders())
	if status != http.StatusOK {
		t.Fatalf("upsert product: %d %v", status, out)
	}

	status, out = call(t, ts, "GET", "/ops/products", nil, readHeaders())
	if status != http.StatusOK {
		t.Fatalf("list products: %d %v", status, out)
	}
	products := out["products"].([]any)
	if len(products) != 1 {
		t.Errorf("products = %v", products)
	}
}

func TestListTasksFilter(t *testing.T) {
	ts := newTestServer(t)
	createTask(t, ts, map[string]any{"title": "a", "task_type": "FEATURE"})
	createTask(t, ts, map[string]any{"title": "b", "task_type": "SECURITY"})

	status, out := call(t, ts, "GET", "/ops/tasks?group=security", nil, readHeaders())
	if status != http.StatusOK {
		t.Fatalf("list: %d %v", status, out)
	}
	tasks := out["tasks"].([]any)
	if len(tasks) != 1 {
		t.Errorf("filtered tasks = %v", tasks)
	}
}
