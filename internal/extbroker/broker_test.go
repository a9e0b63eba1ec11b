package extbroker

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"opsplane/internal/events"
	"opsplane/internal/ids"
	"opsplane/internal/store"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "broker.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if cfg.HMACSecret == "" {
		cfg.HMACSecret = "test-hmac-secret"
	}
	return New(cfg, st, events.NewBus()), st
}

func grantCapability(t *testing.T, st *store.Store, c *store.Capability) {
	t.Helper()
	if c.GrantedBy == "" {
		c.GrantedBy = "main"
	}
	if c.GrantedAt == "" {
		c.GrantedAt = ids.Timestamp()
	}
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.UpsertCapability(context.Background(), tx, c)
	})
	if err != nil {
		t.Fatalf("grant capability: %v", err)
	}
}

func insertDoingTask(t *testing.T, st *store.Store, id, group string) {
	t.Helper()
	now := ids.Timestamp()
	task := &store.Task{
		ID: id, Title: "work", TaskType: "FEATURE", State: store.StateDoing,
		Priority: "P2", Scope: "COMPANY", AssignedGroup: group, CreatedBy: "main",
		Gate: "None", Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.InsertTask(context.Background(), tx, task)
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
}

func TestAuthorizeDenialOrder(t *testing.T) {
	b, st := newTestBroker(t, Config{})
	ctx := context.Background()

	deny := func(req CallRequest, want string) {
		t.Helper()
		res, err := b.Authorize(ctx, req)
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if res.Status != store.ExtDenied || res.DenialReason != want {
			t.Errorf("got %s/%s, want denied/%s", res.Status, res.DenialReason, want)
		}
	}

	// No grant at all.
	deny(CallRequest{Group: "developer", Provider: "github", Action: "list_issues"}, DenyNoCapability)

	// Deny list wins even over an allow list naming the same action.
	grantCapability(t, st, &store.Capability{
		GroupFolder: "developer", Provider: "github", AccessLevel: 2,
		AllowedActions: []string{"create_issue", "list_issues"},
		DeniedActions:  []string{"create_issue"},
	})
	deny(CallRequest{Group: "developer", Provider: "github", Action: "create_issue"}, DenyByPolicy)

	// Not on the allow list.
	deny(CallRequest{Group: "developer", Provider: "github", Action: "close_issue"}, DenyNotAllowed)

	// High-risk verb above the grant's level.
	grantCapability(t, st, &store.Capability{
		GroupFolder: "developer", Provider: "stripe", AccessLevel: 2,
	})
	deny(CallRequest{Group: "developer", Provider: "stripe", Action: "pay_invoice"}, DenyInsufficientLevel)

	// Task binding.
	deny(CallRequest{Group: "developer", Provider: "stripe", Action: "create_customer"}, DenyTaskRequired)
	deny(CallRequest{Group: "developer", Provider: "stripe", Action: "create_customer", TaskID: "gov-missing"}, DenyTaskNotFound)

	insertDoingTask(t, st, "gov-20260801T100000Z-sec001", "security")
	deny(CallRequest{Group: "developer", Provider: "stripe", Action: "create_customer", TaskID: "gov-20260801T100000Z-sec001"}, DenyGroupMismatch)
}

func TestAuthorizeTaskStateBinding(t *testing.T) {
	b, st := newTestBroker(t, Config{})
	ctx := context.Background()
	grantCapability(t, st, &store.Capability{GroupFolder: "developer", Provider: "github", AccessLevel: 2})

	now := ids.Timestamp()
	idle := &store.Task{
		ID: "gov-20260801T100000Z-idle01", Title: "idle", TaskType: "FEATURE",
		State: store.StateInbox, Priority: "P2", Scope: "COMPANY",
		AssignedGroup: "developer", CreatedBy: "main", Gate: "None",
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error { return st.InsertTask(ctx, tx, idle) })
	if err != nil {
		t.Fatal(err)
	}

	res, err := b.Authorize(ctx, CallRequest{Group: "developer", Provider: "github", Action: "create_issue", TaskID: idle.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.DenialReason != DenyTaskNotExecutable {
		t.Errorf("got %s, want TASK_NOT_EXECUTABLE", res.DenialReason)
	}
}

func TestAuthorizeSuccessAndLifecycle(t *testing.T) {
	b, st := newTestBroker(t, Config{})
	ctx := context.Background()
	grantCapability(t, st, &store.Capability{GroupFolder: "developer", Provider: "github", AccessLevel: 2})
	insertDoingTask(t, st, "gov-20260801T100000Z-ok0001", "developer")

	res, err := b.Authorize(ctx, CallRequest{
		Group: "developer", Provider: "github", Action: "create_issue",
		TaskID: "gov-20260801T100000Z-ok0001",
		Params: map[string]any{"title": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.ExtAuthorized || !strings.HasPrefix(res.RequestID, "req_") {
		t.Fatalf("got %+v", res)
	}

	call, err := st.GetExtCall(ctx, st.DB(), res.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if call.ParamsHMAC == "" {
		t.Error("params hash missing")
	}
	if strings.Contains(call.ParamsSummary, "hello") {
		t.Error("raw parameter value leaked into the summary")
	}

	if err := b.UpdateStatus(ctx, res.RequestID, store.ExtProcessing, "", "", 0); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateStatus(ctx, res.RequestID, store.ExtExecuted, "issue created", `{"number":7}`, 1200); err != nil {
		t.Fatal(err)
	}

	// Terminal states cannot be reentered.
	err = b.UpdateStatus(ctx, res.RequestID, store.ExtProcessing, "", "", 0)
	if err == nil {
		t.Error("executed call must not go back to processing")
	}

	call, _ = st.GetExtCall(ctx, st.DB(), res.RequestID)
	if call.Status != store.ExtExecuted || call.DurationMS != 1200 {
		t.Errorf("final call = %+v", call)
	}
}

func TestIdempotentReplay(t *testing.T) {
	b, st := newTestBroker(t, Config{})
	ctx := context.Background()
	grantCapability(t, st, &store.Capability{GroupFolder: "developer", Provider: "github", AccessLevel: 2})
	insertDoingTask(t, st, "gov-20260801T100000Z-rep001", "developer")

	req := CallRequest{
		Group: "developer", Provider: "github", Action: "create_issue",
		TaskID:         "gov-20260801T100000Z-rep001",
		IdempotencyKey: "idem-001",
	}
	first, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateStatus(ctx, first.RequestID, store.ExtExecuted, "created", `{"number":7}`, 100); err != nil {
		t.Fatal(err)
	}

	second, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed || second.Status != store.ExtExecuted {
		t.Fatalf("got %+v, want an executed replay", second)
	}
	if !strings.Contains(second.ResponseData, `"number":7`) {
		t.Errorf("replay response = %q", second.ResponseData)
	}
	if second.RequestID != first.RequestID {
		t.Errorf("cached replay request_id = %q, want %q", second.RequestID, first.RequestID)
	}

	// A cold replay (cache flushed, DB lookup) carries the same request ID.
	b.idemCache.Flush()
	third, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !third.Replayed || third.RequestID != first.RequestID {
		t.Errorf("cold replay = %+v, want replay of %s", third, first.RequestID)
	}

	// The replay writes no new row.
	n, err := st.CountExecutedToday(ctx, "github", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("executed rows = %d, want 1", n)
	}
}

func TestBackpressure(t *testing.T) {
	b, st := newTestBroker(t, Config{MaxPending: 1})
	ctx := context.Background()
	grantCapability(t, st, &store.Capability{GroupFolder: "developer", Provider: "github", AccessLevel: 2})
	insertDoingTask(t, st, "gov-20260801T100000Z-bp0001", "developer")

	req := CallRequest{Group: "developer", Provider: "github", Action: "create_issue", TaskID: "gov-20260801T100000Z-bp0001"}
	first, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != store.ExtAuthorized {
		t.Fatalf("first call: %+v", first)
	}

	second, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.DenialReason != DenyBackpressure {
		t.Errorf("got %s, want BACKPRESSURE", second.DenialReason)
	}
	if !IsCapacityDenial(second.DenialReason) {
		t.Error("BACKPRESSURE should map to the capacity class")
	}
}

func TestRateLimit(t *testing.T) {
	b, st := newTestBroker(t, Config{MaxPending: 100, RateLimits: map[string]int{"github": 1}})
	ctx := context.Background()
	grantCapability(t, st, &store.Capability{GroupFolder: "developer", Provider: "github", AccessLevel: 2})
	insertDoingTask(t, st, "gov-20260801T100000Z-rl0001", "developer")

	req := CallRequest{Group: "developer", Provider: "github", Action: "create_issue", TaskID: "gov-20260801T100000Z-rl0001"}
	first, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != store.ExtAuthorized {
		t.Fatalf("first call: %+v", first)
	}
	if err := b.UpdateStatus(ctx, first.RequestID, store.ExtExecuted, "", "", 0); err != nil {
		t.Fatal(err)
	}

	// Burst of one: the second immediate call exceeds the limiter.
	second, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.DenialReason != DenyRateLimited {
		t.Errorf("got %s, want RATE_LIMITED", second.DenialReason)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, st := newTestBroker(t, Config{MaxPending: 100, BreakerFailures: 2, BreakerOpenFor: time.Minute})
	ctx := context.Background()
	grantCapability(t, st, &store.Capability{GroupFolder: "developer", Provider: "flaky", AccessLevel: 2})
	insertDoingTask(t, st, "gov-20260801T100000Z-cb0001", "developer")

	req := CallRequest{Group: "developer", Provider: "flaky", Action: "create_record", TaskID: "gov-20260801T100000Z-cb0001"}
	for i := 0; i < 2; i++ {
		res, err := b.Authorize(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != store.ExtAuthorized {
			t.Fatalf("call %d: %+v", i, res)
		}
		if err := b.UpdateStatus(ctx, res.RequestID, store.ExtFailed, "provider error", "", 0); err != nil {
			t.Fatal(err)
		}
	}

	res, err := b.Authorize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.DenialReason != DenyBreakerOpen {
		t.Errorf("got %s, want BREAKER_OPEN", res.DenialReason)
	}
}

func TestDeniedCallsAreAudited(t *testing.T) {
	b, st := newTestBroker(t, Config{})
	ctx := context.Background()

	res, err := b.Authorize(ctx, CallRequest{
		Group: "developer", Provider: "github", Action: "list_issues",
		Params: map[string]any{"repo": "private-name"},
	})
	if err != nil {
		t.Fatal(err)
	}

	call, err := st.GetExtCall(ctx, st.DB(), res.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.ExtDenied || call.DenialReason != DenyNoCapability {
		t.Errorf("call = %+v", call)
	}
	if strings.Contains(call.ParamsSummary, "private-name") {
		t.Error("denied row leaked a raw parameter value")
	}
}

func TestRequiredLevel(t *testing.T) {
	tests := []struct {
		action string
		want   int
	}{
		{"list_issues", LevelReadPublic},
		{"search_code", LevelReadPublic},
		{"get_customer", LevelReadScoped},
		{"create_issue", LevelWriteScoped},
		{"update_record", LevelWriteScoped},
		{"delete_repo", LevelHighRisk},
		{"pay_invoice", LevelHighRisk},
		{"deploy_service", LevelHighRisk},
		{"frobnicate", LevelWriteScoped},
	}
	for _, tt := range tests {
		if got := RequiredLevel(tt.action); got != tt.want {
			t.Errorf("RequiredLevel(%s) = %d, want %d", tt.action, got, tt.want)
		}
	}
}

func TestHashParamsKeyOrderIndependent(t *testing.T) {
	secret := []byte("s")
	a, err := HashParams(secret, map[string]any{"b": 2, "a": "x", "c": map[string]any{"z": 1, "y": 2}})
	if err != nil {
		t.Fatal(err)
	}
	bHash, err := HashParams(secret, map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": "x", "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if a != bHash {
		t.Error("canonicalized hash must not depend on key order")
	}

	other, err := HashParams([]byte("different"), map[string]any{"a": "x", "b": 2, "c": map[string]any{"y": 2, "z": 1}})
	if err != nil {
		t.Fatal(err)
	}
	if other == a {
		t.Error("hash must depend on the secret")
	}
}

func TestSummarizeParamsHidesValues(t *testing.T) {
	summary := SummarizeParams(map[string]any{
		"title":  "secret launch plan",
		"count":  3.0,
		"flag":   true,
		"nested": map[string]any{"k": "v"},
		"items":  []any{1, 2, 3},
	})
	for _, leak := range []string{"secret launch plan", "\"v\""} {
		if strings.Contains(summary, leak) {
			t.Errorf("summary %q leaks value %q", summary, leak)
		}
	}
	for _, want := range []string{"title=", "count=", "flag=", "nested=", "items="} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary %q missing key %q", summary, want)
		}
	}
}

func TestScrubResponse(t *testing.T) {
	out := scrubResponse(`{"result":"ok","api_token":"abc123","nested":{"password":"p"}}`)
	if strings.Contains(out, "abc123") || strings.Contains(out, `"p"`) {
		t.Errorf("scrubbed response still leaks: %s", out)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("benign field lost: %s", out)
	}

	// Non-JSON passes through untouched.
	if got := scrubResponse("plain text"); got != "plain text" {
		t.Errorf("got %q", got)
	}
}
