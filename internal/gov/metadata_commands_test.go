package gov

import (
	"context"
	"strings"
	"testing"

	"opsplane/internal/store"
)

func TestCommentMentionsNotify(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "mention me", TaskType: "FEATURE"})

	res, err := e.Comment(ctx, CommentRequest{
		TaskID: taskID,
		Text:   "cc @developer and @security please review, also @nosuchgroup",
		Actor:  "main",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Mentions) != 2 || res.Mentions[0] != "developer" || res.Mentions[1] != "security" {
		t.Errorf("mentions = %v, want [developer security]", res.Mentions)
	}

	notifs, err := e.store.ListNotifications(ctx, store.NotificationQueryOptions{TargetGroup: "developer", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 1 {
		t.Fatalf("developer notifications = %d, want 1", len(notifs))
	}
	if !strings.HasPrefix(notifs[0].Snippet, "cc @developer") {
		t.Errorf("snippet = %q", notifs[0].Snippet)
	}

	marked, err := e.MarkNotificationsRead(ctx, []int64{notifs[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if marked != 1 {
		t.Errorf("marked = %d, want 1", marked)
	}
	// Marking again is a no-op.
	marked, err = e.MarkNotificationsRead(ctx, []int64{notifs[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if marked != 0 {
		t.Errorf("re-mark = %d, want 0", marked)
	}
}

func TestCommentSanitization(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "sanitize", TaskType: "FEATURE"})

	if _, err := e.Comment(ctx, CommentRequest{TaskID: taskID, Text: "  <b>bold</b> claim <script>x()</script>  ", Actor: "main"}); err != nil {
		t.Fatal(err)
	}
	activities, _ := e.store.ListActivities(ctx, taskID)
	last := activities[len(activities)-1]
	if last.Reason != "bold claim x()" {
		t.Errorf("stored comment = %q", last.Reason)
	}
	if last.Action != store.ActionCommentAdded {
		t.Errorf("action = %s", last.Action)
	}

	if _, err := e.Comment(ctx, CommentRequest{TaskID: taskID, Text: "<br/>", Actor: "main"}); err == nil {
		t.Error("tag-only comment should be rejected")
	}
	if _, err := e.Comment(ctx, CommentRequest{TaskID: taskID, Text: strings.Repeat("a", 4001), Actor: "main"}); err == nil || !strings.Contains(err.Error(), "4000") {
		t.Errorf("oversized comment should name the limit, got %v", err)
	}
}

func TestCommentActorNormalization(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "actor", TaskType: "FEATURE"})

	if _, err := e.Comment(ctx, CommentRequest{TaskID: taskID, Text: "no actor given"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Comment(ctx, CommentRequest{TaskID: taskID, Text: "too-long actor", Actor: strings.Repeat("x", 51)}); err != nil {
		t.Fatal(err)
	}

	activities, _ := e.store.ListActivities(ctx, taskID)
	for _, a := range activities[1:] {
		if a.Actor != "cockpit" {
			t.Errorf("actor = %q, want cockpit", a.Actor)
		}
	}
}

func TestDodUpdateBounds(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "dod", TaskType: "FEATURE"})

	_, err := e.DodUpdate(ctx, DodUpdateRequest{TaskID: taskID, Items: []DodItemInput{{Text: "abc"}}})
	if err == nil {
		t.Error("3-char item should be rejected")
	}
	if _, err := e.DodUpdate(ctx, DodUpdateRequest{TaskID: taskID, Items: []DodItemInput{{Text: "abcd"}}}); err != nil {
		t.Errorf("4-char item should pass: %v", err)
	}

	long := make([]DodItemInput, 51)
	for i := range long {
		long[i] = DodItemInput{Text: "item text"}
	}
	_, err = e.DodUpdate(ctx, DodUpdateRequest{TaskID: taskID, Items: long})
	if err == nil || !strings.Contains(err.Error(), "50 items") {
		t.Errorf("51 items should be rejected naming the cap, got %v", err)
	}
}

func TestDodUpdatePreservesIDs(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "dod ids", TaskType: "FEATURE"})

	first, err := e.DodUpdate(ctx, DodUpdateRequest{TaskID: taskID, Items: []DodItemInput{
		{Text: "Tests updated"},
		{Text: "Docs reviewed"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range first.Items {
		if !strings.HasPrefix(it.ID, "dod-") {
			t.Errorf("minted id %q lacks dod- prefix", it.ID)
		}
	}

	second, err := e.DodUpdate(ctx, DodUpdateRequest{TaskID: taskID, Items: []DodItemInput{
		{ID: first.Items[1].ID, Text: "Docs reviewed", Done: true},
		{ID: first.Items[0].ID, Text: "Tests updated"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if second.Items[0].ID != first.Items[1].ID || second.Items[1].ID != first.Items[0].ID {
		t.Error("stable IDs should survive a reorder")
	}
}

func TestDodUpdateIdempotentHash(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "dod hash", TaskType: "FEATURE"})

	items := []DodItemInput{{Text: "Tests updated", Done: true}, {Text: "Docs reviewed"}}
	if _, err := e.DodUpdate(ctx, DodUpdateRequest{TaskID: taskID, Items: items}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.DodUpdate(ctx, DodUpdateRequest{TaskID: taskID, Items: items}); err != nil {
		t.Fatal(err)
	}

	activities, _ := e.store.ListActivities(ctx, taskID)
	var reasons []string
	for _, a := range activities {
		if a.Action == store.ActionDodUpdated {
			reasons = append(reasons, a.Reason)
		}
	}
	if len(reasons) != 2 || reasons[0] != reasons[1] {
		t.Errorf("equal checklists must hash identically, got %v", reasons)
	}
	if !strings.HasPrefix(reasons[0], "1/2 h:") {
		t.Errorf("reason = %q, want '1/2 h:<hash>'", reasons[0])
	}
}

func TestEvidenceBounds(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "ev", TaskType: "FEATURE"})

	longLink := "https://example.com/" + strings.Repeat("a", 2000)
	_, err := e.Evidence(ctx, EvidenceRequest{TaskID: taskID, Link: longLink})
	if err == nil || !strings.Contains(err.Error(), "2000") {
		t.Errorf("long link should be rejected naming the cap, got %v", err)
	}

	_, err = e.Evidence(ctx, EvidenceRequest{TaskID: taskID, Link: "ftp://example.com/x"})
	if err == nil {
		t.Error("non-http scheme should be rejected")
	}

	_, err = e.Evidence(ctx, EvidenceRequest{
		TaskID: taskID, Link: "https://ci.example.com/run/1", Note: strings.Repeat("n", 1001),
	})
	if err == nil || !strings.Contains(err.Error(), "1000") {
		t.Errorf("long note should be rejected naming the cap, got %v", err)
	}

	res, err := e.Evidence(ctx, EvidenceRequest{TaskID: taskID, Link: "https://ci.example.com/run/1", Note: "green"})
	if err != nil {
		t.Fatal(err)
	}
	if res.EvidenceCount != 1 {
		t.Errorf("count = %d, want 1", res.EvidenceCount)
	}
}

func TestEvidenceBulk(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "bulk", TaskType: "FEATURE"})

	_, err := e.EvidenceBulk(ctx, EvidenceBulkRequest{TaskID: taskID, Links: nil})
	if err == nil || !strings.Contains(err.Error(), "array") {
		t.Errorf("empty bulk should be rejected as a non-array, got %v", err)
	}

	many := make([]string, 21)
	for i := range many {
		many[i] = "https://ci.example.com/run/x"
	}
	_, err = e.EvidenceBulk(ctx, EvidenceBulkRequest{TaskID: taskID, Links: many})
	if err == nil || !strings.Contains(err.Error(), "20") {
		t.Errorf("21 links should be rejected naming the cap, got %v", err)
	}

	res, err := e.EvidenceBulk(ctx, EvidenceBulkRequest{TaskID: taskID, Links: []string{
		"https://ci.example.com/run/1",
		"https://ci.example.com/run/2",
		"https://ci.example.com/run/3",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if res.EvidenceCount != 3 {
		t.Errorf("count = %d, want 3", res.EvidenceCount)
	}

	task, _ := e.store.GetTask(ctx, e.store.DB(), taskID)
	stamp := task.Metadata.Evidence[0].AddedAt
	for _, entry := range task.Metadata.Evidence {
		if entry.AddedAt != stamp {
			t.Error("bulk entries must share one addedAt stamp")
		}
	}

	activities, _ := e.store.ListActivities(ctx, taskID)
	last := activities[len(activities)-1]
	if last.Action != store.ActionEvidenceBulk {
		t.Fatalf("last action = %s", last.Action)
	}
	if strings.Contains(last.Reason, "https://") {
		t.Error("bulk audit reason must not carry raw URLs")
	}
	if !strings.Contains(last.Reason, "3 evidence links added") {
		t.Errorf("reason = %q", last.Reason)
	}
}

func TestDocsUpdated(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	taskID := mustCreate(t, e, CreateRequest{Title: "docs", TaskType: "SECURITY"})

	if _, err := e.DocsUpdated(ctx, DocsUpdatedRequest{TaskID: taskID, DocsUpdated: true}); err != nil {
		t.Fatal(err)
	}
	task, _ := e.store.GetTask(ctx, e.store.DB(), taskID)
	if task.Metadata.DocsUpdated == nil || !*task.Metadata.DocsUpdated {
		t.Error("docsUpdated flag not persisted")
	}

	activities, _ := e.store.ListActivities(ctx, taskID)
	last := activities[len(activities)-1]
	if last.Action != store.ActionDocsUpdatedSet || last.Reason != "true" {
		t.Errorf("activity = %s/%q", last.Action, last.Reason)
	}
}

func TestMarkReadBounds(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()

	if _, err := e.MarkNotificationsRead(ctx, nil); err == nil {
		t.Error("empty id list should be rejected")
	}
	many := make([]int64, 101)
	_, err := e.MarkNotificationsRead(ctx, many)
	if err == nil || !strings.Contains(err.Error(), "100") {
		t.Errorf("101 ids should be rejected naming the cap, got %v", err)
	}
}

func TestChatTopicsAndMessages(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()

	topic, err := e.CreateTopic(ctx, "developer", "Deploy window")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(topic.ID, "topic-") || topic.Status != "active" {
		t.Errorf("topic = %+v", topic)
	}

	if _, err := e.CreateTopic(ctx, "nosuch", "x"); err == nil {
		t.Error("unknown group should be rejected")
	}
	if _, err := e.CreateTopic(ctx, "developer", strings.Repeat("t", 141)); err == nil {
		t.Error("long title should be rejected")
	}

	msg, err := e.PostMessage(ctx, PostMessageRequest{
		TopicID: topic.ID, GroupFolder: "developer", Sender: "main", Text: "shipping at noon",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == 0 {
		t.Error("message should receive a row id")
	}

	msgs, err := e.store.ListMessages(ctx, store.MessageQueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "shipping at noon" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestUpsertProductValidation(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()

	if err := e.UpsertProduct(ctx, &store.Product{ID: "", Name: "x"}); err == nil {
		t.Error("empty id should be rejected")
	}
	if err := e.UpsertProduct(ctx, &store.Product{ID: "shop", Name: "Shop", Status: "archived"}); err == nil {
		t.Error("bad status should be rejected")
	}
	if err := e.UpsertProduct(ctx, &store.Product{ID: "shop", Name: "Shop", Status: store.ProductActive, RiskLevel: "high"}); err != nil {
		t.Fatal(err)
	}
}
