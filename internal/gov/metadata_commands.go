package gov

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"opsplane/internal/events"
	"opsplane/internal/ids"
	"opsplane/internal/metrics"
	"opsplane/internal/notify"
	"opsplane/internal/store"
)

const (
	maxCommentRaw   = 4000
	maxDodItems     = 50
	maxDodTextLen   = 200
	minDodTextLen   = 4
	maxEvidenceLink = 2000
	maxEvidenceNote = 1000
	maxBulkLinks    = 20
	maxMarkReadIDs  = 100
)

var (
	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
	dodIDPattern   = regexp.MustCompile(`^dod-[a-z0-9]+$`)
)

// sanitizeText trims and strips HTML-looking tags from user text.
func sanitizeText(text string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(text, ""))
}

// CommentRequest carries a Comment command.
type CommentRequest struct {
	TaskID string
	Text   string
	Actor  string
}

// CommentResult is the Comment outcome.
type CommentResult struct {
	TaskID   string   `json:"taskId"`
	Mentions []string `json:"mentions"`
	Version  int      `json:"version"`
}

// Comment appends a sanitized comment activity and fans out one unread
// notification per distinct known @group mention.
func (e *Engine) Comment(ctx context.Context, req CommentRequest) (*CommentResult, error) {
	if len(req.Text) > maxCommentRaw {
		return nil, errValidation("text exceeds %d characters", maxCommentRaw)
	}
	text := sanitizeText(req.Text)
	if text == "" {
		return nil, errValidation("text is empty after sanitization")
	}
	actor := normalizeActor(req.Actor)
	mentions := notify.ParseMentions(text, e.groups)
	snippet := notify.Snippet(text)

	var result *CommentResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionCommentAdded,
			Actor:     actor,
			Reason:    text,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		for _, group := range mentions {
			if err := e.store.InsertNotification(ctx, tx, &store.Notification{
				TaskID:      t.ID,
				TargetGroup: group,
				Actor:       actor,
				Snippet:     snippet,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}
		result = &CommentResult{TaskID: t.ID, Mentions: mentions, Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("comment", outcome(err)).Inc()
		return nil, err
	}

	for _, group := range mentions {
		e.bus.Publish(events.TopicNotificationCreated, map[string]any{
			"task_id":      req.TaskID,
			"target_group": group,
			"actor":        actor,
			"snippet":      snippet,
		})
	}
	metrics.CommandsTotal.WithLabelValues("comment", "applied").Inc()
	return result, nil
}

// DodItemInput is one incoming checklist item. A missing or malformed ID
// gets a freshly minted one.
type DodItemInput struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// DodUpdateRequest carries a DodUpdate command.
type DodUpdateRequest struct {
	TaskID string
	Items  []DodItemInput
	Actor  string
}

// DodUpdateResult is the DodUpdate outcome.
type DodUpdateResult struct {
	TaskID  string          `json:"taskId"`
	Items   []store.DodItem `json:"items"`
	Version int             `json:"version"`
}

// DodUpdate rewrites the Definition-of-Done checklist. Stable dod- IDs
// are preserved so reorders and renames keep item identity.
func (e *Engine) DodUpdate(ctx context.Context, req DodUpdateRequest) (*DodUpdateResult, error) {
	if len(req.Items) > maxDodItems {
		return nil, errValidation("at most %d items per checklist", maxDodItems)
	}

	items := make([]store.DodItem, 0, len(req.Items))
	texts := make([]string, 0, len(req.Items))
	done := 0
	for i, in := range req.Items {
		text := strings.TrimSpace(in.Text)
		if len(text) < minDodTextLen || len(text) > maxDodTextLen {
			return nil, errValidation("item %d text must be %d..%d characters after trim", i, minDodTextLen, maxDodTextLen)
		}
		id := in.ID
		if !dodIDPattern.MatchString(id) {
			id = ids.NewDodItemID()
		}
		items = append(items, store.DodItem{ID: id, Text: text, Done: in.Done})
		texts = append(texts, text)
		if in.Done {
			done++
		}
	}

	digest := sha256.Sum256([]byte(strings.Join(texts, "\n")))
	reason := fmt.Sprintf("%d/%d h:%s", done, len(items), hex.EncodeToString(digest[:])[:8])
	actor := normalizeActor(req.Actor)

	var result *DodUpdateResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		t.Metadata.DodStatus = items
		t.Metadata.DodChecklist = texts
		if err := checkMetadataSize(t.Metadata); err != nil {
			return err
		}
		now := e.timestamp()
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionDodUpdated,
			Actor:     actor,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		result = &DodUpdateResult{TaskID: t.ID, Items: items, Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("dod", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("dod", "applied").Inc()
	return result, nil
}

// validEvidenceLink checks shape and length of an evidence URL.
func validEvidenceLink(link string) error {
	if link == "" {
		return errValidation("link must not be empty")
	}
	if len(link) > maxEvidenceLink {
		return errValidation("link exceeds %d characters", maxEvidenceLink)
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errValidation("link must be an http(s) URL")
	}
	return nil
}

// EvidenceRequest carries an Evidence command.
type EvidenceRequest struct {
	TaskID string
	Link   string
	Note   string
	Actor  string
}

// EvidenceResult reports the evidence count after an append.
type EvidenceResult struct {
	TaskID        string `json:"taskId"`
	EvidenceCount int    `json:"evidenceCount"`
	Version       int    `json:"version"`
}

// Evidence appends one evidence link to the task.
func (e *Engine) Evidence(ctx context.Context, req EvidenceRequest) (*EvidenceResult, error) {
	if err := validEvidenceLink(req.Link); err != nil {
		return nil, err
	}
	if len(req.Note) > maxEvidenceNote {
		return nil, errValidation("note exceeds %d characters", maxEvidenceNote)
	}
	actor := normalizeActor(req.Actor)

	var result *EvidenceResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		t.Metadata.Evidence = append(t.Metadata.Evidence, store.EvidenceEntry{
			Link:    req.Link,
			Note:    req.Note,
			AddedAt: now,
		})
		if err := checkMetadataSize(t.Metadata); err != nil {
			return err
		}
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		reason := req.Link
		if req.Note != "" {
			reason += " note: " + req.Note
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionEvidenceAdded,
			Actor:     actor,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		result = &EvidenceResult{TaskID: t.ID, EvidenceCount: len(t.Metadata.Evidence), Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("evidence", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("evidence", "applied").Inc()
	return result, nil
}

// EvidenceBulkRequest carries an EvidenceBulk command.
type EvidenceBulkRequest struct {
	TaskID string
	Links  []string
	Note   string
	Actor  string
}

// EvidenceBulk atomically appends 1..20 evidence links sharing one
// addedAt stamp. The audit reason carries a count, never raw URLs.
func (e *Engine) EvidenceBulk(ctx context.Context, req EvidenceBulkRequest) (*EvidenceResult, error) {
	if len(req.Links) == 0 {
		return nil, errValidation("links must be a non-empty array")
	}
	if len(req.Links) > maxBulkLinks {
		return nil, errValidation("at most %d links per bulk request", maxBulkLinks)
	}
	for _, link := range req.Links {
		if err := validEvidenceLink(link); err != nil {
			return nil, err
		}
	}
	if len(req.Note) > maxEvidenceNote {
		return nil, errValidation("note exceeds %d characters", maxEvidenceNote)
	}
	actor := normalizeActor(req.Actor)

	var result *EvidenceResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		for _, link := range req.Links {
			t.Metadata.Evidence = append(t.Metadata.Evidence, store.EvidenceEntry{
				Link:    link,
				Note:    req.Note,
				AddedAt: now,
			})
		}
		if err := checkMetadataSize(t.Metadata); err != nil {
			return err
		}
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		reason := fmt.Sprintf("%d evidence links added", len(req.Links))
		if req.Note != "" {
			reason += " note: " + req.Note
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionEvidenceBulk,
			Actor:     actor,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		result = &EvidenceResult{TaskID: t.ID, EvidenceCount: len(t.Metadata.Evidence), Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("evidence_bulk", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("evidence_bulk", "applied").Inc()
	return result, nil
}

// DocsUpdatedRequest carries a DocsUpdated command.
type DocsUpdatedRequest struct {
	TaskID      string
	DocsUpdated bool
	Actor       string
}

// DocsUpdated sets the docsUpdated metadata flag.
func (e *Engine) DocsUpdated(ctx context.Context, req DocsUpdatedRequest) (*TransitionResult, error) {
	actor := normalizeActor(req.Actor)

	var result *TransitionResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		v := req.DocsUpdated
		t.Metadata.DocsUpdated = &v
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, tx, t, t.Version); err != nil {
			return err
		}
		if err := e.store.AppendActivity(ctx, tx, &store.Activity{
			TaskID:    t.ID,
			Action:    store.ActionDocsUpdatedSet,
			Actor:     actor,
			Reason:    strconv.FormatBool(req.DocsUpdated),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		result = &TransitionResult{TaskID: t.ID, State: t.State, Version: t.Version}
		return nil
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("docs_updated", outcome(err)).Inc()
		return nil, err
	}
	metrics.CommandsTotal.WithLabelValues("docs_updated", "applied").Inc()
	return result, nil
}

// MarkNotificationsRead flips notifications to read and returns how many
// actually changed.
func (e *Engine) MarkNotificationsRead(ctx context.Context, idList []int64) (int64, error) {
	if len(idList) == 0 {
		return 0, errValidation("ids must be a non-empty array")
	}
	if len(idList) > maxMarkReadIDs {
		return 0, errValidation("at most %d ids per request", maxMarkReadIDs)
	}

	var marked int64
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := e.store.MarkNotificationsRead(ctx, tx, idList)
		if err != nil {
			return err
		}
		marked = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// PostMessageRequest carries a chat message.
type PostMessageRequest struct {
	TopicID     string
	GroupFolder string
	Sender      string
	Text        string
}

// PostMessage appends a cockpit chat message, refreshing its topic's
// last-activity stamp when one is referenced.
func (e *Engine) PostMessage(ctx context.Context, req PostMessageRequest) (*store.Message, error) {
	if !e.groups.Known(req.GroupFolder) {
		return nil, errValidation("group %q is not a registered group", req.GroupFolder)
	}
	if len(req.Text) > maxCommentRaw {
		return nil, errValidation("text exceeds %d characters", maxCommentRaw)
	}
	text := sanitizeText(req.Text)
	if text == "" {
		return nil, errValidation("text is empty after sanitization")
	}
	sender := normalizeActor(req.Sender)

	msg := &store.Message{
		TopicID:     req.TopicID,
		GroupFolder: req.GroupFolder,
		Sender:      sender,
		Text:        text,
		Timestamp:   e.timestamp(),
	}
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if req.TopicID != "" {
			return e.store.TouchTopic(ctx, tx, req.TopicID, msg.Timestamp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.TopicChatMessage, map[string]any{
		"group_folder": msg.GroupFolder,
		"sender":       msg.Sender,
		"text":         msg.Text,
	})
	return msg, nil
}

// CreateTopic opens a chat topic for a group.
func (e *Engine) CreateTopic(ctx context.Context, group, title string) (*store.Topic, error) {
	if !e.groups.Known(group) {
		return nil, errValidation("group %q is not a registered group", group)
	}
	title = strings.TrimSpace(title)
	if title == "" || len(title) > 140 {
		return nil, errValidation("title must be 1..140 characters")
	}

	now := e.timestamp()
	topic := &store.Topic{
		ID:           ids.NewTopicID(),
		GroupFolder:  group,
		Title:        title,
		Status:       "active",
		CreatedAt:    now,
		LastActivity: now,
	}
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.InsertTopic(ctx, tx, topic)
	})
	if err != nil {
		return nil, err
	}
	return topic, nil
}

// Product statuses and risk levels accepted by UpsertProduct.
var (
	productStatuses = map[string]bool{store.ProductActive: true, store.ProductPaused: true, store.ProductKilled: true}
	productRisks    = map[string]bool{"low": true, "normal": true, "high": true}
)

// UpsertProduct registers or updates a product. Admin-only at the
// surface; created_at is preserved on update.
func (e *Engine) UpsertProduct(ctx context.Context, p *store.Product) error {
	if strings.TrimSpace(p.ID) == "" {
		return errValidation("product id must not be empty")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errValidation("product name must not be empty")
	}
	if p.Status != "" && !productStatuses[p.Status] {
		return errValidation("status %q is not active, paused, or killed", p.Status)
	}
	if p.RiskLevel != "" && !productRisks[p.RiskLevel] {
		return errValidation("risk_level %q is not low, normal, or high", p.RiskLevel)
	}
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.UpsertProduct(ctx, tx, p)
	})
}
