package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertTopic creates a chat topic.
func (s *Store) InsertTopic(ctx context.Context, dbtx DBTX, t *Topic) error {
	_, err := dbtx.ExecContext(ctx, s.q(`
		INSERT INTO topics (id, group_folder, title, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
	`), t.ID, t.GroupFolder, t.Title, t.Status, t.CreatedAt, t.LastActivity)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert topic: %w", err)
	}
	return nil
}

// ListTopics returns topics for a group, most recently active first.
func (s *Store) ListTopics(ctx context.Context, group string) ([]*Topic, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, group_folder, title, status, created_at, last_activity
		FROM topics WHERE group_folder = ?
		ORDER BY last_activity DESC
	`), group)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var topics []*Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.Title, &t.Status, &t.CreatedAt, &t.LastActivity); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, &t)
	}
	return topics, rows.Err()
}

// TouchTopic refreshes a topic's last_activity stamp.
func (s *Store) TouchTopic(ctx context.Context, dbtx DBTX, topicID, at string) error {
	_, err := dbtx.ExecContext(ctx, s.q(`
		UPDATE topics SET last_activity = ? WHERE id = ?
	`), at, topicID)
	if err != nil {
		return fmt.Errorf("touch topic: %w", err)
	}
	return nil
}

// InsertMessage appends a chat message.
func (s *Store) InsertMessage(ctx context.Context, dbtx DBTX, m *Message) error {
	res, err := dbtx.ExecContext(ctx, s.q(`
		INSERT INTO messages (topic_id, group_folder, sender, text, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`), nullStr(m.TopicID), m.GroupFolder, m.Sender, m.Text, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// MessageQueryOptions filters ListMessages.
type MessageQueryOptions struct {
	Before string // exclusive upper bound on timestamp
	Limit  int
}

// ListMessages returns messages ordered ascending by timestamp.
func (s *Store) ListMessages(ctx context.Context, opts MessageQueryOptions) ([]*Message, error) {
	query := `
		SELECT id, topic_id, group_folder, sender, text, timestamp
		FROM messages WHERE 1=1`
	var args []any

	if opts.Before != "" {
		query += " AND timestamp < ?"
		args = append(args, opts.Before)
	}
	query += " ORDER BY timestamp ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var topicID sql.NullString
		if err := rows.Scan(&m.ID, &topicID, &m.GroupFolder, &m.Sender, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TopicID = topicID.String
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
