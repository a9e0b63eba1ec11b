package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"opsplane/internal/ids"
)

const extCallColumns = `request_id, group_folder, provider, action, access_level,
	params_hmac, params_summary, status, denial_reason, result_summary,
	response_data, task_id, product_id, idempotency_key, duration_ms, created_at`

// InsertExtCall appends one brokered-call audit row.
func (s *Store) InsertExtCall(ctx context.Context, dbtx DBTX, c *ExtCall) error {
	_, err := dbtx.ExecContext(ctx, s.q(`
		INSERT INTO ext_calls (`+extCallColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		c.RequestID, c.GroupFolder, c.Provider, c.Action, c.AccessLevel,
		nullStr(c.ParamsHMAC), nullStr(c.ParamsSummary), c.Status,
		nullStr(c.DenialReason), nullStr(c.ResultSummary), nullStr(c.ResponseData),
		nullStr(c.TaskID), nullStr(c.ProductID), nullStr(c.IdempotencyKey),
		c.DurationMS, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert ext call: %w", err)
	}
	return nil
}

// GetExtCall loads a call by request ID.
func (s *Store) GetExtCall(ctx context.Context, dbtx DBTX, requestID string) (*ExtCall, error) {
	row := dbtx.QueryRowContext(ctx, s.q(`
		SELECT `+extCallColumns+` FROM ext_calls WHERE request_id = ?
	`), requestID)
	return scanExtCall(row.Scan)
}

// UpdateExtCallStatus moves a call through its lifecycle. fromStatuses
// guards the transition; a call already terminal is left untouched and
// ErrNotFound is returned.
func (s *Store) UpdateExtCallStatus(ctx context.Context, dbtx DBTX, requestID, newStatus string, fromStatuses []string, resultSummary, responseData string, durationMS int64) error {
	if len(fromStatuses) == 0 {
		return fmt.Errorf("no source statuses given")
	}
	query := `
		UPDATE ext_calls
		SET status = ?, result_summary = ?, response_data = ?, duration_ms = ?
		WHERE request_id = ? AND status IN (?` // first placeholder
	args := []any{newStatus, nullStr(resultSummary), nullStr(responseData), durationMS, requestID, fromStatuses[0]}
	for _, st := range fromStatuses[1:] {
		query += ", ?"
		args = append(args, st)
	}
	query += ")"

	res, err := dbtx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("update ext call status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingExtCalls returns how many calls for a group are still in
// the pending set {authorized, processing}.
func (s *Store) CountPendingExtCalls(ctx context.Context, dbtx DBTX, group string) (int, error) {
	var n int
	err := dbtx.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM ext_calls
		WHERE group_folder = ? AND status IN (?, ?)
	`), group, ExtAuthorized, ExtProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending ext calls: %w", err)
	}
	return n, nil
}

// FindExecutedByIdempotencyKey returns the most recent executed call with
// the same (key, provider, action), or ErrNotFound.
func (s *Store) FindExecutedByIdempotencyKey(ctx context.Context, dbtx DBTX, key, provider, action string) (*ExtCall, error) {
	row := dbtx.QueryRowContext(ctx, s.q(`
		SELECT `+extCallColumns+` FROM ext_calls
		WHERE idempotency_key = ? AND provider = ? AND action = ? AND status = ?
		ORDER BY id DESC LIMIT 1
	`), key, provider, action, ExtExecuted)
	return scanExtCall(row.Scan)
}

// CountExecutedToday returns executed calls for a provider since the
// start of the current UTC day, for daily-quota enforcement.
func (s *Store) CountExecutedToday(ctx context.Context, provider string, now time.Time) (int, error) {
	dayStart := ids.FormatTime(now.UTC().Truncate(24 * time.Hour))
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM ext_calls
		WHERE provider = ? AND status = ? AND created_at >= ?
	`), provider, ExtExecuted, dayStart).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executed today: %w", err)
	}
	return n, nil
}

// SweepExtCalls deletes terminal-status rows older than maxAge.
// processing rows are preserved regardless of age: they represent
// inflight requests. Returns the number of rows removed.
func (s *Store) SweepExtCalls(ctx context.Context, maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := ids.FormatTime(now.Add(-maxAge))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM ext_calls
		WHERE created_at < ? AND status IN (?, ?, ?, ?)
	`), cutoff, ExtExecuted, ExtDenied, ExtFailed, ExtTimeout)
	if err != nil {
		return 0, fmt.Errorf("sweep ext calls: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanExtCall(scan func(dest ...any) error) (*ExtCall, error) {
	var c ExtCall
	var paramsHMAC, paramsSummary, denialReason, resultSummary sql.NullString
	var responseData, taskID, productID, idempotencyKey sql.NullString
	var durationMS sql.NullInt64

	err := scan(
		&c.RequestID, &c.GroupFolder, &c.Provider, &c.Action, &c.AccessLevel,
		&paramsHMAC, &paramsSummary, &c.Status, &denialReason, &resultSummary,
		&responseData, &taskID, &productID, &idempotencyKey, &durationMS, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ext call: %w", err)
	}

	c.ParamsHMAC = paramsHMAC.String
	c.ParamsSummary = paramsSummary.String
	c.DenialReason = denialReason.String
	c.ResultSummary = resultSummary.String
	c.ResponseData = responseData.String
	c.TaskID = taskID.String
	c.ProductID = productID.String
	c.IdempotencyKey = idempotencyKey.String
	c.DurationMS = durationMS.Int64
	return &c, nil
}
