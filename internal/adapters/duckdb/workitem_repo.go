package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/jobpipe/internal/core/domain"
)

const (
	// claimCandidates bounds how many pending rows one ClaimNext call tries
	// before reporting that nothing was claimable.
	claimCandidates = 8

	defaultListLimit = 100
	maxListLimit     = 1000
)

const workItemColumns = `id, item_type, status, sub_task, pipeline_state, parent_item_id,
	retry_count, max_retries, source, url, company_name, company_id,
	normalized_url, normalized_company, payload, priority, result_message, error_details,
	created_at, updated_at, processed_at, completed_at`

// Create validates item, rejects duplicates and inserts it as pending.
// The caller decides the sub-task cursor: nil stores a legacy item.
func (r *Repository) Create(ctx context.Context, item *domain.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.ID == "" {
		item.ID = domain.WorkItemID(uuid.NewString())
	}
	item.NormalizedURL = domain.NormalizeURL(item.URL)
	item.NormalizedCompany = domain.NormalizeCompanyName(item.CompanyName)
	if item.PipelineState == nil {
		item.PipelineState = make(map[string]json.RawMessage)
	}

	now := time.Now().UTC()
	item.Status = domain.ItemStatusPending
	item.RetryCount = 0
	item.CreatedAt = now
	item.UpdatedAt = now
	item.ProcessedAt = nil
	item.CompletedAt = nil

	state, err := json.Marshal(item.PipelineState)
	if err != nil {
		return fmt.Errorf("marshal pipeline state: %w", err)
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := findDuplicate(ctx, tx, item); err != nil {
		return err
	}

	var subTask, parent *string
	if item.SubTask != nil {
		s := string(*item.SubTask)
		subTask = &s
	}
	if item.ParentItemID != nil {
		s := string(*item.ParentItemID)
		parent = &s
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_items (`+workItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		string(item.ID), string(item.Type), string(item.Status), subTask, string(state), parent,
		item.RetryCount, item.MaxRetries, item.Source, item.URL, item.CompanyName, item.CompanyID,
		item.NormalizedURL, item.NormalizedCompany, string(payload), item.Priority, item.ResultMessage, item.ErrorDetails,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return tx.Commit()
}

// findDuplicate rejects item when an item of the same type with the same
// identity is still live or already succeeded. Failed, filtered, skipped and
// cancelled items may be resubmitted.
func findDuplicate(ctx context.Context, tx *sql.Tx, item *domain.WorkItem) error {
	var (
		query string
		key   string
	)
	switch {
	case item.NormalizedURL != "":
		query = `SELECT id FROM work_items WHERE item_type = ? AND normalized_url = ?
			AND status IN ('pending', 'processing', 'success') LIMIT 1`
		key = item.NormalizedURL
	case item.Type == domain.ItemTypeCompany && item.NormalizedCompany != "":
		query = `SELECT id FROM work_items WHERE item_type = ? AND normalized_url = '' AND normalized_company = ?
			AND status IN ('pending', 'processing', 'success') LIMIT 1`
		key = item.NormalizedCompany
	default:
		return nil
	}

	var existing string
	err := tx.QueryRowContext(ctx, query, string(item.Type), key).Scan(&existing)
	switch {
	case isNoRows(err):
		return nil
	case err != nil:
		return fmt.Errorf("dedupe lookup: %w", err)
	}
	return fmt.Errorf("%w: %s %q matches item %s", domain.ErrDuplicateItem, item.Type, key, existing)
}

// ClaimNext moves the oldest pending item to processing with a conditional
// update. Losing the race for a row (zero rows affected, or a DuckDB write
// conflict) moves on to the next candidate.
func (r *Repository) ClaimNext(ctx context.Context, itemType *domain.ItemType) (*domain.WorkItem, error) {
	query := `SELECT id FROM work_items WHERE status = 'pending'`
	args := []any{}
	if itemType != nil {
		query += ` AND item_type = ?`
		args = append(args, string(*itemType))
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, claimCandidates)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		now := time.Now().UTC()
		res, err := r.db.ExecContext(ctx, `
			UPDATE work_items SET status = 'processing', processed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`, now, now, id)
		if err != nil {
			if isConflict(err) {
				continue
			}
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return r.Get(ctx, domain.WorkItemID(id))
		}
	}
	return nil, nil
}

// CommitStep merges output under completed's key and advances or terminates
// the item. It only applies to an item that is still processing.
func (r *Repository) CommitStep(ctx context.Context, id domain.WorkItemID, completed domain.SubTask, output json.RawMessage, outcome domain.StepOutcome) error {
	if outcome.Next == nil && !outcome.Terminal.IsTerminal() {
		return fmt.Errorf("commit %s: outcome has neither a next sub-task nor a terminal status", id)
	}
	if len(output) == 0 {
		output = json.RawMessage("null")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status, rawState string
	err = tx.QueryRowContext(ctx, `SELECT status, pipeline_state FROM work_items WHERE id = ?`, string(id)).Scan(&status, &rawState)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
		}
		return err
	}
	if domain.ItemStatus(status) != domain.ItemStatusProcessing {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotClaimed, id, status)
	}

	state := make(map[string]json.RawMessage)
	if rawState != "" {
		if err := json.Unmarshal([]byte(rawState), &state); err != nil {
			return fmt.Errorf("decode pipeline state of %s: %w", id, err)
		}
	}
	state[string(completed)] = output
	merged, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode pipeline state of %s: %w", id, err)
	}

	var priority sql.NullFloat64
	if outcome.Priority != nil {
		priority = sql.NullFloat64{Float64: *outcome.Priority, Valid: true}
	}

	now := time.Now().UTC()
	if outcome.Next != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items SET pipeline_state = ?, sub_task = ?, updated_at = ?,
				priority = COALESCE(CAST(? AS DOUBLE), priority)
			WHERE id = ? AND status = 'processing'`,
			string(merged), string(*outcome.Next), now, priority, string(id))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items SET pipeline_state = ?, status = ?, result_message = ?, updated_at = ?,
				completed_at = COALESCE(completed_at, ?), priority = COALESCE(CAST(? AS DOUBLE), priority)
			WHERE id = ? AND status = 'processing'`,
			string(merged), string(outcome.Terminal), outcome.Message, now, now, priority, string(id))
	}
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %s changed concurrently", domain.ErrNotClaimed, id)
		}
		return fmt.Errorf("update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %s changed concurrently", domain.ErrNotClaimed, id)
		}
		return err
	}
	return nil
}

// RequeueForRetry spends one retry. Within budget the item returns to pending
// at failed; past it the item fails with retry_count left at its last value.
func (r *Repository) RequeueForRetry(ctx context.Context, id domain.WorkItemID, failed *domain.SubTask, cause error) (*domain.WorkItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		status              string
		subTask             sql.NullString
		retries, maxRetries int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, sub_task, retry_count, max_retries FROM work_items WHERE id = ?`, string(id)).
		Scan(&status, &subTask, &retries, &maxRetries)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
		}
		return nil, err
	}
	if domain.ItemStatus(status) != domain.ItemStatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotClaimed, id, status)
	}

	cursor := domain.SubTask(subTask.String)
	if failed != nil {
		cursor = *failed
	}
	details := domain.FailureDetails(cursor, cause)
	now := time.Now().UTC()

	if retries+1 > maxRetries {
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items SET status = 'failed', error_details = ?, updated_at = ?,
				completed_at = COALESCE(completed_at, ?)
			WHERE id = ? AND status = 'processing'`,
			details, now, now, string(id))
	} else {
		var cursorArg *string
		if subTask.Valid || failed != nil {
			s := string(cursor)
			cursorArg = &s
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items SET status = 'pending', sub_task = ?, retry_count = ?, error_details = ?, updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			cursorArg, retries+1, details, now, string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	return r.Get(ctx, id)
}

// Fail terminates a processing item without touching its retry budget.
func (r *Repository) Fail(ctx context.Context, id domain.WorkItemID, details string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE work_items SET status = 'failed', error_details = ?, updated_at = ?,
			completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status = 'processing'`,
		details, now, now, string(id))
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.transitionError(ctx, id, domain.ErrNotClaimed)
	}
	return nil
}

// Cancel terminates a pending item on operator request.
func (r *Repository) Cancel(ctx context.Context, id domain.WorkItemID) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE work_items SET status = 'cancelled', result_message = 'cancelled by operator', updated_at = ?,
			completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status = 'pending'`,
		now, now, string(id))
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.transitionError(ctx, id, domain.ErrNotPending)
	}
	return nil
}

// transitionError explains why a conditional update matched no row.
func (r *Repository) transitionError(ctx context.Context, id domain.WorkItemID, wrongState error) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM work_items WHERE id = ?`, string(id)).Scan(&status)
	if isNoRows(err) {
		return fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", wrongState, id, status)
}

func (r *Repository) Get(ctx context.Context, id domain.WorkItemID) (*domain.WorkItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, string(id))
	item, err := scanWorkItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
		}
		return nil, err
	}
	return item, nil
}

// List returns items newest first.
func (r *Repository) List(ctx context.Context, filter domain.ListFilter) ([]domain.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "item_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Parent != nil {
		where = append(where, "parent_item_id = ?")
		args = append(args, string(*filter.Parent))
	}

	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.WorkItem{}
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Stats counts items by status.
func (r *Repository) Stats(ctx context.Context) (map[domain.ItemStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.ItemStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[domain.ItemStatus(status)] = int(n)
	}
	return stats, rows.Err()
}

// RequeueStale returns items whose last update in processing predates cutoff
// back to pending at their current sub-task. No retry is spent.
func (r *Repository) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := withConflictRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE work_items SET status = 'pending', updated_at = ?
			WHERE status = 'processing' AND updated_at < ?`,
			time.Now().UTC(), cutoff.UTC())
		if err != nil {
			return err
		}
		n, err = rowsAffected(res)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*domain.WorkItem, error) {
	var (
		w                        domain.WorkItem
		id, itemType, status     string
		subTask, parent          sql.NullString
		rawState, rawPayload     string
		processedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&id, &itemType, &status, &subTask, &rawState, &parent,
		&w.RetryCount, &w.MaxRetries, &w.Source, &w.URL, &w.CompanyName, &w.CompanyID,
		&w.NormalizedURL, &w.NormalizedCompany, &rawPayload, &w.Priority, &w.ResultMessage, &w.ErrorDetails,
		&w.CreatedAt, &w.UpdatedAt, &processedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	w.ID = domain.WorkItemID(id)
	w.Type = domain.ItemType(itemType)
	w.Status = domain.ItemStatus(status)
	if subTask.Valid {
		s := domain.SubTask(subTask.String)
		w.SubTask = &s
	}
	if parent.Valid {
		p := domain.WorkItemID(parent.String)
		w.ParentItemID = &p
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	w.ProcessedAt = timePtr(processedAt)
	w.CompletedAt = timePtr(completedAt)

	w.PipelineState = make(map[string]json.RawMessage)
	if rawState != "" {
		if err := json.Unmarshal([]byte(rawState), &w.PipelineState); err != nil {
			return nil, fmt.Errorf("decode pipeline state of %s: %w", id, err)
		}
	}
	if rawPayload != "" && rawPayload != "null" {
		if err := json.Unmarshal([]byte(rawPayload), &w.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", id, err)
		}
	}
	return &w, nil
}
