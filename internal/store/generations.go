package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/genchain/pkg/schema"
)

const generationColumns = `id, user_id, model_record_id, status, prompt, parameters, tokens_used, tokens_refunded,
	provider_task_id, provider_response, storage_path, output_url, output_text, error_message,
	workflow_execution_id, workflow_step_number, parent_generation_id, output_index,
	created_at, updated_at, processing_at, completed_at`

func (s *SQLStore) CreateGeneration(ctx context.Context, gen *Generation) error {
	params, err := marshalJSON(gen.Parameters, "{}")
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	now := time.Now().UTC()
	gen.CreatedAt = timeOrNow(gen.CreatedAt)
	if gen.UpdatedAt.IsZero() {
		gen.UpdatedAt = now
	}
	if gen.Status == "" {
		gen.Status = schema.GenerationStatusPending
	}
	_, err = s.exec(ctx,
		`INSERT INTO generations (`+generationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.UserID, gen.ModelRecordID, string(gen.Status), nullStr(gen.Prompt), params,
		gen.TokensUsed, boolInt(gen.TokensRefunded), nullStr(gen.ProviderTaskID), nullRaw(gen.ProviderResponse),
		nullStr(gen.StoragePath), nullStr(gen.OutputURL), nullStr(gen.OutputText), nullStr(gen.ErrorMessage),
		nullStr(gen.WorkflowExecutionID), nullInt(gen.WorkflowStepNumber), nullStr(gen.ParentGenerationID), gen.OutputIndex,
		gen.CreatedAt, gen.UpdatedAt, nullTime(gen.ProcessingAt), nullTime(gen.CompletedAt),
	)
	if err != nil {
		return storeError("insert generation", err)
	}
	return nil
}

func (s *SQLStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	row := s.queryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	gen, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("generation", id)
	}
	if err != nil {
		return nil, storeError("get generation", err)
	}
	return gen, nil
}

// ListGenerations returns matching generations. Children of a parent are
// ordered by output_index; everything else by creation time.
func (s *SQLStore) ListGenerations(ctx context.Context, filter GenerationFilter) ([]*Generation, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "workflow_execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepNumber > 0 {
		where = append(where, "workflow_step_number = ?")
		args = append(args, filter.StepNumber)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_generation_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.ProviderTaskID != "" {
		where = append(where, "provider_task_id = ?")
		args = append(args, filter.ProviderTaskID)
	}
	if filter.TopLevelOnly {
		where = append(where, "parent_generation_id IS NULL")
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}
	if filter.Refunded != nil {
		where = append(where, "tokens_refunded = ?")
		args = append(args, boolInt(*filter.Refunded))
	}

	query := `SELECT ` + generationColumns + ` FROM generations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.ParentID != "" {
		query += " ORDER BY output_index"
	} else {
		query += " ORDER BY created_at, id"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list generations", err)
	}
	defer rows.Close()

	var out []*Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gen)
	}
	return out, rows.Err()
}

// TransitionGeneration moves a generation to `to` only if its current status
// is one of `from`. It reports whether the row was updated.
func (s *SQLStore) TransitionGeneration(ctx context.Context, id string, from []schema.GenerationStatus, to schema.GenerationStatus, update GenerationUpdate) (bool, error) {
	if len(from) == 0 {
		return false, schema.NewError(schema.ErrCodeInvalidTransition, "transition requires at least one source status")
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC()}

	if update.ProviderTaskID != "" {
		sets = append(sets, "provider_task_id = ?")
		args = append(args, update.ProviderTaskID)
	}
	if len(update.ProviderResponse) > 0 {
		sets = append(sets, "provider_response = ?")
		args = append(args, string(update.ProviderResponse))
	}
	if update.StoragePath != "" {
		sets = append(sets, "storage_path = ?")
		args = append(args, update.StoragePath)
	}
	if update.OutputURL != "" {
		sets = append(sets, "output_url = ?")
		args = append(args, update.OutputURL)
	}
	if update.OutputText != "" {
		sets = append(sets, "output_text = ?")
		args = append(args, update.OutputText)
	}
	if update.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, update.ErrorMessage)
	}
	if update.ProcessingAt != nil {
		sets = append(sets, "processing_at = ?")
		args = append(args, *update.ProcessingAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	query := fmt.Sprintf("UPDATE generations SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), placeholders(len(from)))

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, storeError("transition generation", err)
	}
	return applied(res)
}

// RefundGeneration credits a failed generation's tokens back to its owner.
// The tokens_refunded flag flips 0->1 in the same transaction as the credit,
// so concurrent callers refund at most once. Returns false when the
// generation is not failed or was already refunded.
func (s *SQLStore) RefundGeneration(ctx context.Context, id string, at time.Time) (bool, error) {
	at = timeOrNow(at)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeError("begin refund", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE generations SET tokens_refunded = 1, updated_at = ?
		 WHERE id = ? AND status = ? AND tokens_refunded = 0`),
		at, id, string(schema.GenerationStatusFailed),
	)
	if err != nil {
		return false, storeError("flag refund", err)
	}
	ok, err := applied(res)
	if err != nil || !ok {
		return false, err
	}

	var userID string
	var amount int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT user_id, tokens_used FROM generations WHERE id = ?`), id).
		Scan(&userID, &amount); err != nil {
		return false, storeError("read refund amount", err)
	}

	if amount > 0 {
		if _, err := creditTx(ctx, s, tx, userID, amount, LedgerEntry{
			UserID: userID, GenerationID: id, Reason: LedgerReasonRefund, CreatedAt: at,
		}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, storeError("commit refund", err)
	}
	return true, nil
}

func scanGeneration(row rowScanner) (*Generation, error) {
	gen := &Generation{}
	var (
		status, paramsJSON                             string
		prompt, taskID, response, storagePath, outURL sql.NullString
		errMsg, execID, parentID, outText              sql.NullString
		stepNumber                                     sql.NullInt64
		refunded                                       int
		processingAt, completedAt                      sql.NullTime
	)
	if err := row.Scan(&gen.ID, &gen.UserID, &gen.ModelRecordID, &status, &prompt, &paramsJSON,
		&gen.TokensUsed, &refunded, &taskID, &response, &storagePath, &outURL, &outText, &errMsg,
		&execID, &stepNumber, &parentID, &gen.OutputIndex,
		&gen.CreatedAt, &gen.UpdatedAt, &processingAt, &completedAt); err != nil {
		return nil, err
	}
	gen.Status = schema.GenerationStatus(status)
	gen.Prompt = prompt.String
	gen.TokensRefunded = refunded != 0
	gen.ProviderTaskID = taskID.String
	gen.ProviderResponse = rawOrNil(response)
	gen.StoragePath = storagePath.String
	gen.OutputURL = outURL.String
	gen.OutputText = outText.String
	gen.ErrorMessage = errMsg.String
	gen.WorkflowExecutionID = execID.String
	gen.WorkflowStepNumber = int(stepNumber.Int64)
	gen.ParentGenerationID = parentID.String
	gen.ProcessingAt = timePtr(processingAt)
	gen.CompletedAt = timePtr(completedAt)
	if err := json.Unmarshal([]byte(paramsJSON), &gen.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if gen.Parameters == nil {
		gen.Parameters = schema.Params{}
	}
	return gen, nil
}
