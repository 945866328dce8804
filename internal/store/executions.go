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

const executionColumns = `id, template_id, user_id, user_input, current_step, total_steps, step_outputs,
	tokens_used, status, final_output_url, error_message, error_step, created_at, updated_at, completed_at`

func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := marshalJSON(exec.UserInput, "{}")
	if err != nil {
		return fmt.Errorf("marshal user_input: %w", err)
	}
	outputs, err := marshalJSON(exec.StepOutputs, "{}")
	if err != nil {
		return fmt.Errorf("marshal step_outputs: %w", err)
	}
	now := time.Now().UTC()
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = now
	}
	_, err = s.exec(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TemplateID, exec.UserID, input, exec.CurrentStep, exec.TotalSteps, outputs,
		exec.TokensUsed, string(exec.Status), nullStr(exec.FinalOutputURL), nullStr(exec.ErrorMessage),
		nullInt(exec.ErrorStep), exec.CreatedAt, exec.UpdatedAt, nullTime(exec.CompletedAt),
	)
	if err != nil {
		return storeError("insert execution", err)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.queryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("get execution", err)
	}
	return exec, nil
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// AdvanceExecution records a completed step and moves current_step forward.
// It applies only while the execution is running and still at expectedStep,
// so a redelivered completion for an already-advanced step is a no-op.
func (s *SQLStore) AdvanceExecution(ctx context.Context, id string, expectedStep int, adv ExecutionAdvance) (bool, error) {
	if adv.NextStep <= expectedStep {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s: next step %d must follow step %d", id, adv.NextStep, expectedStep)
	}
	outputs, err := marshalJSON(adv.StepOutputs, "{}")
	if err != nil {
		return false, fmt.Errorf("marshal step_outputs: %w", err)
	}
	res, err := s.exec(ctx,
		`UPDATE workflow_executions
		 SET current_step = ?, step_outputs = ?, tokens_used = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND current_step = ? AND ? <= total_steps`,
		adv.NextStep, outputs, adv.TokensUsed, time.Now().UTC(),
		id, string(schema.ExecutionStatusRunning), expectedStep, adv.NextStep,
	)
	if err != nil {
		return false, storeError("advance execution", err)
	}
	return applied(res)
}

// CompleteExecution finalizes a running execution that is at expectedStep.
func (s *SQLStore) CompleteExecution(ctx context.Context, id string, expectedStep int, done ExecutionCompletion) (bool, error) {
	outputs, err := marshalJSON(done.StepOutputs, "{}")
	if err != nil {
		return false, fmt.Errorf("marshal step_outputs: %w", err)
	}
	at := timeOrNow(done.CompletedAt)
	res, err := s.exec(ctx,
		`UPDATE workflow_executions
		 SET status = ?, step_outputs = ?, tokens_used = ?, final_output_url = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND current_step = ?`,
		string(schema.ExecutionStatusCompleted), outputs, done.TokensUsed, nullStr(done.FinalOutputURL), at, at,
		id, string(schema.ExecutionStatusRunning), expectedStep,
	)
	if err != nil {
		return false, storeError("complete execution", err)
	}
	return applied(res)
}

// FailExecution marks a running execution failed. Terminal executions are untouched.
func (s *SQLStore) FailExecution(ctx context.Context, id string, failure ExecutionFailure) (bool, error) {
	at := timeOrNow(failure.CompletedAt)
	res, err := s.exec(ctx,
		`UPDATE workflow_executions
		 SET status = ?, error_message = ?, error_step = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(schema.ExecutionStatusFailed), failure.ErrorMessage, nullInt(failure.ErrorStep), at, at,
		id, string(schema.ExecutionStatusRunning),
	)
	if err != nil {
		return false, storeError("fail execution", err)
	}
	return applied(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		inputJSON, outputsJSON string
		status                 string
		finalURL, errMsg       sql.NullString
		errStep                sql.NullInt64
		completedAt            sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.TemplateID, &exec.UserID, &inputJSON, &exec.CurrentStep, &exec.TotalSteps,
		&outputsJSON, &exec.TokensUsed, &status, &finalURL, &errMsg, &errStep,
		&exec.CreatedAt, &exec.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.FinalOutputURL = finalURL.String
	exec.ErrorMessage = errMsg.String
	exec.ErrorStep = int(errStep.Int64)
	exec.CompletedAt = timePtr(completedAt)
	if err := json.Unmarshal([]byte(inputJSON), &exec.UserInput); err != nil {
		return nil, fmt.Errorf("unmarshal user_input: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &exec.StepOutputs); err != nil {
		return nil, fmt.Errorf("unmarshal step_outputs: %w", err)
	}
	if exec.UserInput == nil {
		exec.UserInput = schema.Params{}
	}
	if exec.StepOutputs == nil {
		exec.StepOutputs = schema.StepOutputs{}
	}
	return exec, nil
}
