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

// StoreTemplate inserts a template. Templates are immutable once stored;
// re-storing an existing ID returns a CONFLICT error.
func (s *SQLStore) StoreTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	def, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template definition: %w", err)
	}
	res, err := s.exec(ctx,
		`INSERT INTO workflow_templates (id, name, description, definition, user_input_schema, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		tpl.ID, tpl.Name, nullStr(tpl.Description), string(def), nullRaw(tpl.UserInputSchema), time.Now().UTC(),
	)
	if err != nil {
		return storeError("insert template", err)
	}
	ok, err := applied(res)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "template %q already exists", tpl.ID)
	}
	return nil
}

func (s *SQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	var defJSON string
	err := s.queryRow(ctx, `SELECT definition FROM workflow_templates WHERE id = ?`, id).Scan(&defJSON)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, storeError("get template", err)
	}
	tpl := &schema.WorkflowTemplate{}
	if err := json.Unmarshal([]byte(defJSON), tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	return tpl, nil
}

func (s *SQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	var where []string
	var args []any
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT definition FROM workflow_templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list templates", err)
	}
	defer rows.Close()

	var templates []*schema.WorkflowTemplate
	for rows.Next() {
		var defJSON string
		if err := rows.Scan(&defJSON); err != nil {
			return nil, err
		}
		tpl := &schema.WorkflowTemplate{}
		if err := json.Unmarshal([]byte(defJSON), tpl); err != nil {
			return nil, fmt.Errorf("unmarshal template definition: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}
