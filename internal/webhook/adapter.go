package webhook

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/genchain/internal/expressions"
	"github.com/rendis/genchain/internal/registry"
)

// Outcome is the normalized state a callback reports.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeProgress is an intermediate notification; nothing is recorded.
	OutcomeProgress Outcome = "progress"
)

// Adapter maps one provider's callback body onto a Result with jq queries.
// Status values listed in Succeeded or Failed decide the outcome; anything
// else is progress.
type Adapter struct {
	GenerationID string   `mapstructure:"generation_id" yaml:"generation_id"`
	TaskID       string   `mapstructure:"task_id" yaml:"task_id"`
	Status       string   `mapstructure:"status" yaml:"status"`
	Outputs      string   `mapstructure:"outputs" yaml:"outputs"`
	Text         string   `mapstructure:"text" yaml:"text"`
	Error        string   `mapstructure:"error" yaml:"error"`
	Succeeded    []string `mapstructure:"succeeded" yaml:"succeeded"`
	Failed       []string `mapstructure:"failed" yaml:"failed"`
}

// Result is what an adapter extracted.
type Result struct {
	GenerationID string
	TaskID       string
	Status       string
	Outcome      Outcome
	Outputs      []string
	Text         string
	Error        string
}

// GenericProvider is the adapter used for providers without their own.
const GenericProvider = "generic"

// DefaultAdapters returns the built-in adapters.
func DefaultAdapters() map[string]Adapter {
	return map[string]Adapter{
		registry.ProviderKieAI: {
			TaskID:    `.data.taskId`,
			Status:    `.data.state // (if .code == 200 then "success" else "fail" end)`,
			Outputs:   `(.data.resultJson // "{}" | fromjson | .resultUrls // []) + (.data.info.resultUrls // []) | .[]`,
			Error:     `.data.failMsg // .msg`,
			Succeeded: []string{"success"},
			Failed:    []string{"fail", "failed"},
		},
		registry.ProviderRunware: {
			TaskID:    `(.data // .errors)[0].taskUUID`,
			Status:    `if (.errors // []) | length > 0 then "error" else "success" end`,
			Outputs:   `.data[]? | (.imageURL // .videoURL // .audioURL)`,
			Text:      `.data[0].text`,
			Error:     `.errors[0].message`,
			Succeeded: []string{"success"},
			Failed:    []string{"error"},
		},
		GenericProvider: {
			GenerationID: `.generation_id`,
			TaskID:       `.task_id`,
			Status:       `.status`,
			Outputs:      `.outputs[]?`,
			Text:         `.text`,
			Error:        `.error`,
			Succeeded:    []string{"completed", "succeeded", "success"},
			Failed:       []string{"failed", "error"},
		},
	}
}

// Compile checks every query in a.
func (a Adapter) Compile(jq *expressions.GoJQEngine) error {
	for name, q := range a.queries() {
		if q == "" {
			continue
		}
		if err := jq.Compile(q); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (a Adapter) queries() map[string]string {
	return map[string]string{
		"generation_id": a.GenerationID,
		"task_id":       a.TaskID,
		"status":        a.Status,
		"outputs":       a.Outputs,
		"text":          a.Text,
		"error":         a.Error,
	}
}

// Extract runs the adapter against a decoded callback body.
func (a Adapter) Extract(ctx context.Context, jq *expressions.GoJQEngine, body any) (*Result, error) {
	var r Result
	var err error
	if r.GenerationID, err = first(ctx, jq, a.GenerationID, body); err != nil {
		return nil, err
	}
	if r.TaskID, err = first(ctx, jq, a.TaskID, body); err != nil {
		return nil, err
	}
	if r.Status, err = first(ctx, jq, a.Status, body); err != nil {
		return nil, err
	}
	if r.Text, err = first(ctx, jq, a.Text, body); err != nil {
		return nil, err
	}
	if r.Error, err = first(ctx, jq, a.Error, body); err != nil {
		return nil, err
	}
	if a.Outputs != "" {
		values, err := jq.Query(ctx, a.Outputs, body)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if s := text(v); s != "" {
				r.Outputs = append(r.Outputs, s)
			}
		}
	}

	status := strings.ToLower(r.Status)
	switch {
	case slices.Contains(a.Succeeded, status):
		r.Outcome = OutcomeCompleted
	case slices.Contains(a.Failed, status):
		r.Outcome = OutcomeFailed
	default:
		r.Outcome = OutcomeProgress
	}
	return &r, nil
}

func first(ctx context.Context, jq *expressions.GoJQEngine, query string, body any) (string, error) {
	if query == "" {
		return "", nil
	}
	values, err := jq.Query(ctx, query, body)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	return text(values[0]), nil
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
