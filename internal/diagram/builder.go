package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build converts a template into a DiagramModel. When exec is non-nil, its
// generations overlay each step with the latest attempt's status.
func Build(tpl *schema.WorkflowTemplate, exec *store.Execution, gens []*store.Generation) (*DiagramModel, error) {
	if tpl == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: nil template")
	}

	model := &DiagramModel{Title: titleFor(tpl)}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		model.Nodes = append(model.Nodes, &Node{
			ID:    schema.StepKey(step.StepNumber),
			Label: stepLabel(step),
			Model: step.ModelRecordID,
			Kind:  NodeKindStep,
		})
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	prev := startID
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		id := schema.StepKey(step.StepNumber)
		model.Edges = append(model.Edges, Edge{From: prev, To: id, Label: mappedFrom(step, prev)})
		prev = id
	}
	model.Edges = append(model.Edges, Edge{From: prev, To: endID})

	if exec != nil {
		overlay(model, tpl, exec, gens)
	}
	return model, nil
}

func titleFor(tpl *schema.WorkflowTemplate) string {
	if tpl.Name != "" {
		return tpl.Name
	}
	return tpl.ID
}

func stepLabel(step *schema.StepDefinition) string {
	name := step.Name
	if name == "" {
		name = schema.StepKey(step.StepNumber)
	}
	return fmt.Sprintf("%d. %s\n%s", step.StepNumber, name, step.ModelRecordID)
}

// mappedFrom lists the parameters a step pulls from the previous step.
func mappedFrom(step *schema.StepDefinition, prevID string) string {
	if len(step.InputMappings) == 0 {
		return ""
	}
	var names []string
	for param, src := range step.InputMappings {
		if strings.HasPrefix(src, prevID+".") {
			names = append(names, param)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func overlay(model *DiagramModel, tpl *schema.WorkflowTemplate, exec *store.Execution, gens []*store.Generation) {
	latest := make(map[int]*store.Generation)
	for _, g := range gens {
		if !g.InWorkflow() || g.WorkflowExecutionID != exec.ID {
			continue
		}
		if cur, ok := latest[g.WorkflowStepNumber]; !ok || g.CreatedAt.After(cur.CreatedAt) {
			latest[g.WorkflowStepNumber] = g
		}
	}

	for _, step := range tpl.Steps {
		node := model.node(schema.StepKey(step.StepNumber))
		if node == nil {
			continue
		}
		if g, ok := latest[step.StepNumber]; ok {
			node.Status = &StatusOverlay{
				Status:       string(g.Status),
				GenerationID: g.ID,
				Tokens:       g.TokensUsed,
				DurationMs:   durationMs(g),
				Error:        g.ErrorMessage,
			}
			continue
		}
		switch {
		case exec.Status == schema.ExecutionStatusFailed && exec.ErrorStep == step.StepNumber:
			node.Status = &StatusOverlay{Status: StatusFailed, Error: exec.ErrorMessage}
		case exec.Status == schema.ExecutionStatusRunning:
			node.Status = &StatusOverlay{Status: StatusWaiting}
		}
	}

	if exec.Status.IsTerminal() {
		model.node(endID).Status = &StatusOverlay{Status: string(exec.Status), Tokens: exec.TokensUsed, Error: exec.ErrorMessage}
	}
}

func durationMs(g *store.Generation) int64 {
	if g.CompletedAt == nil {
		return 0
	}
	return g.CompletedAt.Sub(g.CreatedAt).Milliseconds()
}
