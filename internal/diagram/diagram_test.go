package diagram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/pkg/schema"
)

func threeStepTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:   "tpl-1",
		Name: "Poster to teaser",
		Steps: []schema.StepDefinition{
			{StepNumber: 1, Name: "poster", ModelRecordID: "img-v1", PromptTemplate: "{{user.topic}}"},
			{StepNumber: 2, Name: "edit", ModelRecordID: "edit-v1",
				InputMappings: map[string]string{"image_url": "step1.poster", "mask_url": "step1.poster"}},
			{StepNumber: 3, ModelRecordID: "vid-v1",
				InputMappings: map[string]string{"image_url": "step2.edit", "seed_url": "step1.poster"}},
		},
	}
}

func TestBuild_TemplateOnly(t *testing.T) {
	model, err := Build(threeStepTemplate(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "Poster to teaser", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, "step1", model.Nodes[1].ID)
	assert.Equal(t, "1. poster\nimg-v1", model.Nodes[1].Label)
	assert.Equal(t, "3. step3\nvid-v1", model.Nodes[3].Label)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)

	require.Len(t, model.Edges, 4)
	assert.Equal(t, Edge{From: "__start__", To: "step1"}, model.Edges[0])
	assert.Equal(t, Edge{From: "step1", To: "step2", Label: "image_url, mask_url"}, model.Edges[1])
	// seed_url skips a step and is not drawn on the step2 edge.
	assert.Equal(t, Edge{From: "step2", To: "step3", Label: "image_url"}, model.Edges[2])
	assert.Equal(t, Edge{From: "step3", To: "__end__"}, model.Edges[3])

	for _, n := range model.Nodes {
		assert.Nil(t, n.Status)
	}
}

func TestBuild_NilTemplate(t *testing.T) {
	_, err := Build(nil, nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestBuild_RunningOverlay(t *testing.T) {
	now := time.Now()
	done := now.Add(1500 * time.Millisecond)
	exec := &store.Execution{ID: "exec-1", Status: schema.ExecutionStatusRunning, CurrentStep: 2}
	gens := []*store.Generation{
		{ID: "g1", Status: schema.GenerationStatusCompleted, TokensUsed: 10, WorkflowExecutionID: "exec-1",
			WorkflowStepNumber: 1, CreatedAt: now, CompletedAt: &done},
		{ID: "g2-old", Status: schema.GenerationStatusFailed, WorkflowExecutionID: "exec-1",
			WorkflowStepNumber: 2, CreatedAt: now.Add(time.Second)},
		{ID: "g2", Status: schema.GenerationStatusProcessing, TokensUsed: 25, WorkflowExecutionID: "exec-1",
			WorkflowStepNumber: 2, CreatedAt: now.Add(2 * time.Second)},
		{ID: "other", Status: schema.GenerationStatusCompleted, WorkflowExecutionID: "exec-2",
			WorkflowStepNumber: 3, CreatedAt: now},
	}

	model, err := Build(threeStepTemplate(), exec, gens)
	require.NoError(t, err)

	step1 := model.node("step1").Status
	require.NotNil(t, step1)
	assert.Equal(t, StatusCompleted, step1.Status)
	assert.Equal(t, int64(1500), step1.DurationMs)
	assert.Equal(t, int64(10), step1.Tokens)

	step2 := model.node("step2").Status
	require.NotNil(t, step2)
	assert.Equal(t, "g2", step2.GenerationID)
	assert.Equal(t, StatusProcessing, step2.Status)

	assert.Equal(t, StatusWaiting, model.node("step3").Status.Status)
	assert.Nil(t, model.node("__end__").Status)
}

func TestBuild_FailedOverlay(t *testing.T) {
	exec := &store.Execution{ID: "exec-1", Status: schema.ExecutionStatusFailed,
		ErrorStep: 2, ErrorMessage: "insufficient tokens", TokensUsed: 10}
	gens := []*store.Generation{
		{ID: "g1", Status: schema.GenerationStatusCompleted, WorkflowExecutionID: "exec-1", WorkflowStepNumber: 1},
	}

	model, err := Build(threeStepTemplate(), exec, gens)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, model.node("step2").Status.Status)
	assert.Equal(t, "insufficient tokens", model.node("step2").Status.Error)
	assert.Nil(t, model.node("step3").Status)
	end := model.node("__end__").Status
	require.NotNil(t, end)
	assert.Equal(t, StatusFailed, end.Status)
}

func TestRenderASCII(t *testing.T) {
	done := time.Now()
	exec := &store.Execution{ID: "exec-1", Status: schema.ExecutionStatusRunning}
	gens := []*store.Generation{
		{ID: "g1", Status: schema.GenerationStatusCompleted, TokensUsed: 10, WorkflowExecutionID: "exec-1",
			WorkflowStepNumber: 1, CreatedAt: done.Add(-200 * time.Millisecond), CompletedAt: &done},
	}
	model, err := Build(threeStepTemplate(), exec, gens)
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== Poster to teaser ===")
	assert.Contains(t, out, "│ 1. poster")
	assert.Contains(t, out, "[OK] 10 tok 200ms")
	assert.Contains(t, out, "│ image_url, mask_url")
	assert.Contains(t, out, "[WAIT]")
	assert.Contains(t, out, "▼")
}

func TestRenderMermaid(t *testing.T) {
	exec := &store.Execution{ID: "exec-1", Status: schema.ExecutionStatusCompleted}
	gens := []*store.Generation{
		{ID: "g1", Status: schema.GenerationStatusCompleted, WorkflowExecutionID: "exec-1", WorkflowStepNumber: 1},
	}
	model, err := Build(threeStepTemplate(), exec, gens)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% Poster to teaser")
	assert.Contains(t, out, `step1["1. poster<br/>img-v1"]`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, "step1 -->|image_url, mask_url| step2")
	assert.Contains(t, out, "step3 --> __end__")
	assert.Contains(t, out, "class step1 completed")
	assert.Contains(t, out, "class __end__ completed")
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "say #quot;hi#quot;<br/>there", mermaidEscapeLabel("say \"hi\"\nthere"))
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}

func TestRender(t *testing.T) {
	model, err := Build(threeStepTemplate(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	body, ctype, err := Render(ctx, model, "")
	require.NoError(t, err)
	assert.Equal(t, "text/vnd.mermaid; charset=utf-8", ctype)
	assert.Contains(t, string(body), "graph TD")

	body, ctype, err = Render(ctx, model, FormatASCII)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ctype)
	assert.Contains(t, string(body), "Start")

	_, _, err = Render(ctx, model, "svg")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRenderImage(t *testing.T) {
	exec := &store.Execution{ID: "exec-1", Status: schema.ExecutionStatusRunning}
	model, err := Build(threeStepTemplate(), exec, nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}
