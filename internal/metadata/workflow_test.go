package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionFrom_UnmarshalBothForms(t *testing.T) {
	var single, multi Transition
	require.NoError(t, json.Unmarshal([]byte(`{"from":"draft","to":"review"}`), &single))
	require.NoError(t, json.Unmarshal([]byte(`{"from":["draft","review"],"to":"published"}`), &multi))

	assert.Equal(t, TransitionFrom{"draft"}, single.From)
	assert.Equal(t, TransitionFrom{"draft", "review"}, multi.From)

	out, err := json.Marshal(single.From)
	require.NoError(t, err)
	assert.JSONEq(t, `"draft"`, string(out))
}

func TestWorkflow_FindTransition(t *testing.T) {
	w := &Workflow{
		Stages: []string{"draft", "review", "published"},
		Transitions: []Transition{
			{From: TransitionFrom{"draft"}, To: "review"},
			{From: TransitionFrom{"review"}, To: "published", Roles: []string{"editor"}},
			{From: TransitionFrom{"*"}, To: "draft"},
		},
	}
	require.NoError(t, w.prepare())

	assert.Equal(t, "draft", w.Initial)
	assert.NotNil(t, w.FindTransition("draft", "review"))
	assert.Nil(t, w.FindTransition("draft", "published"))
	assert.NotNil(t, w.FindTransition("published", "draft"))
}

func TestWorkflow_PrepareRejectsUnknownStages(t *testing.T) {
	w := &Workflow{
		Stages:      []string{"draft"},
		Transitions: []Transition{{From: TransitionFrom{"draft"}, To: "live"}},
	}
	assert.Error(t, w.prepare())

	w = &Workflow{Stages: []string{"draft"}, Initial: "live"}
	assert.Error(t, w.prepare())
}

func TestWorkflow_PrepareCompilesGuards(t *testing.T) {
	w := &Workflow{
		Stages: []string{"draft", "published"},
		Transitions: []Transition{
			{From: TransitionFrom{"draft"}, To: "published", Guard: "record.title != ''"},
		},
	}
	require.NoError(t, w.prepare())
	assert.NotNil(t, w.Transitions[0].CompiledGuard)

	w.Transitions[0].CompiledGuard = nil
	w.Transitions[0].Guard = "record.title !=="
	assert.Error(t, w.prepare())
}
