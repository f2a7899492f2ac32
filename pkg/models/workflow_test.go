package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowStage_Order(t *testing.T) {
	assert.Equal(t, 0, StageDataLoaded.Index())
	assert.Equal(t, 4, StageDashboardEnabled.Index())
	assert.Equal(t, -1, WorkflowStage("published").Index())

	assert.Equal(t, WorkflowStage(""), StageDataLoaded.Previous())
	assert.Equal(t, StageETLCompleted, StageSemanticsCompleted.Previous())
	assert.False(t, IsValidWorkflowStage("published"))
}

func TestWorkflowStatus_CurrentAndNext(t *testing.T) {
	var w WorkflowStatus
	assert.Equal(t, WorkflowStage(""), w.CurrentStage())
	assert.Equal(t, StageDataLoaded, w.NextStage())

	w.Set(StageDataLoaded, true)
	w.Set(StageETLCompleted, true)
	assert.Equal(t, StageETLCompleted, w.CurrentStage())
	assert.Equal(t, StageSemanticsCompleted, w.NextStage())

	for _, s := range WorkflowStages {
		w.Set(s, true)
	}
	assert.Equal(t, StageDashboardEnabled, w.CurrentStage())
	assert.Equal(t, WorkflowStage(""), w.NextStage())
}

func TestWorkflowStatus_Clone(t *testing.T) {
	w := WorkflowStatus{
		SparseColumns: []string{"notes"},
		Forced:        map[WorkflowStage]bool{StageETLCompleted: true},
		History:       []StageTransition{{Stage: StageDataLoaded, Action: "advance"}},
	}
	c := w.Clone()
	c.SparseColumns[0] = "other"
	c.Forced[StageQueryEnabled] = true
	c.History[0].Action = "rerun"

	assert.Equal(t, "notes", w.SparseColumns[0])
	assert.Len(t, w.Forced, 1)
	assert.Equal(t, "advance", w.History[0].Action)
	assert.True(t, w.IsSparse("notes"))
	assert.False(t, w.IsSparse("amount"))
}
