package models

import "time"

// WorkflowStage is one step of a data source's readiness workflow.
type WorkflowStage string

const (
	StageDataLoaded         WorkflowStage = "data_loaded"
	StageETLCompleted       WorkflowStage = "etl_completed"
	StageSemanticsCompleted WorkflowStage = "semantics_completed"
	StageQueryEnabled       WorkflowStage = "query_enabled"
	StageDashboardEnabled   WorkflowStage = "dashboard_enabled"
)

// WorkflowStages is the fixed stage order.
var WorkflowStages = []WorkflowStage{
	StageDataLoaded,
	StageETLCompleted,
	StageSemanticsCompleted,
	StageQueryEnabled,
	StageDashboardEnabled,
}

// Index returns the stage position, or -1 for an unknown stage.
func (s WorkflowStage) Index() int {
	for i, v := range WorkflowStages {
		if v == s {
			return i
		}
	}
	return -1
}

// IsValidWorkflowStage checks if the given stage is known.
func IsValidWorkflowStage(s WorkflowStage) bool {
	return s.Index() >= 0
}

// Previous returns the stage that must be complete before s, or "" for the first stage.
func (s WorkflowStage) Previous() WorkflowStage {
	i := s.Index()
	if i <= 0 {
		return ""
	}
	return WorkflowStages[i-1]
}

// StageTransition is one entry of the workflow audit trail.
type StageTransition struct {
	Stage  WorkflowStage `json:"stage"`
	Action string        `json:"action"` // "advance" or "rerun"
	At     time.Time     `json:"at"`
	Forced bool          `json:"forced,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// WorkflowStatus tracks which stages a data source has completed.
type WorkflowStatus struct {
	DataLoaded         bool `json:"data_loaded"`
	ETLCompleted       bool `json:"etl_completed"`
	SemanticsCompleted bool `json:"semantics_completed"`
	QueryEnabled       bool `json:"query_enabled"`
	DashboardEnabled   bool `json:"dashboard_enabled"`

	// ETLOutputTable is the latest operation output built from this source.
	ETLOutputTable string `json:"etl_output_table,omitempty"`
	// SparseColumns are exempt from the null-rate gate.
	SparseColumns []string               `json:"sparse_columns,omitempty"`
	Forced        map[WorkflowStage]bool `json:"forced,omitempty"`
	History       []StageTransition      `json:"history,omitempty"`
}

// Completed reports whether stage is set.
func (w *WorkflowStatus) Completed(stage WorkflowStage) bool {
	switch stage {
	case StageDataLoaded:
		return w.DataLoaded
	case StageETLCompleted:
		return w.ETLCompleted
	case StageSemanticsCompleted:
		return w.SemanticsCompleted
	case StageQueryEnabled:
		return w.QueryEnabled
	case StageDashboardEnabled:
		return w.DashboardEnabled
	}
	return false
}

// Set marks stage complete or incomplete.
func (w *WorkflowStatus) Set(stage WorkflowStage, done bool) {
	switch stage {
	case StageDataLoaded:
		w.DataLoaded = done
	case StageETLCompleted:
		w.ETLCompleted = done
	case StageSemanticsCompleted:
		w.SemanticsCompleted = done
	case StageQueryEnabled:
		w.QueryEnabled = done
	case StageDashboardEnabled:
		w.DashboardEnabled = done
	}
}

// CurrentStage returns the furthest completed stage, or "" if none.
func (w *WorkflowStatus) CurrentStage() WorkflowStage {
	var current WorkflowStage
	for _, s := range WorkflowStages {
		if !w.Completed(s) {
			break
		}
		current = s
	}
	return current
}

// NextStage returns the first incomplete stage, or "" when all are complete.
func (w *WorkflowStatus) NextStage() WorkflowStage {
	for _, s := range WorkflowStages {
		if !w.Completed(s) {
			return s
		}
	}
	return ""
}

// IsSparse reports whether column is exempt from the null-rate gate.
func (w *WorkflowStatus) IsSparse(column string) bool {
	for _, c := range w.SparseColumns {
		if c == column {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (w WorkflowStatus) Clone() WorkflowStatus {
	out := w
	if w.SparseColumns != nil {
		out.SparseColumns = append([]string(nil), w.SparseColumns...)
	}
	if w.Forced != nil {
		out.Forced = make(map[WorkflowStage]bool, len(w.Forced))
		for k, v := range w.Forced {
			out.Forced[k] = v
		}
	}
	if w.History != nil {
		out.History = append([]StageTransition(nil), w.History...)
	}
	return out
}

// TransitionResult is the structured answer to validate/advance requests.
// A rejected transition is a result, not an error.
type TransitionResult struct {
	OK     bool           `json:"ok"`
	From   WorkflowStage  `json:"from,omitempty"`
	To     WorkflowStage  `json:"to"`
	Reason string         `json:"reason,omitempty"`
	Forced bool           `json:"forced,omitempty"`
	Status WorkflowStatus `json:"status"`
}
