package tddflow

// Phase is one of the five outer workflow phases. The machine moves through
// them strictly in order; COMPLETE is terminal.
type Phase string

const (
	PhasePreflight   Phase = "PREFLIGHT"
	PhaseBranchSetup Phase = "BRANCH_SETUP"
	PhaseSubtaskLoop Phase = "SUBTASK_LOOP"
	PhaseFinalize    Phase = "FINALIZE"
	PhaseComplete    Phase = "COMPLETE"
)

// phaseOrder lists the outer phases in traversal order.
var phaseOrder = []Phase{
	PhasePreflight,
	PhaseBranchSetup,
	PhaseSubtaskLoop,
	PhaseFinalize,
	PhaseComplete,
}

// IsValidPhase reports whether p is one of the known outer phases.
func IsValidPhase(p Phase) bool {
	for _, phase := range phaseOrder {
		if p == phase {
			return true
		}
	}
	return false
}

// TDDPhase is the inner sub-phase within SUBTASK_LOOP. It is TDDPhaseNone
// in every other outer phase.
type TDDPhase string

const (
	TDDPhaseNone   TDDPhase = ""
	TDDPhaseRed    TDDPhase = "RED"
	TDDPhaseGreen  TDDPhase = "GREEN"
	TDDPhaseCommit TDDPhase = "COMMIT"
)
