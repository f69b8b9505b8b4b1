package vigil

// Stage represents the vault stage a record currently sits in. The stage is
// the physical location of the record; there is no separate state column.
// Use the exported constants (StageNeedsAction, StagePendingApproval, etc.)
// instead of raw strings to avoid typos.
type Stage string

const (
	// StageNeedsAction holds freshly materialized records from watchers.
	StageNeedsAction Stage = "needs_action"
	// StagePendingApproval holds approval requests waiting on a human.
	StagePendingApproval Stage = "pending_approval"
	// StageApproved holds records a human approved; the executor picks them up.
	StageApproved Stage = "approved"
	// StageRejected holds rejected records, including expired approval requests.
	StageRejected Stage = "rejected"
	// StageDone holds records whose action completed.
	StageDone Stage = "done"
	// StageFailed holds records whose action failed, with the error captured.
	StageFailed Stage = "failed"
)

// AllStages lists every valid stage in a stable order.
var AllStages = []Stage{
	StageNeedsAction,
	StagePendingApproval,
	StageApproved,
	StageRejected,
	StageDone,
	StageFailed,
}

// stageDirs maps stages to the directory names humans and the external agent
// interact with. These names are the external contract of the vault.
var stageDirs = map[Stage]string{
	StageNeedsAction:     "Needs_Action",
	StagePendingApproval: "Pending_Approval",
	StageApproved:        "Approved",
	StageRejected:        "Rejected",
	StageDone:            "Done",
	StageFailed:          "Failed",
}

// String returns the raw string value of the stage.
func (s Stage) String() string { return string(s) }

// Dir returns the vault directory name for the stage, or "" for unknown stages.
func (s Stage) Dir() string { return stageDirs[s] }

// Terminal reports whether records in this stage are immutable.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageRejected || s == StageFailed
}

// ParseStage converts a string into a Stage, returning an error for unknown values.
// Both the snake_case value and the directory name are accepted.
func ParseStage(s string) (Stage, error) {
	for _, st := range AllStages {
		if s == string(st) || s == stageDirs[st] {
			return st, nil
		}
	}
	return "", ErrUnknownStage
}

// transitions is the approval state machine. Terminal stages have no
// outgoing edges.
var transitions = map[Stage][]Stage{
	StageNeedsAction:     {StagePendingApproval, StageDone, StageFailed},
	StagePendingApproval: {StageApproved, StageRejected},
	StageApproved:        {StageDone, StageFailed},
}

// CanTransition reports whether a record may move from one stage to another.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns the sentinel describing why from->to is not allowed.
func checkTransition(from, to Stage) error {
	if _, err := ParseStage(string(from)); err != nil {
		return err
	}
	if _, err := ParseStage(string(to)); err != nil {
		return err
	}
	if from.Terminal() {
		return ErrTerminalRecord
	}
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}
