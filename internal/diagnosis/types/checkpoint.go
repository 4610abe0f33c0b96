package types

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
)

// CheckpointSchemaVersion is written into every checkpoint. Checkpoints with
// a different major version cannot be resumed.
const CheckpointSchemaVersion = "1.2.0"

// RunMode tells a resumed checkpoint which pipeline to continue.
type RunMode string

const (
	ModeInvestigation RunMode = "investigation"
	ModeBatch         RunMode = "batch"
)

// CheckpointStage is how far a suspended pipeline has moved past the gate.
// Stores advance it with a compare-and-swap so exactly one caller records a
// decision and exactly one caller dispatches the cleared writes.
type CheckpointStage string

const (
	// StagePending: no decision yet.
	StagePending CheckpointStage = "pending"
	// StageDecided: a decision is recorded but nobody has taken the writes.
	StageDecided CheckpointStage = "decided"
	// StageClaimed: one pipeline owns the decided batch and dispatches it.
	StageClaimed CheckpointStage = "claimed"
)

// Checkpoint is the durable record of a pipeline suspended at the approval
// gate. It holds everything needed to continue after a process restart.
type Checkpoint struct {
	SchemaVersion string  `json:"schema_version"`
	PlanID        string  `json:"plan_id"`
	Mode          RunMode `json:"mode"`

	// State is nil for batch runs.
	State *InvestigationState `json:"state,omitempty"`

	Plan BatchChangePlan `json:"plan"`

	// ReadTasks are the read tasks of the same batch; they run together with
	// the approved writes.
	ReadTasks []DeviceTask `json:"read_tasks,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// ClaimedAt is set once a pipeline took the decided writes.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// Stage derives the checkpoint stage from the plan status and the claim.
func (c *Checkpoint) Stage() CheckpointStage {
	switch {
	case c.Plan.Status == PlanPending || c.Plan.Status == "":
		return StagePending
	case c.ClaimedAt != nil:
		return StageClaimed
	default:
		return StageDecided
	}
}

// CheckCompatible verifies the checkpoint was written by a compatible schema.
func (c *Checkpoint) CheckCompatible() error {
	return CompatibleSchema(c.SchemaVersion)
}

// CompatibleSchema reports whether v shares the current major version.
func CompatibleSchema(v string) error {
	current := version.Must(version.NewVersion(CheckpointSchemaVersion))
	got, err := version.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid checkpoint schema version %q: %w", v, err)
	}
	if got.Segments()[0] != current.Segments()[0] {
		return fmt.Errorf("checkpoint schema %s is incompatible with %s", got, current)
	}
	if got.GreaterThan(current) {
		return fmt.Errorf("checkpoint schema %s is newer than supported %s", got, current)
	}
	return nil
}
