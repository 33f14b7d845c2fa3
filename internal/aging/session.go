package aging

import "time"

// Phase is the lifecycle phase of an interactive session.
type Phase string

const (
	// PhaseIdle means no photo has been uploaded yet.
	PhaseIdle Phase = "idle"
	// PhaseEstimating means age estimation is in flight.
	PhaseEstimating Phase = "estimating"
	// PhaseInteractive means the slider drives re-synthesis.
	PhaseInteractive Phase = "interactive"
	// PhaseError means estimation failed; there is no anchor age to
	// interpret the slider against.
	PhaseError Phase = "error"
)

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	Phase        Phase     `json:"phase"`
	EstimatedAge int       `json:"estimated_age,omitempty"`
	TargetAge    int       `json:"target_age,omitempty"`
	Busy         bool      `json:"busy"`
	LastError    string    `json:"last_error,omitempty"`
	HasSource    bool      `json:"has_source"`
	HasDisplayed bool      `json:"has_displayed"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Interactive reports whether the session accepts slider input.
func (s Snapshot) Interactive() bool {
	return s.Phase == PhaseInteractive
}
