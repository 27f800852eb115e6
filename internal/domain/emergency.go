package domain

// EmergencyState is the per-component emergency flag, modeled as an
// explicit state rather than an ambient boolean. Each component tracks
// its own state independently; a partial unwind leaves every component
// in a well-defined, recoverable state.
type EmergencyState string

const (
	StateNormal    EmergencyState = "NORMAL"
	StateEmergency EmergencyState = "EMERGENCY"
)

// Active reports whether the component refuses normal-path operations.
func (s EmergencyState) Active() bool {
	return s == StateEmergency
}

// Toggle returns the flipped state.
func (s EmergencyState) Toggle() EmergencyState {
	if s == StateEmergency {
		return StateNormal
	}
	return StateEmergency
}
