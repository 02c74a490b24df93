// Package screen holds the vocabulary shared by the screen detector and the
// navigation planner: recognisable screen states, detection results and
// navigation steps.
package screen

// State is a named, visually recognisable mode of the controlled application
type State string

const (
	// StateUnknown means no reference template cleared its threshold
	StateUnknown State = "unknown"
	// StateError means capture or matching failed
	StateError State = "error"

	StateRemoteDesktop  State = "remote_desktop"
	StateSAPDesktop     State = "sap_desktop"
	StateSalesOrderForm State = "sales_order_form"
)

// IsSentinel reports whether the state is one of the two non-screen outcomes
func (s State) IsSentinel() bool {
	return s == StateUnknown || s == StateError
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}
