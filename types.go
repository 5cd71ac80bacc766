package qcrbox

import "time"

// StatusChange is the public form of a calculation status transition. It
// carries no internal types so hooks can be written outside this module.
type StatusChange struct {
	CalculationID string
	Status        string
	Timestamp     time.Time
	Comment       string
}

// Terminal reports whether the calculation has reached a final status.
func (c StatusChange) Terminal() bool {
	switch c.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
