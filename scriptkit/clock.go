package scriptkit

import "time"

// Timestamp layouts used by the two stamp flavors. StampLayout sorts
// lexicographically; DateLayout reads naturally in a provenance line.
const (
	StampLayout = "2006-01-02 15:04:05"
	DateLayout  = "15:04:05, Monday January 2, 2006"
)

// Clock produces the two timestamp flavors used by the logger and the lock
// manager. It exists as an interface so tests can pin time down.
type Clock interface {
	// Stamp returns a machine-sortable timestamp.
	Stamp() string
	// Date returns a human-readable timestamp.
	Date() string
}

// SystemClock implements Clock using the wall clock.
type SystemClock struct{}

var _ Clock = SystemClock{}

func (SystemClock) Stamp() string { return time.Now().Format(StampLayout) }
func (SystemClock) Date() string  { return time.Now().Format(DateLayout) }
