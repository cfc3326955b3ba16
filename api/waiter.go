package api

import "time"

// Event is what a Waiter wakes up with.
type Event int

const (
	// EventTick means the cycle time elapsed.
	EventTick Event = iota
	// EventTerminate means the process was asked to stop.
	EventTerminate
)

func (e Event) String() string {
	if e == EventTerminate {
		return "terminate"
	}
	return "tick"
}

// Waiter drives a cooperative poll loop.
type Waiter interface {
	Wait(d time.Duration) (Event, error)
}
