package linedispatch

import "reflect"

// Observer receives lines from a Dispatcher.
//
// HandleLine is called on the dispatcher's run goroutine, one observer at a
// time, with the line's terminator already stripped. It must return promptly:
// while it runs, no other observer sees the line and no further input is read.
type Observer interface {
	HandleLine(line string)
}

// ObserverFunc adapts a plain function to the Observer interface.
//
// Function values cannot be compared, so an ObserverFunc can never be matched
// by RemoveObserver. Register a pointer type when removal is needed.
type ObserverFunc func(line string)

// HandleLine calls f(line).
func (f ObserverFunc) HandleLine(line string) { f(line) }

// sameObserver reports whether a and b are the same registration. Observers
// whose dynamic type cannot be compared never match.
func sameObserver(a, b Observer) (same bool) {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	// Structs holding non-comparable interface values still panic on ==.
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
