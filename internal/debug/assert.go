package debug

import (
	"fmt"
	"runtime"
)

// Assert panics with the caller's location when truth is false. It guards
// internal invariants only; anything reachable from network input must
// return an error instead.
//
// NOTE: originally stolen from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	// NOTE: in certain cases it feels unreasonable and redundant to specify msg
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		fail(fmt.Sprintf("assertion failed(%s)", msg))
	}
}

// Assertf is Assert with a formatted message.
func Assertf(truth bool, format string, args ...any) {
	if !truth {
		fail("assertion failed: " + fmt.Sprintf(format, args...))
	}
}

func fail(msg string) {
	// include information about the assertion location. due to panic
	// recovery, this location is otherwise buried in the middle of the
	// panicking stack. skip fail itself and the Assert* wrapper.
	if _, file, line, ok := runtime.Caller(2); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
