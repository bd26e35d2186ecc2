//go:build debug

package check

import "fmt"

// Assert panics when an invariant does not hold. Debug builds only.
func Assert(cond bool, msg string) {
	if cond {
		return
	}
	panic("invariant violated: " + msg)
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic("invariant violated: " + fmt.Sprintf(format, args...))
}
