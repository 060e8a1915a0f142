package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic in the calling goroutine and logs it with
// the full stack. Call it in a defer. The panic is swallowed, so the
// goroutine's owner must tolerate an early return.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("panic recovered")
	}
}
