package observability

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrPanic wraps a recovered panic
var ErrPanic = errors.New("panic")

// RecoverPanic logs a panic with its stack and swallows it. Call it directly
// in a defer:
//
//	defer observability.RecoverPanic(logger, "seed watcher")
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverError turns a panic into an error stored in *errp:
//
//	func work() (err error) {
//		defer observability.RecoverError(logger, "work", &err)
//		...
//	}
func RecoverError(logger *Logger, where string, errp *error) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		*errp = fmt.Errorf("%w in %s: %v", ErrPanic, where, r)
	}
}

func logPanic(logger *Logger, where string, r interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic": fmt.Sprint(r),
		"where": where,
		"stack": string(debug.Stack()),
	}).Error("panic recovered")
}
