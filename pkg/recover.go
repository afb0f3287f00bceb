package pkg

import "runtime/debug"

// Recover is intended as `defer pkg.Recover()` at the top of every
// spawned goroutine, so a panic in a callback can't take the whole
// process down.
func Recover() {
	if r := recover(); r != nil {
		DefaultLogger.Errorf("panic recovered: %v\n%s", r, debug.Stack())
	}
}

func RecoverWithLogger(logger Logger) {
	if r := recover(); r != nil {
		logger.Errorf("panic recovered: %v\n%s", r, debug.Stack())
	}
}
