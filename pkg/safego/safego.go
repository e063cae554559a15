package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on its own goroutine and contains any panic: the panic value
// and stack are logged under the given name and the goroutine exits cleanly
// instead of taking the process down. Detached executor runs and other
// fire-and-forget work go through here so a single bad trace can never
// crash the server.
//
//	safego.Go(logger, "executor-"+traceID, func() { ... })
func Go(logger *zap.Logger, name string, fn func()) {
	go Run(logger, name, fn)
}

// Run is the synchronous form: execute fn in the current goroutine with the
// same panic containment. Useful inside loops that must survive one bad
// iteration.
func Run(logger *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Goroutine panicked",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
