// Package recovery keeps a panicking goroutine from taking the whole
// process down with it.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/denobo/internal/logging"
)

// RecoverWithLog recovers a panic in the calling goroutine and logs it with
// its stack. It must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "accept loop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		report(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog followed by fn(recovered). A nil fn
// is allowed.
func RecoverWithCallback(logger *slog.Logger, name string, fn func(recovered any)) {
	if r := recover(); r != nil {
		report(logger, name, r)
		if fn != nil {
			fn(r)
		}
	}
}

// Go runs fn on a new goroutine guarded by RecoverWithLog.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func report(logger *slog.Logger, name string, r any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		logging.KeyComponent, name,
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()))
}
