package utils

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

var ErrPanic = fmt.Errorf("recovered panic")

// PanicRecovery logs a recovered panic and, if errp is set, turns it into an
// error wrapping ErrPanic. Must be deferred directly.
func PanicRecovery(log *zap.Logger, errp *error) {
	if r := recover(); r != nil {
		log.With(zap.String("stack", string(debug.Stack()))).Error("recovered panic", zap.Any("panic", r))
		if errp != nil {
			*errp = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}
}
