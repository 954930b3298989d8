package wasi

import (
	"fmt"

	"go.uber.org/zap"
)

// invariant reports a broken internal invariant. Debug builds (the wasidebug
// tag) panic; other builds log the violation and surface it as an I/O error.
func invariant(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if debugInvariants {
		panic("wasi: invariant violated: " + msg)
	}
	Logger().Error("invariant violated", zap.String("detail", msg))
	return &IOError{Op: "invariant", Err: fmt.Errorf("%s", msg)}
}
