package verify

import (
	"fmt"
	"runtime"
)

// noPanic turns a panic inside f into an error carrying the stack.
func noPanic(f func() error) func() error {
	return func() (err error) {
		defer func() {
			err = panicToError(recover(), err)
		}()
		return f()
	}
}

func panicToError(thrown interface{}, defaultErr error) error {
	if thrown == nil {
		return defaultErr
	}
	const size = 64 << 10
	trace := make([]byte, size)
	trace = trace[:runtime.Stack(trace, false)]
	if err, ok := thrown.(error); ok {
		return fmt.Errorf("panic: %w\n%s", err, trace)
	}
	return fmt.Errorf("panic: %v\n%s", thrown, trace)
}
