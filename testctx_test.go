package any2pdf

import (
	"context"
	"testing"
)

// testContext mirrors testing.T.Context (Go 1.24+) for the older toolchain
// used to build this module: a context cancelled when the test completes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
