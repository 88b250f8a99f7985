//go:build !unix

package runner

import (
	"context"
	"io"
)

// DumpStacksOnSignal is a no-op where SIGUSR1 does not exist.
func DumpStacksOnSignal(context.Context, io.Writer) {}
