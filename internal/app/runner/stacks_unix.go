//go:build unix

package runner

import (
	"context"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
)

// DumpStacksOnSignal writes every goroutine's stack to w each time the
// process receives SIGUSR1, until ctx is done.
func DumpStacksOnSignal(ctx context.Context, w io.Writer) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				_ = pprof.Lookup("goroutine").WriteTo(w, 2)
			}
		}
	}()
}
