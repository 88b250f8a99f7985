// Command os2ds runs the stages of the scanning engine and submits or
// cancels scans.
package main

import (
	"os"

	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	_, _ = maxprocs.Set()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
