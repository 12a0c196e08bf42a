//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// StopSignals stop the polling loop after the cycle in flight.
var StopSignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
	syscall.SIGHUP,
}
