package main

import (
	"errors"
	"os"

	"github.com/ent0n29/taskpulse/internal/validation"
)

const (
	exitFailure   = 1
	exitViolation = 2
	exitIsolation = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode separates audit findings from operational failures so scripts
// can tell a broken capture file apart from a broken delivery guarantee.
func exitCode(err error) int {
	var failed *auditFailedError
	switch {
	case errors.Is(err, validation.ErrIsolationViolation):
		return exitIsolation
	case errors.As(err, &failed):
		return exitViolation
	default:
		return exitFailure
	}
}
