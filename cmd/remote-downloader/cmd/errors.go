package cmd

import (
	"context"
	"errors"
	"fmt"

	"go-remote-download/index"
	"go-remote-download/internal/agent"
	"go-remote-download/internal/config"
	"go-remote-download/internal/database"
	"go-remote-download/internal/dircache"
	"go-remote-download/internal/executor"
	"go-remote-download/internal/manager"
	"go-remote-download/internal/selection"
)

// errorClass groups failures by what the user can do about them.
type errorClass int

const (
	classInternal    errorClass = iota
	classValidation             // Bad input, fix the command line
	classConflict               // State does not allow it right now
	classEnvironment            // Remote host, disk or database trouble
	classInterrupted
)

func classify(err error) errorClass {
	var selErr *selection.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, executor.ErrInterrupted):
		return classInterrupted
	case errors.As(err, &selErr),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, database.ErrInvalidFilter),
		errors.Is(err, agent.ErrNotAFile),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, errUsage):
		return classValidation
	case errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, manager.ErrBatchRunning),
		errors.Is(err, manager.ErrIndexDisabled),
		errors.Is(err, index.ErrIndexBusy),
		errors.Is(err, dircache.ErrStoreLocked):
		return classConflict
	case errors.Is(err, dircache.ErrListFailed),
		errors.Is(err, agent.ErrNotConnected),
		errors.Is(err, executor.ErrDestinationUnavailable),
		errors.Is(err, database.ErrStoreUnavailable):
		return classEnvironment
	}
	return classInternal
}

// errUsage marks argument errors detected by the commands themselves.
var errUsage = errors.New("usage")

// describeError turns err into the message printed before exiting.
func describeError(err error) string {
	switch classify(err) {
	case classValidation:
		return fmt.Sprintf("Invalid input: %v", err)
	case classConflict:
		return fmt.Sprintf("Not possible right now: %v", err)
	case classEnvironment:
		if errors.Is(err, database.ErrStoreUnavailable) {
			return fmt.Sprintf("The catalog database is busy, try again shortly: %v", err)
		}
		return fmt.Sprintf("Environment problem: %v", err)
	case classInterrupted:
		return fmt.Sprintf("Interrupted: %v", err)
	}
	return fmt.Sprintf("Error: %v", err)
}

func exitCode(err error) int {
	switch classify(err) {
	case classValidation:
		return 2
	case classInterrupted:
		return 130
	}
	return 1
}
