// Package agent talks to the remote host. The rest of the program only sees
// the Agent interface, so the session setup stays here.
package agent

import (
	"context"
	"errors"

	"go-remote-download/internal/models"
)

var (
	ErrNotConnected = errors.New("transfer agent is not connected")
	ErrNotAFile     = errors.New("remote path is not a regular file")
)

// Agent lists remote directories and copies remote files to local directories.
type Agent interface {
	// List returns the children of remotePath. Only files carry a size.
	List(ctx context.Context, remotePath string) ([]models.RemoteItem, error)
	// Copy downloads remotePath into the existing directory localDir and
	// returns the path of the finished file.
	Copy(ctx context.Context, remotePath, localDir string) (string, error)
}

// ProgressFunc receives the bytes written so far and the expected total.
type ProgressFunc func(remotePath string, written, total int64)
