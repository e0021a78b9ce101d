// internal/naming/errors.go
package naming

import "errors"

var (
	// ErrPathTraversal indicates a rendered path escapes the output root.
	ErrPathTraversal = errors.New("path traversal detected")

	// ErrDestinationExists indicates the destination file already exists.
	ErrDestinationExists = errors.New("destination file already exists")

	// ErrCopyFailed indicates the file copy operation failed.
	ErrCopyFailed = errors.New("failed to copy file")

	// ErrNoFreeName indicates every numbered variant of a name is taken.
	ErrNoFreeName = errors.New("no free output name")
)
