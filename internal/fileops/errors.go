package fileops

import "errors"

// Sentinel errors for file job validation and execution. Execution
// failures wrap ErrIOFailure or ErrArchiveInvalid with detail.
var (
	ErrPathOutOfScope = errors.New("path outside server root")
	ErrPathConflict   = errors.New("destination overlaps a source path")
	ErrIOFailure      = errors.New("file operation failed")
	ErrArchiveInvalid = errors.New("invalid archive")
	ErrUnknownJob     = errors.New("unknown job")
	ErrClosed         = errors.New("file manager closed")
)
