package engine

import "github.com/go-errors/errors"

var (
	ErrBranchExists     = errors.Errorf("branch already exists")
	ErrBranchNotFound   = errors.Errorf("branch not found")
	ErrParentNotFound   = errors.Errorf("parent branch not found")
	ErrBranchNotRunning = errors.Errorf("branch is not running")
)
