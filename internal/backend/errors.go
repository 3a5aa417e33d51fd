package backend

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrBusy         = errors.New("server busy")
	ErrNoFile       = errors.New("no file provided")
	ErrNotReady     = errors.New("result not ready")
	ErrUnknownTool  = errors.New("unknown tool")
)

func NewErrUnknownTool(tool string) error { return fmt.Errorf("%w: %s", ErrUnknownTool, tool) }
