package runs

import (
	"context"
	"errors"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

// taggedError carries a coarse failure kind alongside the cause so the
// dispatcher records the right taxonomy on the failed run.
type taggedError struct {
	kind model.ErrorKind
	err  error
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

// FailWith tags err with the failure kind an executor wants recorded.
func FailWith(kind model.ErrorKind, err error) error {
	return &taggedError{kind: kind, err: err}
}

// classify maps an execution error onto the failure taxonomy. Explicit tags
// win; otherwise deadline errors become timeouts, missing dependencies
// become dependency failures, and everything else is internal.
func classify(err error) model.ErrorKind {
	var tagged *taggedError
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrKindTimeout
	}
	if errors.Is(err, storage.ErrNotFound) {
		return model.ErrKindDependency
	}
	return model.ErrKindInternal
}
