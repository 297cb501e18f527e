package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyRunning is returned by Start while a launch is in progress or
	// the backend is up.
	ErrAlreadyRunning = errors.New("backend already running")

	// ErrStopping is returned by Start while a Stop is still terminating
	// processes.
	ErrStopping = errors.New("backend is stopping")

	ErrNoPlan          = errors.New("no plan loaded")
	ErrUnknownProcess  = errors.New("unknown process")
	ErrDuplicateName   = errors.New("process name already tracked")
	errLaunchCancelled = errors.New("launch cancelled")
)

// GroupError collects the spawn failures of one service group.
type GroupError struct {
	Group string
	Total int
	Errs  []error
}

func (e *GroupError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("group %s: %d of %d processes failed: %s", e.Group, len(e.Errs), e.Total, strings.Join(msgs, "; "))
}

func (e *GroupError) Unwrap() []error { return e.Errs }
