package schedule

import "errors"

var (
	ErrNoJobs               = errors.New("schedule: no jobs registered")
	ErrJobAlreadyRegistered = errors.New("schedule: job already registered")
	ErrInvalidJob           = errors.New("schedule: job needs a name, a schedule and a function")
	ErrAlreadyStarted       = errors.New("schedule: runner already started")
)
