package durable

import (
	"errors"
	"fmt"

	"goa.design/goa-durable/runtime/durable/outcome"
)

// Defect is raised, as a panic, when a step or the body itself ends with an
// unrecoverable error. Defects are never retried and fail the run unless the
// body intercepts them with CatchAll.
type Defect struct {
	// Step names the step that produced the defect. It is empty for defects
	// raised by the body with Die.
	Step string
	// Cause is a *outcome.DefectError or a plain string description.
	Cause any
}

// Error implements error.
func (d *Defect) Error() string {
	if d.Step == "" {
		return fmt.Sprintf("defect: %v", d.Cause)
	}
	return fmt.Sprintf("defect in step %q: %v", d.Step, d.Cause)
}

// Unwrap returns Cause when it is an error.
func (d *Defect) Unwrap() error {
	if err, ok := d.Cause.(error); ok {
		return err
	}
	return nil
}

// Die aborts the body with a defect wrapping cause.
func Die(cause any) {
	if err, ok := cause.(error); ok {
		cause = outcome.NewDefect(err)
	}
	panic(&Defect{Cause: cause})
}

// CatchAll runs fn and converts defect panics raised inside it into a
// returned *Defect. Panics that are not defects are converted too, so the
// caller observes every way fn can end.
func CatchAll(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = asDefect(r)
	}()
	return fn()
}

// IsDefect reports whether err carries a *Defect.
func IsDefect(err error) bool {
	var d *Defect
	return errors.As(err, &d)
}

func asDefect(r any) *Defect {
	if d, ok := r.(*Defect); ok {
		return d
	}
	return &Defect{Cause: outcome.DefectFromPanic(r)}
}
