package handler

import "fmt"

// Status is the outcome class of handling one item.
type Status int

const (
	NoOp Status = iota
	Success
	Failure
)

func (s Status) String() string {
	switch s {
	case NoOp:
		return "no-op"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of handling one item. Err is set for failures.
type Result struct {
	Status Status
	Err    error
}

func Succeeded() Result {
	return Result{Status: Success}
}

func Failed(err error) Result {
	return Result{Status: Failure, Err: err}
}

func Skipped() Result {
	return Result{Status: NoOp}
}

// Code maps the outcome to the integer codes used by scripts driving the
// pipeline: 1 for success, -1 for failure and 0 when nothing was done.
func (r Result) Code() int {
	switch r.Status {
	case Success:
		return 1
	case Failure:
		return -1
	default:
		return 0
	}
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	}
	return r.Status.String()
}
