package statemachine

import "fmt"

type ResponseStatus int

const (
	StatusOK ResponseStatus = iota
	// StatusErrorRetry is a failure that may go away on a later attempt.
	StatusErrorRetry
	// StatusFatalError is a failure no retry can fix.
	StatusFatalError
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrorRetry:
		return "ERROR_RETRY"
	case StatusFatalError:
		return "FATAL_ERROR"
	}
	return fmt.Sprintf("ResponseStatus(%d)", int(s))
}

// StatusResult is the outcome of one attempt of a business operation.
type StatusResult[C any] struct {
	Status  ResponseStatus
	Content C
	Failure error
}

func Success[C any](content C) StatusResult[C] {
	return StatusResult[C]{Status: StatusOK, Content: content}
}

func RetryableFailure[C any](err error) StatusResult[C] {
	return StatusResult[C]{Status: StatusErrorRetry, Failure: err}
}

func FatalFailure[C any](err error) StatusResult[C] {
	return StatusResult[C]{Status: StatusFatalError, Failure: err}
}

func (r StatusResult[C]) Succeeded() bool {
	return r.Status == StatusOK
}
