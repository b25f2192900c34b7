package optimistic

import "encoding/json"

// Result is the backend's answer to a mutation: either Succeeded or Failed.
type Result interface {
	isResult()
}

// Succeeded reports that the backend accepted the mutation.
type Succeeded struct {
	Response json.RawMessage
}

// Failed reports that the backend rejected the mutation or could not be reached.
type Failed struct {
	Err error
}

func (Succeeded) isResult() {}
func (Failed) isResult()    {}

// Error returns the failure message shown to the user.
func (f Failed) Error() string {
	if f.Err == nil {
		return "request failed"
	}
	return f.Err.Error()
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (f Failed) Unwrap() error {
	return f.Err
}

// ResultOf converts a send outcome into a Result.
func ResultOf(response json.RawMessage, err error) Result {
	if err != nil {
		return Failed{Err: err}
	}
	return Succeeded{Response: response}
}

// IsFailure reports whether r is a Failed result.
func IsFailure(r Result) bool {
	_, ok := r.(Failed)
	return ok
}
