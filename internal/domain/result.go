package domain

// Result is what a user-facing mutation reports back.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	cause error
}

func OK() Result {
	return Result{Success: true}
}

func ResultOf(err error) Result {
	if err == nil {
		return OK()
	}
	return Result{Error: err.Error(), cause: err}
}

func (r Result) Err() error {
	return r.cause
}
