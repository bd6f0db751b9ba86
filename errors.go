package policy

import "fmt"

// ValidationError reports a malformed document, statement or expression at
// authoring time. Mutations that fail validation leave the store unchanged.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Detail
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Detail)
}

// NotFoundError reports an unknown document ID on get/update/delete.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "policy document not found: " + e.ID }

// AlreadyExistsError reports a duplicate document ID on create.
type AlreadyExistsError struct {
	ID string
}

func (e *AlreadyExistsError) Error() string { return "policy document already exists: " + e.ID }

// InvalidContextError reports a malformed evaluation context. It is the only
// error Evaluate returns; everything else resolves to a decision.
type InvalidContextError struct {
	Detail string
}

func (e *InvalidContextError) Error() string { return "invalid evaluation context: " + e.Detail }

// UnknownFunctionError is raised when an expression references a function
// that is neither a registered builtin nor a policy-local function.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string { return "unknown function: " + e.Name }

// ArityError is raised when an operator or function receives the wrong
// number of arguments.
type ArityError struct {
	Op   string
	Want string
	Got  int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s: expected %s argument(s), got %d", e.Op, e.Want, e.Got)
}

// MaxDepthExceededError is raised when expression evaluation recurses past
// the configured depth bound.
type MaxDepthExceededError struct {
	Depth int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("expression exceeds maximum evaluation depth %d", e.Depth)
}

// EvaluationTimeoutError is raised cooperatively when a single evaluation
// runs past the configured wall-clock budget.
type EvaluationTimeoutError struct {
	Budget string
}

func (e *EvaluationTimeoutError) Error() string {
	return "evaluation exceeded time budget " + e.Budget
}
