// Package dane drives a DANE server: it registers workflow items as DANE
// documents over the DANE API, submits tasks for them, polls the DANE index
// until the tasks settle, and retrieves the task results.
package dane

import "fmt"

// TaskState is the processing state code a DANE worker reports for a task.
type TaskState int

const (
	// StateQueued means the task has been sent to a queue; it might be
	// being worked on or held in queue.
	StateQueued TaskState = 102
	// StateSuccess means the task completed successfully.
	StateSuccess TaskState = 200
	// StateCreated means the task is registered but has not been acted upon.
	StateCreated TaskState = 201
	// StateTaskReset marks a reset, typically after manual intervention.
	StateTaskReset TaskState = 205
	// StateBadRequest flags a malformed document or task description.
	StateBadRequest TaskState = 400
	// StateAccessDenied means access to the underlying source material was denied.
	StateAccessDenied TaskState = 403
	// StateNotFound means the underlying source material was not found.
	StateNotFound TaskState = 404
	// StateUnfinishedDependency means a dependency task has not completed yet.
	StateUnfinishedDependency TaskState = 412
	// StateNoRouteToQueue means the task could not be routed to a queue.
	StateNoRouteToQueue TaskState = 422
	// StateError means an error occurred during processing.
	StateError TaskState = 500
	// StateErrorInvalidInput means the worker received invalid or partial input.
	StateErrorInvalidInput TaskState = 502
	// StateErrorProxy means the worker got an error from a remote service it
	// depends on.
	StateErrorProxy TaskState = 503
)

func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateSuccess:
		return "SUCCESS"
	case StateCreated:
		return "CREATED"
	case StateTaskReset:
		return "TASK_RESET"
	case StateBadRequest:
		return "BAD_REQUEST"
	case StateAccessDenied:
		return "ACCESS_DENIED"
	case StateNotFound:
		return "NOT_FOUND"
	case StateUnfinishedDependency:
		return "UNFINISHED_DEPENDENCY"
	case StateNoRouteToQueue:
		return "NO_ROUTE_TO_QUEUE"
	case StateError:
		return "ERROR"
	case StateErrorInvalidInput:
		return "ERROR_INVALID_INPUT"
	case StateErrorProxy:
		return "ERROR_PROXY"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Known reports whether the state is one of the documented DANE codes.
func (s TaskState) Known() bool {
	switch s {
	case StateQueued, StateSuccess, StateCreated, StateTaskReset,
		StateBadRequest, StateAccessDenied, StateNotFound,
		StateUnfinishedDependency, StateNoRouteToQueue,
		StateError, StateErrorInvalidInput, StateErrorProxy:
		return true
	}
	return false
}

// Task is a DANE task document from the DANE index.
type Task struct {
	ID        string
	Message   string
	State     TaskState
	Priority  int
	Key       string
	CreatedAt string
	UpdatedAt string
	// DocID is the id of the parent DANE document.
	DocID string
}

// Result is a DANE result document from the DANE index.
type Result struct {
	ID        string
	Generator map[string]any
	Payload   map[string]any
	CreatedAt string
	UpdatedAt string
	// TaskID is the id of the parent task.
	TaskID string
	// DocID is resolved afterwards via the task list.
	DocID string
}
