// Package taskrunner provides a sequential, fail-fast executor for ordered
// protocol steps sharing a mutable model. The first task returning an error
// aborts the chain; remaining tasks are never executed.
package taskrunner

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FaultCategory classifies the origin of a task failure so that fault
// handlers can match on it instead of parsing error strings.
type FaultCategory int

const (
	// FaultProtocol is the default category for failures of protocol logic
	// like unexpected messages or invalid state.
	FaultProtocol FaultCategory = iota
	// FaultWallet covers failures of wallet operations. Always fatal to the
	// chain, surfaced to the caller, never retried.
	FaultWallet
	// FaultTransport covers failed sends or unreachable peers.
	FaultTransport
	// FaultVerification covers signature, contract or account checks that
	// did not pass.
	FaultVerification
)

func (c FaultCategory) String() string {
	switch c {
	case FaultWallet:
		return "wallet"
	case FaultTransport:
		return "transport"
	case FaultVerification:
		return "verification"
	default:
		return "protocol"
	}
}

// Fault is the error type delivered to the fault handler of a Runner. It
// wraps the causing error with the name of the failing task and a category.
type Fault struct {
	Category FaultCategory
	Task     string
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("task %s failed (%s): %s", f.Task, f.Category, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault returns an error that the runner will propagate with the given
// category. Tasks returning a plain error get FaultProtocol.
func NewFault(category FaultCategory, err error) error {
	return &Fault{Category: category, Err: err}
}

// Task is a single unit of protocol work operating on the shared model.
// Run must either complete returning nil or fail returning a non-nil error,
// in which case the chain is aborted.
type Task[T any] interface {
	Name() string
	Run(model T) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc[T any] struct {
	TaskName string
	Func     func(model T) error
}

func (t TaskFunc[T]) Name() string     { return t.TaskName }
func (t TaskFunc[T]) Run(model T) error { return t.Func(model) }

// Runner executes an ordered list of tasks against a shared model, one at a
// time, stopping at the first failure. Exactly one of the completion or the
// fault handler is invoked, exactly once. A Runner is single-use.
type Runner[T any] struct {
	model      T
	tasks      []Task[T]
	onComplete func()
	onFault    func(fault *Fault)

	mtx  sync.Mutex
	done bool
}

// New returns a Runner for the given model and handlers. Both handlers may
// be nil.
func New[T any](model T, onComplete func(), onFault func(*Fault)) *Runner[T] {
	return &Runner[T]{
		model:      model,
		onComplete: onComplete,
		onFault:    onFault,
	}
}

// AddTasks appends tasks to the chain in execution order.
func (r *Runner[T]) AddTasks(tasks ...Task[T]) {
	r.tasks = append(r.tasks, tasks...)
}

// Run executes the chain. Calling Run on an already-run Runner is a contract
// violation and results in a FaultProtocol without executing any task.
func (r *Runner[T]) Run() {
	r.mtx.Lock()
	if r.done {
		r.mtx.Unlock()
		log.Error("task runner executed twice")
		r.fault(&Fault{
			Category: FaultProtocol,
			Task:     "runner",
			Err:      fmt.Errorf("task runner is single-use and was already run"),
		})
		return
	}
	r.done = true
	r.mtx.Unlock()

	for _, task := range r.tasks {
		log.Tracef("running task %s", task.Name())
		if err := task.Run(r.model); err != nil {
			fault, ok := err.(*Fault)
			if !ok {
				fault = &Fault{Category: FaultProtocol, Err: err}
			}
			if fault.Task == "" {
				fault.Task = task.Name()
			}
			r.fault(fault)
			return
		}
	}

	if r.onComplete != nil {
		r.onComplete()
	}
}

func (r *Runner[T]) fault(fault *Fault) {
	if r.onFault != nil {
		r.onFault(fault)
	}
}
