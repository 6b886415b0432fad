package taskrunner_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peerdex-network/peerdexd/pkg/taskrunner"
)

type chainModel struct {
	executed []string
}

func appendTask(name string) taskrunner.Task[*chainModel] {
	return taskrunner.TaskFunc[*chainModel]{
		TaskName: name,
		Func: func(m *chainModel) error {
			m.executed = append(m.executed, name)
			return nil
		},
	}
}

func failingTask(name string, err error) taskrunner.Task[*chainModel] {
	return taskrunner.TaskFunc[*chainModel]{
		TaskName: name,
		Func: func(m *chainModel) error {
			m.executed = append(m.executed, name)
			return err
		},
	}
}

func TestRunnerCompletesAllTasks(t *testing.T) {
	model := &chainModel{}
	completed := 0
	runner := taskrunner.New(model, func() { completed++ }, func(f *taskrunner.Fault) {
		t.Fatalf("unexpected fault: %s", f)
	})
	runner.AddTasks(appendTask("one"), appendTask("two"), appendTask("three"))

	runner.Run()

	require.Equal(t, []string{"one", "two", "three"}, model.executed)
	require.Equal(t, 1, completed)
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	model := &chainModel{}
	var fault *taskrunner.Fault
	faults := 0
	runner := taskrunner.New(model,
		func() { t.Fatal("onComplete must not be called") },
		func(f *taskrunner.Fault) {
			fault = f
			faults++
		},
	)
	runner.AddTasks(
		appendTask("one"),
		appendTask("two"),
		failingTask("three", taskrunner.NewFault(
			taskrunner.FaultWallet, errors.New("wallet error"),
		)),
		appendTask("four"),
		appendTask("five"),
	)

	runner.Run()

	require.Equal(t, []string{"one", "two", "three"}, model.executed)
	require.Equal(t, 1, faults)
	require.NotNil(t, fault)
	require.Equal(t, taskrunner.FaultWallet, fault.Category)
	require.Equal(t, "three", fault.Task)
	require.EqualError(t, fault.Err, "wallet error")
}

func TestRunnerWrapsPlainErrors(t *testing.T) {
	model := &chainModel{}
	var fault *taskrunner.Fault
	runner := taskrunner.New(model, nil, func(f *taskrunner.Fault) { fault = f })
	runner.AddTasks(failingTask("boom", errors.New("some failure")))

	runner.Run()

	require.NotNil(t, fault)
	require.Equal(t, taskrunner.FaultProtocol, fault.Category)
	require.Equal(t, "boom", fault.Task)
}

func TestRunnerIsSingleUse(t *testing.T) {
	model := &chainModel{}
	faults := 0
	completions := 0
	runner := taskrunner.New(model, func() { completions++ }, func(*taskrunner.Fault) { faults++ })
	runner.AddTasks(appendTask("one"))

	runner.Run()
	runner.Run()

	require.Equal(t, []string{"one"}, model.executed)
	require.Equal(t, 1, completions)
	require.Equal(t, 1, faults)
}

func TestRunnerWithoutTasksCompletes(t *testing.T) {
	completed := false
	runner := taskrunner.New(&chainModel{}, func() { completed = true }, nil)

	runner.Run()

	require.True(t, completed)
}
