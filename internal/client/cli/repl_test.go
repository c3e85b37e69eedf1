package cli

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeExec struct {
	open bool
	fail error

	calls []string
}

func (f *fakeExec) record(call string) error {
	f.calls = append(f.calls, call)
	return f.fail
}

func (f *fakeExec) hasBriefcase() bool { return f.open }
func (f *fakeExec) Acquire(context.Context) error {
	f.open = true
	return f.record("acquire")
}
func (f *fakeExec) Status(context.Context) error { return f.record("status") }
func (f *fakeExec) Pull(context.Context) error   { return f.record("pull") }
func (f *fakeExec) Push(_ context.Context, d string) error {
	return f.record("push:" + d)
}
func (f *fakeExec) Sync(_ context.Context, d string) error {
	return f.record("sync:" + d)
}
func (f *fakeExec) Locks(context.Context) error { return f.record("locks") }
func (f *fakeExec) Codes(context.Context) error { return f.record("codes") }
func (f *fakeExec) Lock(_ context.Context, typ, id, level string) error {
	return f.record("lock:" + typ + "/" + id + "/" + level)
}
func (f *fakeExec) Reserve(_ context.Context, spec, scope, value string) error {
	return f.record("reserve:" + spec + "/" + scope + "/" + value)
}
func (f *fakeExec) Relinquish(context.Context) error { return f.record("relinquish") }
func (f *fakeExec) Edit(_ context.Context, id, value string) error {
	return f.record("edit:" + id + "=" + value)
}
func (f *fakeExec) Watch(context.Context) error { return f.record("watch") }

func stubOutput(t *testing.T) (printed *[]string, reported *[]error) {
	t.Helper()
	origPrint, origReport := printlnFn, reportFn
	t.Cleanup(func() { printlnFn, reportFn = origPrint, origReport })

	var lines []string
	var errs []error
	printlnFn = func(a ...any) (int, error) {
		parts := make([]string, len(a))
		for i, v := range a {
			parts[i] = strings.TrimSpace(strings.ReplaceAll(toString(v), "\n", " "))
		}
		lines = append(lines, strings.Join(parts, " "))
		return 0, nil
	}
	reportFn = func(err error) { errs = append(errs, err) }
	return &lines, &errs
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func run(t *testing.T, exec *fakeExec, lines ...string) {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(strings.Join(lines, "\n")))
	runREPL(context.Background(), exec, func() string { return "status" }, sc)
}

func TestRunREPL_Commands(t *testing.T) {
	printed, _ := stubOutput(t)
	exec := &fakeExec{}

	run(t, exec,
		"help",
		"pull",
		"acquire",
		"help",
		"status",
		"edit wall-1 red brick",
		"push first wall",
		"sync",
		"locks",
		"codes",
		"lock element wall-1 exclusive",
		"reserve 0x1 site DOOR-1",
		"relinquish",
		"watch",
		"",
		"foobar",
		"exit",
		"status",
	)

	assert.Equal(t, []string{
		"acquire",
		"status",
		"edit:wall-1=red brick",
		"push:first wall",
		"sync:",
		"locks",
		"codes",
		"lock:element/wall-1/exclusive",
		"reserve:0x1/site/DOOR-1",
		"relinquish",
		"watch",
	}, exec.calls)
	assert.Contains(t, *printed, helpNoBriefcase)
	assert.Contains(t, *printed, helpBriefcase)
	assert.Contains(t, *printed, "No briefcase open, run 'acquire' first")
	assert.Contains(t, *printed, "Unknown command: foobar")
	assert.Contains(t, *printed, "Bye!")
}

func TestRunREPL_UsageAndQuit(t *testing.T) {
	printed, _ := stubOutput(t)
	exec := &fakeExec{open: true}

	run(t, exec, "push", "lock element x", "reserve a b", "edit x", "quit")

	assert.Empty(t, exec.calls)
	assert.Contains(t, *printed, "Usage: push <description>")
	assert.Contains(t, *printed, "Usage: reserve <spec> <scope> <value>")
	assert.Contains(t, *printed, "Usage: edit <id> <value>")
}

func TestRunREPL_ReportsErrorsAndContinues(t *testing.T) {
	_, reported := stubOutput(t)
	boom := errors.New("boom")
	exec := &fakeExec{open: true, fail: boom}

	run(t, exec, "pull", "status")

	assert.Equal(t, []string{"pull", "status"}, exec.calls)
	assert.Equal(t, []error{boom, boom}, *reported)
}
