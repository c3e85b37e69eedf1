package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// reportFn prints a failed command. Conflicts are listed in colour.
var reportFn = printError

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	hasBriefcase() bool
	Acquire(ctx context.Context) error
	Status(ctx context.Context) error
	Pull(ctx context.Context) error
	Push(ctx context.Context, description string) error
	Sync(ctx context.Context, description string) error
	Locks(ctx context.Context) error
	Codes(ctx context.Context) error
	Lock(ctx context.Context, typ, id, level string) error
	Reserve(ctx context.Context, spec, scope, value string) error
	Relinquish(ctx context.Context) error
	Edit(ctx context.Context, id, value string) error
	Watch(ctx context.Context) error
}

const (
	helpNoBriefcase = "Available commands: acquire, exit"
	helpBriefcase   = "Available commands: status, pull, push <description>, sync [description], locks, codes, " +
		"lock <type> <id> <level>, reserve <spec> <scope> <value>, relinquish, edit <id> <value>, watch, exit"
)

// runREPL starts a read-eval-print loop over the briefcase commands.
//
// It reads a line from the scanner, parses the first token as the command
// and the rest as its arguments, and dispatches to methods on a. Handler
// errors are reported and the loop goes on. The loop exits on scanner EOF
// or when the user types "exit" or "quit".
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("bs %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		if cmd == "exit" || cmd == "quit" {
			printlnFn("Bye!")
			return
		}
		if err := dispatch(ctx, a, cmd, args); err != nil {
			reportFn(err)
		}
	}
}

func dispatch(ctx context.Context, a execIface, cmd string, args []string) error {
	if cmd == "help" {
		if a.hasBriefcase() {
			printlnFn(helpBriefcase)
		} else {
			printlnFn(helpNoBriefcase)
		}
		return nil
	}
	if cmd == "acquire" {
		return a.Acquire(ctx)
	}
	if !a.hasBriefcase() {
		switch cmd {
		case "status", "pull", "push", "sync", "locks", "codes", "lock", "reserve", "relinquish", "edit", "watch":
			printlnFn("No briefcase open, run 'acquire' first")
			return nil
		}
	}

	switch cmd {
	case "status":
		return a.Status(ctx)
	case "pull":
		return a.Pull(ctx)
	case "push":
		if len(args) == 0 {
			printlnFn("Usage: push <description>")
			return nil
		}
		return a.Push(ctx, strings.Join(args, " "))
	case "sync":
		return a.Sync(ctx, strings.Join(args, " "))
	case "locks":
		return a.Locks(ctx)
	case "codes":
		return a.Codes(ctx)
	case "lock":
		if len(args) != 3 {
			printlnFn("Usage: lock <db|model|element|schemas> <id> <none|shared|exclusive>")
			return nil
		}
		return a.Lock(ctx, args[0], args[1], args[2])
	case "reserve":
		if len(args) != 3 {
			printlnFn("Usage: reserve <spec> <scope> <value>")
			return nil
		}
		return a.Reserve(ctx, args[0], args[1], args[2])
	case "relinquish":
		return a.Relinquish(ctx)
	case "edit":
		if len(args) < 2 {
			printlnFn("Usage: edit <id> <value>")
			return nil
		}
		return a.Edit(ctx, args[0], strings.Join(args[1:], " "))
	case "watch":
		return a.Watch(ctx)
	default:
		printlnFn("Unknown command:", cmd)
		return nil
	}
}
