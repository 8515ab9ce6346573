// Package exec wraps os/exec so build steps can be spawned with a captured
// stdout/stderr, an optional timeout, and a single return path for the
// caller, rather than every call site hand-rolling os/exec plumbing.
package exec

import (
	"context"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"go.skia.org/sai/go/skerr"
)

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Env  []string
	Dir  string

	// InheritEnv appends the current process's environment to Env instead of
	// replacing it.
	InheritEnv bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// CombinedOutput, if set, additionally receives both streams merged.
	CombinedOutput io.Writer

	// Timeout kills the subprocess if it runs longer than this. Zero means
	// no timeout.
	Timeout time.Duration
}

// ParseCommand splits a single shell-word-per-space command line into a
// Command. It does not understand quoting; callers needing that should
// build Command.Args directly.
func ParseCommand(cmdLine string) Command {
	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		return Command{Name: "", Args: []string{}}
	}
	return Command{Name: fields[0], Args: append([]string{}, fields[1:]...)}
}

// squashWriters merges any number of possibly-nil io.Writers into one
// io.Writer that fans writes out to all of the non-nil ones. Returns nil if
// every writer is nil, so callers can omit Stdout/Stderr entirely.
func squashWriters(writers ...io.Writer) io.Writer {
	live := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w == nil {
			continue
		}
		if f, ok := w.(*os.File); ok && f == nil {
			continue
		}
		live = append(live, w)
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return live[0]
	}
	return io.MultiWriter(live...)
}

// Run executes cmd and blocks until it exits, ctx is cancelled, or the
// command's own Timeout elapses, whichever comes first.
func Run(ctx context.Context, cmd *Command) error {
	_, err := run(ctx, cmd)
	return err
}

// RunCommand is Run with its combined stdout+stderr captured and returned
// as a string, convenient for short-lived helper invocations.
func RunCommand(ctx context.Context, cmd *Command) (string, error) {
	buf := &strings.Builder{}
	if cmd.CombinedOutput == nil {
		cmd.CombinedOutput = buf
	}
	out, err := run(ctx, cmd)
	if cmd.CombinedOutput == buf {
		return buf.String(), err
	}
	return out, err
}

// RunSimple parses name+args as a single string and runs it with no
// captured output.
func RunSimple(ctx context.Context, cmdLine string) error {
	c := ParseCommand(cmdLine)
	return Run(ctx, &c)
}

// RunCwd runs name/args in the given working directory and returns combined
// stdout+stderr.
func RunCwd(ctx context.Context, cwd, name string, args ...string) (string, error) {
	return RunCommand(ctx, &Command{Name: name, Args: args, Dir: cwd})
}

func run(ctx context.Context, cmd *Command) (string, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := osexec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.InheritEnv {
		c.Env = append(os.Environ(), cmd.Env...)
	} else if cmd.Env != nil {
		c.Env = cmd.Env
	}
	c.Stdin = cmd.Stdin

	combined := &strings.Builder{}
	var combinedWriter io.Writer
	if cmd.CombinedOutput != nil {
		combinedWriter = io.MultiWriter(cmd.CombinedOutput, combined)
	} else {
		combinedWriter = combined
	}

	c.Stdout = squashWriters(cmd.Stdout, combinedWriter)
	c.Stderr = squashWriters(cmd.Stderr, combinedWriter)

	if err := c.Run(); err != nil {
		return combined.String(), skerr.Wrapf(err, "running %q", cmd.Name)
	}
	return combined.String(), nil
}
