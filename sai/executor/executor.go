// Package executor implements Component E: the builder-side build
// instance state machine that runs one task's steps as subprocesses,
// captures their output into numbered log channels, and enforces the
// mirror/checkout/user-step timeouts and SIGTERM-escalation cancellation.
package executor

import (
	"context"
	"os"
	osexec "os/exec"
	"sync"
	"syscall"
	"time"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/types"
)

// State is one node of the build-instance state machine. CHECKOUT_SPEC
// from the original diagram is folded into CHECKEDOUT: see DESIGN.md.
type State string

const (
	StateInit               State = "INIT"
	StateMounting           State = "MOUNTING"
	StateStartingMirror     State = "STARTING_MIRROR"
	StateWaitRemoteMirror   State = "WAIT_REMOTE_MIRROR"
	StateCheckedOut         State = "CHECKEDOUT"
	StateExecutingSteps     State = "EXECUTING_STEPS"
	StateDone               State = "DONE"
	StateUploadingArtifacts State = "UPLOADING_ARTIFACTS"
	StateFailed             State = "FAILED"
)

const (
	// MirrorCheckoutTimeout bounds step 0 (mirror) and step 1 (checkout).
	MirrorCheckoutTimeout = 5 * time.Minute
	// UserStepTimeout bounds every step from 2 onward.
	UserStepTimeout = 30 * time.Minute

	// CancelSignalInterval is the spacing between escalating SIGTERMs sent
	// to a cancelled step's subprocess.
	CancelSignalInterval = 500 * time.Millisecond
	// CancelMaxAttempts bounds how many SIGTERMs cancellation sends before
	// giving up on the subprocess exiting.
	CancelMaxAttempts = 5
)

// LogSink receives a task's log output as it's produced, one channel
// (stdout=1, stderr=2, aux=4/5) at a time; the builder's link layer is
// responsible for base64-encoding and framing it onto the wire.
type LogSink interface {
	Log(channel int, data []byte)
}

// channelWriter adapts one LogSink channel to io.Writer so it can be
// plugged straight into exec.Cmd.Stdout/Stderr.
type channelWriter struct {
	sink    LogSink
	channel int
}

func (w channelWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.sink.Log(w.channel, p)
	}
	return len(p), nil
}

// Instance runs one task's steps in order, carrying state across the
// INIT..UPLOADING_ARTIFACTS machine. One Instance exists per concurrently
// running task on a builder.
type Instance struct {
	TaskUUID string
	JobDir   string
	Logs     LogSink

	mu      sync.Mutex
	state   State
	cmd     *osexec.Cmd
	cancel  chan struct{}
}

// NewInstance returns an Instance in state INIT.
func NewInstance(taskUUID, jobDir string, logs LogSink) *Instance {
	return &Instance{TaskUUID: taskUUID, JobDir: jobDir, Logs: logs, state: StateInit}
}

// State returns the instance's current state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// timeoutFor maps a build step index to its timeout, per spec.md §4.D's
// step numbering (0=mirror, 1=checkout, N>=2=user).
func timeoutFor(step int) time.Duration {
	if step < 2 {
		return MirrorCheckoutTimeout
	}
	return UserStepTimeout
}

// RunStep runs one step's shell command as a subprocess, capturing
// stdout/stderr into log channels 1/2, and returns the SAISPRF_ Finished
// encoding once it completes, times out, or is cancelled.
func (in *Instance) RunStep(ctx context.Context, step int, stepCmd string) uint32 {
	switch {
	case step == 0:
		in.setState(StateMounting)
		in.setState(StateStartingMirror)
	case step == 1:
		in.setState(StateWaitRemoteMirror)
	default:
		in.setState(StateExecutingSteps)
	}

	if err := os.MkdirAll(in.JobDir, 0755); err != nil {
		sklog.Errorf("executor: creating job dir %s: %s", in.JobDir, skerr.Wrap(err))
		in.setState(StateFailed)
		return types.EncodeExit(1)
	}

	runCtx, cancelTimeout := context.WithTimeout(ctx, timeoutFor(step))
	defer cancelTimeout()

	c := osexec.CommandContext(runCtx, "/bin/sh", "-c", stepCmd)
	c.Dir = in.JobDir
	if in.Logs != nil {
		c.Stdout = channelWriter{in.Logs, types.ChannelStdout}
		c.Stderr = channelWriter{in.Logs, types.ChannelStderr}
	}

	cancelCh := make(chan struct{})
	in.mu.Lock()
	in.cmd = c
	in.cancel = cancelCh
	in.mu.Unlock()

	startErr := c.Start()
	if startErr != nil {
		in.clearCmd()
		in.setState(StateFailed)
		sklog.Errorf("executor: starting step %d for %s: %s", step, in.TaskUUID, skerr.Wrap(startErr))
		return types.EncodeExit(1)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var finished uint32
	select {
	case err := <-done:
		finished = classifyExit(err)
	case <-cancelCh:
		finished = in.escalateAndWait(c, done)
	case <-runCtx.Done():
		// The subprocess is killed by CommandContext on context
		// cancellation; drain its exit so the process doesn't zombie.
		<-done
		finished = types.EncodeTimedOut()
	}
	in.clearCmd()

	switch finished & 0xff00 {
	case types.SAISPRFExit:
		if finished&0xff == 0 {
			if step == 1 {
				in.setState(StateCheckedOut)
			}
		} else {
			in.setState(StateFailed)
		}
	default:
		in.setState(StateFailed)
	}
	return finished
}

// FinishSuccessfulTask transitions a fully-succeeded task to DONE, for the
// caller to follow with artifact upload.
func (in *Instance) FinishSuccessfulTask() {
	in.setState(StateDone)
}

// BeginArtifactUpload transitions to UPLOADING_ARTIFACTS; the instance is
// discarded once the upload completes (there is no further state).
func (in *Instance) BeginArtifactUpload() {
	in.setState(StateUploadingArtifacts)
}

func (in *Instance) clearCmd() {
	in.mu.Lock()
	in.cmd = nil
	in.cancel = nil
	in.mu.Unlock()
}

// Cancel asks the running step's subprocess to exit, sending SIGTERM up to
// CancelMaxAttempts times at CancelSignalInterval, then giving up. It's a
// no-op if no step is currently running.
func (in *Instance) Cancel() {
	in.mu.Lock()
	cancelCh := in.cancel
	in.mu.Unlock()
	if cancelCh == nil {
		return
	}
	select {
	case cancelCh <- struct{}{}:
	default:
	}
}

// escalateAndWait is called once cancellation has been requested: it sends
// SIGTERM up to CancelMaxAttempts times, waiting CancelSignalInterval
// between each, and returns as soon as the subprocess exits or attempts
// are exhausted.
func (in *Instance) escalateAndWait(c *osexec.Cmd, done chan error) uint32 {
	for attempt := 0; attempt < CancelMaxAttempts; attempt++ {
		if c.Process != nil {
			_ = c.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-done:
			return types.EncodeTerminated()
		case <-time.After(CancelSignalInterval):
		}
	}
	// Exhausted escalation; the task is reported terminated regardless.
	// Once RunStep returns, its deferred cancel of runCtx makes
	// CommandContext kill the subprocess.
	sklog.Warningf("executor: task %s did not exit after %d SIGTERMs", in.TaskUUID, CancelMaxAttempts)
	return types.EncodeTerminated()
}

// classifyExit maps osexec.Cmd.Wait's error (or nil) to a SAISPRF_
// encoding.
func classifyExit(err error) uint32 {
	if err == nil {
		return types.EncodeExit(0)
	}
	var exitErr *osexec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return types.EncodeSignalled(int(status.Signal()))
			}
			return types.EncodeExit(status.ExitStatus())
		}
		return types.EncodeExit(exitErr.ExitCode())
	}
	return types.EncodeExit(1)
}

func asExitError(err error, target **osexec.ExitError) bool {
	if ee, ok := err.(*osexec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

