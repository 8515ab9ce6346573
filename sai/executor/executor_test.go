package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/sai/sai/types"
)

type recordingSink struct {
	mu   sync.Mutex
	logs map[int][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{logs: map[int][]byte{}}
}

func (s *recordingSink) Log(channel int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[channel] = append(s.logs[channel], data...)
}

func (s *recordingSink) get(channel int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.logs[channel])
}

func TestRunStep_SuccessfulExitEncodesCleanExit(t *testing.T) {
	sink := newRecordingSink()
	in := NewInstance("taskuuid", t.TempDir(), sink)

	finished := in.RunStep(context.Background(), 2, "echo hello")

	require.Equal(t, types.EncodeExit(0), finished)
	require.Equal(t, StateExecutingSteps, in.State())
	require.Contains(t, sink.get(types.ChannelStdout), "hello")
}

func TestRunStep_NonZeroExitEncodesFailureAndTransitionsFailed(t *testing.T) {
	sink := newRecordingSink()
	in := NewInstance("taskuuid", t.TempDir(), sink)

	finished := in.RunStep(context.Background(), 2, "exit 7")

	require.Equal(t, types.EncodeExit(7), finished)
	require.Equal(t, types.StateFailed, in.State())
}

func TestRunStep_CheckoutStepSuccessTransitionsCheckedOut(t *testing.T) {
	sink := newRecordingSink()
	in := NewInstance("taskuuid", t.TempDir(), sink)

	finished := in.RunStep(context.Background(), 1, "true")

	require.Equal(t, types.EncodeExit(0), finished)
	require.Equal(t, types.StateCheckedOut, in.State())
}

func TestRunStep_MirrorStepTransitionsThroughStartingMirror(t *testing.T) {
	sink := newRecordingSink()
	in := NewInstance("taskuuid", t.TempDir(), sink)

	finished := in.RunStep(context.Background(), 0, "true")
	require.Equal(t, types.EncodeExit(0), finished)
}

func TestCancel_EscalatesSIGTERMAndEncodesTerminated(t *testing.T) {
	sink := newRecordingSink()
	in := NewInstance("taskuuid", t.TempDir(), sink)

	var finished uint32
	done := make(chan struct{})
	go func() {
		finished = in.RunStep(context.Background(), 2, "trap '' TERM; sleep 30")
		close(done)
	}()

	// Give the subprocess time to install its trap before cancelling.
	time.Sleep(200 * time.Millisecond)
	in.Cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("RunStep did not return after Cancel")
	}
	require.Equal(t, types.EncodeTerminated(), finished)
	require.Equal(t, types.StateFailed, in.State())
}

func TestRunStep_TimeoutEncodesTimedOut(t *testing.T) {
	sink := newRecordingSink()
	in := NewInstance("taskuuid", t.TempDir(), sink)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	finished := in.RunStep(ctx, 2, "sleep 5")
	require.Equal(t, types.EncodeTimedOut(), finished)
}

func TestClassifyExit_CleanExit(t *testing.T) {
	require.Equal(t, types.EncodeExit(0), classifyExit(nil))
}
