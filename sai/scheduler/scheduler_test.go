package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/sai/sai/eventdb"
	"go.skia.org/sai/sai/registry"
	"go.skia.org/sai/sai/taskstore"
	"go.skia.org/sai/sai/types"
	"go.skia.org/sai/sai/wire"
)

type fakeDispatcher struct {
	mu  sync.Mutex
	got []wire.TaskAssign
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, builder string, msg wire.TaskAssign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeDispatcher) last() (wire.TaskAssign, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return wire.TaskAssign{}, false
	}
	return f.got[len(f.got)-1], true
}

func newTestScheduler(t *testing.T) (*Scheduler, *taskstore.Store, *registry.Registry, *fakeDispatcher) {
	t.Helper()
	dir := t.TempDir()
	global, err := taskstore.OpenGlobal(context.Background(), filepath.Join(dir, "events.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { global.Close() })
	metrics, err := taskstore.OpenBuildMetrics(context.Background(), filepath.Join(dir, "build-metrics.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { metrics.Close() })
	pool := eventdb.New(dir, "sai-test")
	t.Cleanup(pool.Close)

	store := taskstore.New(global, metrics, pool)
	reg := registry.New(global.DB)
	disp := &fakeDispatcher{}
	return New(store, reg, disp, nil), store, reg, disp
}

func TestStepCommand(t *testing.T) {
	cmd, ok := stepCommand("echo one\necho two", 0)
	require.True(t, ok)
	require.Equal(t, "sai-mirror", cmd)

	cmd, ok = stepCommand("echo one\necho two", 1)
	require.True(t, ok)
	require.Equal(t, "sai-checkout", cmd)

	cmd, ok = stepCommand("echo one\necho two", 2)
	require.True(t, ok)
	require.Equal(t, "echo one", cmd)

	cmd, ok = stepCommand("echo one\necho two", 3)
	require.True(t, ok)
	require.Equal(t, "echo two", cmd)

	_, ok = stepCommand("echo one\necho two", 4)
	require.False(t, ok)
}

func TestOfferTo_BindsBestCandidateAndDispatches(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t)
	ctx := context.Background()

	eventUUID := types.NewEventUUID()
	taskUUID, _ := types.NewTaskUUID(eventUUID)
	require.NoError(t, store.CreateEvent(ctx, types.Event{UUID: eventUUID, RepoName: "skia", Ref: "main"}, []types.Task{
		{UUID: taskUUID, Platform: "linux-debian/x86_64/gcc", Build: "echo hi", BuildStepCount: 3},
	}))

	require.NoError(t, reg.Register(ctx, "pi-01", []string{"linux-debian/x86_64/gcc"}, 2, 0, ""))
	reg.UpdateLoadReport("pi-01", 2, 1<<20, 1<<20)

	require.NoError(t, sched.offerTo(ctx, "pi-01"))

	msg, ok := disp.last()
	require.True(t, ok)
	require.Equal(t, taskUUID, msg.TaskUUID)
	require.Equal(t, "sai-mirror", msg.StepCommand)
	require.True(t, reg.IsInflight(taskUUID, "pi-01"))

	task, err := store.GetTask(ctx, eventUUID, taskUUID)
	require.NoError(t, err)
	require.Equal(t, types.StatePassedToBuilder, task.State)
	require.Equal(t, "pi-01", task.Builder)
}

func TestOfferTo_SkipsOverBudgetCandidate(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t)
	ctx := context.Background()

	eventUUID := types.NewEventUUID()
	big, _ := types.NewTaskUUID(eventUUID)
	small, _ := types.NewTaskUUID(eventUUID)
	require.NoError(t, store.CreateEvent(ctx, types.Event{UUID: eventUUID, RepoName: "skia", Ref: "main"}, []types.Task{
		{UUID: big, Platform: "linux//", BuildStepCount: 3, EstPeakMemKiB: 2_000_000},
		{UUID: small, Platform: "linux//", BuildStepCount: 3, EstPeakMemKiB: 100},
	}))

	require.NoError(t, reg.Register(ctx, "pi-01", []string{"linux//"}, 1, 0, ""))
	reg.UpdateLoadReport("pi-01", 1, 1_000_000, 1<<20)

	require.NoError(t, sched.offerTo(ctx, "pi-01"))

	msg, ok := disp.last()
	require.True(t, ok)
	require.NotEqual(t, big, msg.TaskUUID)
}

func TestAdvanceStep_SuccessDispatchesNextStep(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t)
	ctx := context.Background()

	eventUUID := types.NewEventUUID()
	taskUUID, _ := types.NewTaskUUID(eventUUID)
	require.NoError(t, store.CreateEvent(ctx, types.Event{UUID: eventUUID, RepoName: "skia", Ref: "main"}, []types.Task{
		{UUID: taskUUID, Platform: "linux//", Build: "echo hi", BuildStepCount: 3},
	}))
	require.NoError(t, reg.Register(ctx, "pi-01", []string{"linux//"}, 1, 0, ""))
	require.NoError(t, store.UpdateTaskState(ctx, eventUUID, taskUUID, types.StateBeingBuilt, 0, 0, 1, "pi-01"))

	sched.advanceStep(ctx, taskUUID, types.EncodeExit(0))

	msg, ok := disp.last()
	require.True(t, ok)
	require.Equal(t, 2, msg.BuildStep)
	require.Equal(t, "echo hi", msg.StepCommand)
}

func TestAdvanceStep_LastStepSucceedsToSuccess(t *testing.T) {
	sched, store, reg, _ := newTestScheduler(t)
	ctx := context.Background()

	eventUUID := types.NewEventUUID()
	taskUUID, _ := types.NewTaskUUID(eventUUID)
	require.NoError(t, store.CreateEvent(ctx, types.Event{UUID: eventUUID, RepoName: "skia", Ref: "main"}, []types.Task{
		{UUID: taskUUID, Platform: "linux//", Build: "echo hi", BuildStepCount: 3},
	}))
	require.NoError(t, reg.Register(ctx, "pi-01", []string{"linux//"}, 1, 0, ""))
	require.NoError(t, store.UpdateTaskState(ctx, eventUUID, taskUUID, types.StateBeingBuilt, 0, 0, 2, "pi-01"))

	sched.advanceStep(ctx, taskUUID, types.EncodeExit(0))

	task, err := store.GetTask(ctx, eventUUID, taskUUID)
	require.NoError(t, err)
	require.Equal(t, types.StateSuccess, task.State)
}

func TestAdvanceStep_NonZeroExitFails(t *testing.T) {
	sched, store, reg, _ := newTestScheduler(t)
	ctx := context.Background()

	eventUUID := types.NewEventUUID()
	taskUUID, _ := types.NewTaskUUID(eventUUID)
	require.NoError(t, store.CreateEvent(ctx, types.Event{UUID: eventUUID, RepoName: "skia", Ref: "main"}, []types.Task{
		{UUID: taskUUID, Platform: "linux//", Build: "echo hi", BuildStepCount: 3},
	}))
	require.NoError(t, reg.Register(ctx, "pi-01", []string{"linux//"}, 1, 0, ""))
	require.NoError(t, store.UpdateTaskState(ctx, eventUUID, taskUUID, types.StateBeingBuilt, 0, 0, 1, "pi-01"))

	sched.advanceStep(ctx, taskUUID, types.EncodeExit(1))

	task, err := store.GetTask(ctx, eventUUID, taskUUID)
	require.NoError(t, err)
	require.Equal(t, types.StateFail, task.State)
}

func TestHandleReject_ResetsToWaitingAndRecordsLastRejected(t *testing.T) {
	sched, store, reg, _ := newTestScheduler(t)
	ctx := context.Background()

	eventUUID := types.NewEventUUID()
	taskUUID, _ := types.NewTaskUUID(eventUUID)
	require.NoError(t, store.CreateEvent(ctx, types.Event{UUID: eventUUID, RepoName: "skia", Ref: "main"}, []types.Task{
		{UUID: taskUUID, Platform: "linux//", BuildStepCount: 3},
	}))
	require.NoError(t, reg.Register(ctx, "pi-01", []string{"linux//"}, 1, 0, ""))
	reg.MarkOffered(ctx, "pi-01", taskUUID)

	sched.handleReject(ctx, "pi-01", taskUUID, wire.RejectBusy)

	task, err := store.GetTask(ctx, eventUUID, taskUUID)
	require.NoError(t, err)
	require.Equal(t, types.StateWaiting, task.State)
	require.False(t, reg.IsInflight(taskUUID, "pi-01"))
	require.Equal(t, taskUUID, reg.Get("pi-01").LastRejTaskUUID)
}
