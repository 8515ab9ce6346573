// Package scheduler implements Component D: the single goroutine that
// binds waiting tasks to connected builders. Per the concurrency model, one
// goroutine owns all scheduler state; every other component reaches it only
// by sending a trigger, never by calling its methods directly from another
// goroutine.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.skia.org/sai/go/now"
	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/metrics"
	"go.skia.org/sai/sai/registry"
	"go.skia.org/sai/sai/taskstore"
	"go.skia.org/sai/sai/types"
	"go.skia.org/sai/sai/wire"
)

// TickInterval is the scheduler's periodic tick.
const TickInterval = time.Second

// MaxExtraCandidates bounds how many additional pending tasks the scheduler
// will inspect for one builder in a single tick after a resource-budget
// shortfall, before giving up until the next tick.
const MaxExtraCandidates = 4

// Dispatcher delivers a task-step assignment to a connected builder. The
// production implementation lives over sai/framer; tests supply a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, builder string, msg wire.TaskAssign) error
}

// Notifier is told about state changes so it can broadcast them to the web
// bridge. The production implementation wraps sai/notify.
type Notifier interface {
	TaskChanged(taskUUID string, state types.EventState)
	EventChanged(eventUUID string, state types.EventState)
}

// noopNotifier is used when the caller doesn't care about notifications.
type noopNotifier struct{}

func (noopNotifier) TaskChanged(string, types.EventState)  {}
func (noopNotifier) EventChanged(string, types.EventState) {}

// Scheduler is Component D. All its exported methods other than Run, Stop,
// and the trigger/handler entry points are safe to call only from within
// the single goroutine Run starts; cross-goroutine calls go through the
// trigger channel or the Handle* methods, which are themselves
// goroutine-safe because they just enqueue work.
type Scheduler struct {
	store      *taskstore.Store
	registry   *registry.Registry
	dispatcher Dispatcher
	notifier   Notifier
	metrics    *metrics.Registry

	trigger chan struct{}
	events  chan func(context.Context)
	stop    chan struct{}
	wg      sync.WaitGroup
}

// SetMetrics wires m to the scheduler's tick/bind counters. Call before Run;
// nil (the default) disables instrumentation.
func (s *Scheduler) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// New constructs a Scheduler. Pass a nil Notifier to skip notifications.
func New(store *taskstore.Store, reg *registry.Registry, dispatcher Dispatcher, notifier Notifier) *Scheduler {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Scheduler{
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		notifier:   notifier,
		trigger:    make(chan struct{}, 1),
		events:     make(chan func(context.Context), 64),
		stop:       make(chan struct{}),
	}
}

// Run starts the scheduler's single event-loop goroutine and blocks until
// ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	t := time.NewTicker(TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		case fn := <-s.events:
			fn(ctx)
		}
	}
}

// Stop ends Run's loop and waits for it to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// TriggerTick asks for an out-of-cycle scheduling pass (task state change,
// builder connect, or builder free-slot edge). Safe from any goroutine;
// coalesces if one is already pending.
func (s *Scheduler) TriggerTick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// runOnce is the scheduler's per-tick body: for every connected builder
// with spare capacity, find and bind the best pending task.
func (s *Scheduler) runOnce(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.Counter("sai_scheduler_ticks_total", "scheduler passes run").WithLabelValues().Inc()
	}

	for _, uuid := range s.registry.PruneAbandoned(ctx) {
		sklog.Infof("scheduler: pruning abandoned inflight offer %s (no-start grace elapsed)", uuid)
	}

	for _, b := range s.registry.Online() {
		if b.AvailSlots <= 0 {
			continue
		}
		if err := s.offerTo(ctx, b.Name); err != nil {
			sklog.Errorf("scheduler: offering to %s: %s", b.Name, err)
		}
	}
}

// offerTo tries, across up to 1+MaxExtraCandidates pending candidates, to
// find one that fits builder's reported resources and bind it.
func (s *Scheduler) offerTo(ctx context.Context, builderName string) error {
	b := s.registry.Get(builderName)
	if b == nil {
		return nil
	}
	excluded := b.LastRejTaskUUID

	for attempt := 0; attempt <= MaxExtraCandidates; attempt++ {
		candidate, platform := s.bestCandidate(ctx, b, excluded)
		if candidate == nil {
			return nil
		}

		if s.registry.IsInflight(candidate.UUID, "") {
			excluded = candidate.UUID
			continue
		}

		if candidate.EstPeakMemKiB > b.AvailMemKiB || candidate.EstDiskKiB > b.AvailStoKiB {
			excluded = candidate.UUID
			continue
		}

		return s.bind(ctx, *candidate, platform, builderName)
	}
	return nil
}

// bestCandidate asks the task store for the best pending task across every
// platform builder b serves, skipping excluded.
func (s *Scheduler) bestCandidate(ctx context.Context, b *types.BuilderRegistration, excluded string) (*types.Task, string) {
	for _, platform := range b.Platforms {
		t, err := s.store.PendingForPlatform(ctx, platform, excluded)
		if err != nil {
			sklog.Errorf("scheduler: scanning pending tasks for platform %s: %s", platform, err)
			continue
		}
		if t != nil {
			return t, platform
		}
	}
	return nil, ""
}

// bind executes the binding protocol: state -> PASSED_TO_BUILDER, inflight
// add, provisional slot decrement, task message enqueued on the link.
func (s *Scheduler) bind(ctx context.Context, task types.Task, platform, builderName string) error {
	eventUUID := task.EventUUID()
	cmd, ok := stepCommand(task.Build, task.BuildStep)
	if !ok {
		return skerr.Fmt("scheduler: task %s has no step %d (build_step_count=%d)", task.UUID, task.BuildStep, task.BuildStepCount)
	}

	startedAt := now.Now(ctx).Unix()
	if err := s.store.UpdateTaskState(ctx, eventUUID, task.UUID, types.StatePassedToBuilder, startedAt, task.Duration, task.BuildStep, builderName); err != nil {
		return err
	}
	s.registry.MarkOffered(ctx, builderName, task.UUID)
	s.notifier.TaskChanged(task.UUID, types.StatePassedToBuilder)

	repoName, ref := s.repoRefFor(ctx, eventUUID, task.BuildStep)
	assign := wire.NewTaskAssign(task.UUID, task.BuildStep, cmd, task.ArtUpNonce, repoName, ref)
	if err := s.dispatcher.Dispatch(ctx, builderName, assign); err != nil {
		return skerr.Wrapf(err, "scheduler: dispatching task %s to %s", task.UUID, builderName)
	}
	if s.metrics != nil {
		s.metrics.Counter("sai_scheduler_binds_total", "tasks bound to a builder", "platform").WithLabelValues(platform).Inc()
	}
	return nil
}

// repoRefFor looks up the owning event's repo/ref, but only for the
// sai-mirror/sai-checkout sentinel steps that actually need it.
func (s *Scheduler) repoRefFor(ctx context.Context, eventUUID string, step int) (repoName, ref string) {
	if step != 0 && step != 1 {
		return "", ""
	}
	repoName, ref, err := s.store.EventRepo(ctx, eventUUID)
	if err != nil {
		sklog.Errorf("scheduler: looking up repo/ref for event %s: %s", eventUUID, err)
		return "", ""
	}
	return repoName, ref
}

// HandleReject processes a builder's BUSY/DUPE refusal of an offered task:
// the task returns to WAITING but is deliberately NOT re-offered this tick,
// so the caller must not invoke TriggerTick here.
func (s *Scheduler) HandleReject(ctx context.Context, builderName, taskUUID string, reason wire.RejectReason) {
	s.events <- func(ctx context.Context) { s.handleReject(ctx, builderName, taskUUID, reason) }
}

func (s *Scheduler) handleReject(ctx context.Context, builderName, taskUUID string, reason wire.RejectReason) {
	eventUUID := taskUUID[:32]
	s.registry.ClearInflight(builderName, taskUUID)
	s.registry.SetLastRejected(builderName, taskUUID)
	if err := s.store.ResetTask(ctx, eventUUID, taskUUID); err != nil {
		sklog.Errorf("scheduler: resetting rejected task %s: %s", taskUUID, err)
		return
	}
	sklog.Infof("scheduler: builder %s rejected task %s (%s); returned to WAITING", builderName, taskUUID, reason)
}

// HandleStepFinished processes a step's completion, advancing the task to
// its next step on success, or to a terminal state on failure/cancellation.
// finished is a Log.Finished-style SAISPRF_ encoding.
func (s *Scheduler) HandleStepFinished(ctx context.Context, taskUUID string, finished uint32) {
	s.events <- func(ctx context.Context) {
		if err := s.advanceStep(ctx, taskUUID, finished); err != nil {
			sklog.Errorf("scheduler: advancing task %s: %s", taskUUID, err)
		}
	}
}

func (s *Scheduler) advanceStep(ctx context.Context, taskUUID string, finished uint32) error {
	eventUUID := taskUUID[:32]
	task, err := s.store.GetTask(ctx, eventUUID, taskUUID)
	if err != nil {
		return err
	}

	result := types.DecodeFinishedState(finished)
	if result == types.StateFail || result == types.StateCancelled {
		if err := s.store.UpdateTaskState(ctx, eventUUID, taskUUID, result, task.Started, task.Duration, task.BuildStep, task.Builder); err != nil {
			return err
		}
		s.registry.ClearInflight(task.Builder, taskUUID)
		s.notifier.TaskChanged(taskUUID, result)
		return nil
	}

	nextStep := task.BuildStep + 1
	if nextStep >= task.BuildStepCount {
		if err := s.store.UpdateTaskState(ctx, eventUUID, taskUUID, types.StateSuccess, task.Started, task.Duration, task.BuildStep, task.Builder); err != nil {
			return err
		}
		s.registry.ClearInflight(task.Builder, taskUUID)
		s.notifier.TaskChanged(taskUUID, types.StateSuccess)
		return nil
	}

	// Step cursor is persisted before the next step is dispatched: a crash
	// between persist and dispatch re-sends the same step on restart
	// (idempotent for well-behaved build scripts); the alternative order
	// risks silently skipping a step. See DESIGN.md for the tradeoff.
	if err := s.store.PersistBuildStep(ctx, eventUUID, taskUUID, nextStep); err != nil {
		return err
	}
	cmd, ok := stepCommand(task.Build, nextStep)
	if !ok {
		return skerr.Fmt("scheduler: task %s missing script line for step %d", taskUUID, nextStep)
	}
	repoName, ref := s.repoRefFor(ctx, eventUUID, nextStep)
	assign := wire.NewTaskAssign(taskUUID, nextStep, cmd, task.ArtUpNonce, repoName, ref)
	return s.dispatcher.Dispatch(ctx, task.Builder, assign)
}

// stepCommand maps a build step index to its shell command: step 0 is the
// mirror helper, step 1 is checkout, step N>=2 is the (N-2)-th line of the
// user build script.
func stepCommand(build string, step int) (string, bool) {
	switch step {
	case 0:
		return "sai-mirror", true
	case 1:
		return "sai-checkout", true
	}
	lines := strings.Split(build, "\n")
	idx := step - 2
	if idx < 0 || idx >= len(lines) {
		return "", false
	}
	return lines[idx], true
}
