// Package types defines Sai's core data model: events, tasks, logs,
// artifacts, build metrics, and the in-memory builder/resource bookkeeping
// structures, exactly as laid out in the system's event/task data model.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventState is the lifecycle of an Event (and, minus DELETED, of a Task).
type EventState string

const (
	StateWaiting                EventState = "WAITING"
	StatePassedToBuilder         EventState = "PASSED_TO_BUILDER"
	StateBeingBuilt              EventState = "BEING_BUILT"
	StateSuccess                 EventState = "SUCCESS"
	StateFail                    EventState = "FAIL"
	StateCancelled               EventState = "CANCELLED"
	StateBeingBuiltHasFailures   EventState = "BEING_BUILT_HAS_FAILURES"
	StateDeleted                 EventState = "DELETED" // event-only
)

// Exit-reason bits encoded into Log.Finished, per the original SAISPRF_
// constants: the low bits carry an exit code or signal number, the high
// bits select which of the four reasons applies.
const (
	SAISPRFExit       = 1 << 8
	SAISPRFSignalled  = 1 << 9
	SAISPRFTimedOut   = 1 << 10
	SAISPRFTerminated = 1 << 11

	saisprfReasonMask = SAISPRFExit | SAISPRFSignalled | SAISPRFTimedOut | SAISPRFTerminated
	saisprfCodeMask   = 0xff
)

// EncodeExit packs a clean exit code into the Finished encoding.
func EncodeExit(code int) uint32 { return SAISPRFExit | (uint32(code) & saisprfCodeMask) }

// EncodeSignalled packs a terminating signal number into the Finished
// encoding.
func EncodeSignalled(sig int) uint32 { return SAISPRFSignalled | (uint32(sig) & saisprfCodeMask) }

// EncodeTimedOut is the Finished encoding for a step killed by its own
// timeout.
func EncodeTimedOut() uint32 { return SAISPRFTimedOut }

// EncodeTerminated is the Finished encoding for a step killed by
// cancellation (SIGTERM escalation exhausted).
func EncodeTerminated() uint32 { return SAISPRFTerminated }

// DecodeFinishedState maps a Log.Finished encoding to the resulting task
// state: SUCCESS for a clean zero exit, FAIL for everything else except an
// explicit cancellation.
func DecodeFinishedState(finished uint32) EventState {
	switch finished & saisprfReasonMask {
	case SAISPRFExit:
		if finished&saisprfCodeMask == 0 {
			return StateSuccess
		}
		return StateFail
	case SAISPRFTerminated:
		return StateCancelled
	default: // Signalled, TimedOut
		return StateFail
	}
}

// Event is a push to a git ref; the root of zero-or-more Tasks.
type Event struct {
	UUID        string // 32 hex chars, primary key
	RepoName    string
	Ref         string
	Hash        string
	SourceIP    string
	Created     int64 // unix seconds
	LastUpdated int64
	State       EventState
}

// Task is one platform's work for one Event.
type Task struct {
	UUID         string // 64 hex chars; UUID[:32] == owning Event.UUID
	Platform     string // "os-distro/arch/toolchain"
	State        EventState
	Build        string // full multi-line build script
	BuildStep    int    // 0-based cursor, persisted
	BuildStepCount int
	Builder      string // bound builder's name, empty when unbound
	Started      int64  // unix seconds
	Duration     int64  // microseconds
	EstPeakMemKiB int64
	EstDiskKiB    int64
	ArtUpNonce   string // 32 hex, never leaves builder+server
	ArtDownNonce string // 32 hex, embedded in download URLs
}

// EventUUID recovers the owning event's uuid from the task uuid invariant.
func (t *Task) EventUUID() string {
	if len(t.UUID) < 32 {
		return ""
	}
	return t.UUID[:32]
}

// Log channel numbering, per the data model: 1/2 are the process's own
// stdout/stderr, 3 is builder-synthesized status, 4+ are auxiliary
// per-instance channels (structured logs from user code).
const (
	ChannelStdout = 1
	ChannelStderr = 2
	ChannelStatus = 3
	ChannelAux1   = 4
	ChannelAux2   = 5
)

// Log is one chunk of build output.
type Log struct {
	TaskUUID  string
	Timestamp int64 // microseconds since epoch, monotonic within a task
	Channel   int
	Finished  uint32 // non-zero only on the last log of a task
	Len       int
	LogB64    string // base64-encoded opaque bytes
}

// Artifact is a file produced by a task's build.
type Artifact struct {
	TaskUUID       string
	BlobFilename   string
	ArtifactUpNonce   string
	ArtifactDownNonce string
	Timestamp      int64
	Len            int
	Blob           []byte
}

// BuildMetric is one post-completion resource-usage sample used by the
// scheduler to estimate a task's memory/disk cost.
type BuildMetric struct {
	Key         string // hash(builder, spawn, project, ref)
	UnixTime    int64
	USCPUUser   int64
	USCPUSys    int64
	PeakMemRSS  int64
	StgBytes    int64
	Parallel    int
	Step        int
}

// MetricKey derives the BuildMetric grouping key.
func MetricKey(builder, spawn, project, ref string) string {
	h := fnv64a(builder + "\x00" + spawn + "\x00" + project + "\x00" + ref)
	return fmt.Sprintf("%016x", h)
}

func fnv64a(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// InflightEntry is one task the server has offered to a builder but not
// yet confirmed started or completed.
type InflightEntry struct {
	TaskUUID    string
	USTimeListed int64
	Started     bool
}

// BuilderRegistration is the live, in-memory record of a connected builder.
type BuilderRegistration struct {
	Name          string // unique; platform is the suffix after the first dot
	Platforms     []string
	Ongoing       int
	Instances     int // max parallel
	AvailSlots    int
	AvailMemKiB   int64
	AvailStoKiB   int64
	Inflight      []InflightEntry
	LastRejTaskUUID string
	PeerIP        string
	Online        bool
}

// Requisition is one outstanding or granted request against a
// WellKnownResource.
type Requisition struct {
	Cookie     string
	Amount     int
	LeaseSecs  int
	Requester  string // opaque connection identifier
}

// WellKnownResource is a named, globally bounded counting resource user
// scripts may lease through the builder's resource proxy.
type WellKnownResource struct {
	Name      string
	Budget    int
	Allocated int
	Queue     []Requisition
	Leased    map[string]Requisition // cookie -> requisition
}

// NewEventUUID returns a fresh 32-hex-char event uuid.
func NewEventUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewTaskUUID builds a 64-hex-char task uuid whose first 32 characters are
// eventUUID, satisfying the join-key invariant between the global and
// per-event databases.
func NewTaskUUID(eventUUID string) (string, error) {
	if len(eventUUID) != 32 {
		return "", fmt.Errorf("types: event uuid must be 32 hex chars, got %d", len(eventUUID))
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return eventUUID + suffix, nil
}

// NewNonce returns a fresh 32-hex-char secret, used for artifact up/down
// nonces.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TaskWorkspaceName is the <home>/jobs/<task-vn> directory name for a task:
// the first 4 and last 4 hex characters of its uuid.
func TaskWorkspaceName(taskUUID string) string {
	if len(taskUUID) < 8 {
		return taskUUID
	}
	return taskUUID[:4] + taskUUID[len(taskUUID)-4:]
}
