// Package wire defines the JSON message schemas exchanged over the
// builder<->server and server<->web links, each carrying a top-level
// "schema" discriminator so a single framed connection can multiplex many
// message kinds.
package wire

import "encoding/json"

// Schema name constants, one per "schema" discriminator value.
const (
	SchemaBuilderAnnounce = "com-warmcat-sai-ba"
	SchemaTaskAssign      = "com-warmcat-sai-ta"
	SchemaTaskCancel      = "com.warmcat.sai.taskcan"
	SchemaLogs            = "com-warmcat-sai-logs"
	SchemaTaskReject      = "com.warmcat.sai.taskrej"
	SchemaArtifact        = "com-warmcat-sai-artifact"
	SchemaResource        = "com-warmcat-sai-resource"
	SchemaLoadReport      = "com.warmcat.sai.loadreport"

	SchemaTaskChange  = "sai-taskchange"
	SchemaEventChange = "sai-eventchange"
	SchemaBuilders    = "com.warmcat.sai.builders"
	SchemaOverview    = "sai-overview"
	SchemaTaskLogs    = "sai-tasklogs"
)

// RejectReason is the reason a builder gives for refusing a task offer.
type RejectReason string

const (
	RejectBusy RejectReason = "BUSY"
	RejectDupe RejectReason = "DUPE"
)

// Envelope is the minimal shape every wire message shares: enough to read
// the discriminator before unmarshalling the rest into a concrete type.
type Envelope struct {
	Schema string `json:"schema"`
}

// BuilderAnnounce is the builder's first message after connecting: its
// served platforms plus current capacity.
type BuilderAnnounce struct {
	Schema    string   `json:"schema"`
	Name      string   `json:"name"`
	Platforms []string `json:"platforms"`
	Ongoing   int      `json:"ongoing"`
	Instances int      `json:"instances"`
}

// NewBuilderAnnounce fills in the schema discriminator.
func NewBuilderAnnounce(name string, platforms []string, ongoing, instances int) BuilderAnnounce {
	return BuilderAnnounce{Schema: SchemaBuilderAnnounce, Name: name, Platforms: platforms, Ongoing: ongoing, Instances: instances}
}

// TaskAssign is the server's offer of one build step to a builder.
// RepoName/Ref are only meaningful for the sai-mirror/sai-checkout sentinel
// commands (build_step 0/1); the builder ignores them for step >= 2.
type TaskAssign struct {
	Schema      string `json:"schema"`
	TaskUUID    string `json:"task_uuid"`
	BuildStep   int    `json:"build_step"`
	StepCommand string `json:"step_command"`
	ArtUpNonce  string `json:"art_up_nonce"`
	RepoName    string `json:"repo_name"`
	Ref         string `json:"ref"`
}

func NewTaskAssign(taskUUID string, step int, cmd, nonce, repoName, ref string) TaskAssign {
	return TaskAssign{Schema: SchemaTaskAssign, TaskUUID: taskUUID, BuildStep: step, StepCommand: cmd,
		ArtUpNonce: nonce, RepoName: repoName, Ref: ref}
}

// TaskCancel asks a builder to terminate a running task's subprocess.
type TaskCancel struct {
	Schema   string `json:"schema"`
	TaskUUID string `json:"task_uuid"`
}

func NewTaskCancel(taskUUID string) TaskCancel {
	return TaskCancel{Schema: SchemaTaskCancel, TaskUUID: taskUUID}
}

// LogMessage is one chunk of build output flowing builder->server.
type LogMessage struct {
	Schema    string `json:"schema"`
	TaskUUID  string `json:"task_uuid"`
	Timestamp int64  `json:"timestamp"`
	Channel   int    `json:"channel"`
	Finished  uint32 `json:"finished"`
	Len       int    `json:"len"`
	Log       string `json:"log"` // base64
}

func NewLogMessage(taskUUID string, ts int64, channel int, finished uint32, log string) LogMessage {
	return LogMessage{Schema: SchemaLogs, TaskUUID: taskUUID, Timestamp: ts, Channel: channel, Finished: finished, Len: len(log), Log: log}
}

// TaskReject is the builder's refusal of an offered task, or a generic
// status reply.
type TaskReject struct {
	Schema   string       `json:"schema"`
	TaskUUID string       `json:"task_uuid"`
	Reason   RejectReason `json:"reason"`
}

func NewTaskReject(taskUUID string, reason RejectReason) TaskReject {
	return TaskReject{Schema: SchemaTaskReject, TaskUUID: taskUUID, Reason: reason}
}

// ArtifactHeader precedes the raw blob bytes on the secondary artifact
// upload stream.
type ArtifactHeader struct {
	Schema          string `json:"schema"`
	TaskUUID        string `json:"task_uuid"`
	BlobFilename    string `json:"blob_filename"`
	ArtifactUpNonce string `json:"artifact_up_nonce"`
	Timestamp       int64  `json:"timestamp"`
	Len             int    `json:"len"`
}

func NewArtifactHeader(taskUUID, filename, nonce string, ts int64, length int) ArtifactHeader {
	return ArtifactHeader{Schema: SchemaArtifact, TaskUUID: taskUUID, BlobFilename: filename, ArtifactUpNonce: nonce, Timestamp: ts, Len: length}
}

// ResourceRequest is a builder-proxied lease request from a user script.
type ResourceRequest struct {
	Schema    string `json:"schema"`
	ResName   string `json:"resname"`
	Cookie    string `json:"cookie"`
	Amount    int    `json:"amount"`
	LeaseSecs int    `json:"lease"`
}

func NewResourceRequest(resname, cookie string, amount, leaseSecs int) ResourceRequest {
	return ResourceRequest{Schema: SchemaResource, ResName: resname, Cookie: cookie, Amount: amount, LeaseSecs: leaseSecs}
}

// ResourceGrant is the server's reply to a ResourceRequest once granted.
type ResourceGrant struct {
	Schema string `json:"schema"`
	Cookie string `json:"cookie"`
	Amount int    `json:"amount"`
}

func NewResourceGrant(cookie string, amount int) ResourceGrant {
	return ResourceGrant{Schema: SchemaResource, Cookie: cookie, Amount: amount}
}

// ResourceYield tells the server to free a lease early, sent when the
// client holding it disconnects before the lease expires.
type ResourceYield struct {
	Schema string `json:"schema"`
	Cookie string `json:"cookie"`
}

func NewResourceYield(cookie string) ResourceYield {
	return ResourceYield{Schema: SchemaResource, Cookie: cookie}
}

// LoadReport is the builder's periodic capacity update.
type LoadReport struct {
	Schema      string `json:"schema"`
	Name        string `json:"name"`
	AvailSlots  int    `json:"avail_slots"`
	AvailMemKiB int64  `json:"avail_mem_kib"`
	AvailStoKiB int64  `json:"avail_sto_kib"`
}

func NewLoadReport(name string, slots int, memKiB, stoKiB int64) LoadReport {
	return LoadReport{Schema: SchemaLoadReport, Name: name, AvailSlots: slots, AvailMemKiB: memKiB, AvailStoKiB: stoKiB}
}

// TaskChange and EventChange are the web-facing broadcast notifications.
type TaskChange struct {
	Schema   string `json:"schema"`
	TaskUUID string `json:"task_uuid"`
	State    string `json:"state"`
}

func NewTaskChange(taskUUID, state string) TaskChange {
	return TaskChange{Schema: SchemaTaskChange, TaskUUID: taskUUID, State: state}
}

type EventChange struct {
	Schema    string `json:"schema"`
	EventUUID string `json:"event_uuid"`
	State     string `json:"state"`
}

func NewEventChange(eventUUID, state string) EventChange {
	return EventChange{Schema: SchemaEventChange, EventUUID: eventUUID, State: state}
}

// SchemaOf reads just the discriminator out of a raw JSON message.
func SchemaOf(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Schema, nil
}
