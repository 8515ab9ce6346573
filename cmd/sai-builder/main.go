// Command sai-builder connects to a sai-server, announces its platforms,
// and executes whatever build steps it's assigned, streaming logs and
// forwarding resource leases back over the same link.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"go.skia.org/sai/go/now"
	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/config"
	"go.skia.org/sai/sai/executor"
	"go.skia.org/sai/sai/framer"
	"go.skia.org/sai/sai/types"
	"go.skia.org/sai/sai/wire"
)

var (
	configDir string
	logMask   string
	home      string
)

func main() {
	root := &cobra.Command{
		Use:   "sai-builder",
		Short: "Sai build worker: connects to a server and runs whatever steps it's assigned",
		RunE:  run,
	}
	root.Flags().StringVarP(&configDir, "config-dir", "c", ".", "directory containing conf")
	root.Flags().StringVarP(&logMask, "log-mask", "d", "", "debug log mask (unused by the zap-backed logger, kept for CLI compatibility)")
	root.Flags().StringVar(&home, "home", "", "overrides conf's home directory")

	root.AddCommand(deleteWorkerCmd())

	if err := root.Execute(); err != nil {
		sklog.Fatalf("sai-builder: %s", err)
	}
}

// deleteWorkerCmd is a hidden subcommand that removes one directory tree
// (e.g. a job directory) in its own process. The builder's own run loop
// does not invoke it.
func deleteWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "delete-worker <dir>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return os.RemoveAll(args[0])
		},
	}
	return cmd
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if home != "" {
		cfg.Home = home
	}
	if err := os.MkdirAll(cfg.Home, 0755); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "builder"
	}
	platforms := make([]string, 0, len(cfg.Platforms))
	instances := 0
	for _, p := range cfg.Platforms {
		platforms = append(platforms, p.Name)
		instances += p.Instances
	}
	if instances == 0 {
		instances = 1
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL(cfg), http.Header{})
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &builderClient{
		name:      name,
		cfg:       cfg,
		conn:      conn,
		link:      framer.NewLink(conn, websocket.BinaryMessage, false),
		mirrors:   executor.NewMirrorCache(cfg.Home),
		jobsRoot:  filepath.Join(cfg.Home, "jobs"),
		instances: map[string]*executor.Instance{},
		pending:   map[string]func(wire.ResourceGrant){},
	}
	go c.link.Run(ctx)

	proxy := executor.NewResourceProxy(filepath.Join(cfg.Home, "resource.sock"), c)
	go func() {
		if err := proxy.Serve(ctx); err != nil {
			sklog.Errorf("sai-builder: resource proxy: %s", err)
		}
	}()
	defer proxy.Close()

	if err := c.link.QueueJSON(wire.NewBuilderAnnounce(name, platforms, 0, instances)); err != nil {
		return err
	}

	go c.loadReportLoop(ctx)

	return c.readLoop(ctx)
}

func serverURL(cfg *config.Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost:8080"
	}
	return "ws://" + host + "/builder"
}

// builderClient owns one connection's lifetime: the outbound framer link,
// the set of in-flight step executors keyed by task uuid, and the
// resource-request/reply correlation map the proxy forwarder needs.
type builderClient struct {
	name     string
	cfg      *config.Config
	conn     *websocket.Conn
	link     *framer.Link
	mirrors  *executor.MirrorCache
	jobsRoot string

	mu        sync.Mutex
	instances map[string]*executor.Instance
	pending   map[string]func(wire.ResourceGrant)
}

func (c *builderClient) readLoop(ctx context.Context) error {
	var reasm framer.Reassembler
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, complete, err := reasm.Feed(data)
		if err != nil {
			sklog.Warningf("sai-builder: malformed frame from server: %s", err)
			continue
		}
		if !complete {
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *builderClient) handleMessage(ctx context.Context, raw []byte) {
	schema, err := wire.SchemaOf(raw)
	if err != nil {
		sklog.Warningf("sai-builder: undecodable server frame: %s", err)
		return
	}
	switch schema {
	case wire.SchemaTaskAssign:
		var msg wire.TaskAssign
		if err := json.Unmarshal(raw, &msg); err != nil {
			sklog.Warningf("sai-builder: malformed task assign: %s", err)
			return
		}
		go c.runStep(ctx, msg)
	case wire.SchemaTaskCancel:
		var msg wire.TaskCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			sklog.Warningf("sai-builder: malformed task cancel: %s", err)
			return
		}
		if inst := c.instanceFor(msg.TaskUUID, false); inst != nil {
			inst.Cancel()
		}
	case wire.SchemaResource:
		c.handleResourceReply(raw)
	default:
		sklog.Warningf("sai-builder: unhandled schema %s from server", schema)
	}
}

func (c *builderClient) instanceFor(taskUUID string, create bool) *executor.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[taskUUID]
	if !ok && create {
		inst = executor.NewInstance(taskUUID, filepath.Join(c.jobsRoot, types.TaskWorkspaceName(taskUUID)), &builderLogSink{client: c, taskUUID: taskUUID})
		c.instances[taskUUID] = inst
	}
	return inst
}

// runStep executes one assigned step. build_step 0/1 are the sai-mirror/
// sai-checkout sentinels handled natively through the shared mirror cache
// instead of shelling out to a script line.
func (c *builderClient) runStep(ctx context.Context, msg wire.TaskAssign) {
	inst := c.instanceFor(msg.TaskUUID, true)

	var finished uint32
	switch msg.StepCommand {
	case "sai-mirror":
		finished = c.runMirrorStep(ctx, msg)
	case "sai-checkout":
		finished = c.runCheckoutStep(ctx, msg, inst)
	default:
		finished = inst.RunStep(ctx, msg.BuildStep, msg.StepCommand)
	}

	c.sendLog(msg.TaskUUID, types.ChannelStatus, finished, nil)
}

func (c *builderClient) runMirrorStep(ctx context.Context, msg wire.TaskAssign) uint32 {
	if _, err := c.mirrors.Ensure(ctx, msg.RepoName); err != nil {
		sklog.Errorf("sai-builder: ensuring mirror for %s: %s", msg.RepoName, err)
		return types.EncodeExit(1)
	}
	return types.EncodeExit(0)
}

func (c *builderClient) runCheckoutStep(ctx context.Context, msg wire.TaskAssign, inst *executor.Instance) uint32 {
	jobDir := filepath.Join(c.jobsRoot, types.TaskWorkspaceName(msg.TaskUUID))
	mirrorDir := c.mirrors.Dir(msg.RepoName)
	cmd := "git clone --reference '" + mirrorDir + "' --dissociate '" + mirrorDir + "' '" + jobDir +
		"' && cd '" + jobDir + "' && git checkout '" + msg.Ref + "'"
	return inst.RunStep(ctx, msg.BuildStep, cmd)
}

func (c *builderClient) sendLog(taskUUID string, channel int, finished uint32, data []byte) {
	ts := now.Now(context.Background()).UnixMicro()
	encoded := base64.StdEncoding.EncodeToString(data)
	if err := c.link.QueueJSON(wire.NewLogMessage(taskUUID, ts, channel, finished, encoded)); err != nil {
		sklog.Warningf("sai-builder: queueing log for %s: %s", taskUUID, err)
	}
}

func (c *builderClient) loadReportLoop(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hr, err := executor.SampleHostResources(c.jobsRoot)
			if err != nil {
				sklog.Warningf("sai-builder: sampling host resources: %s", err)
				continue
			}
			slots := len(c.cfg.Platforms)
			if err := c.link.QueueJSON(wire.NewLoadReport(c.name, slots, hr.AvailMemKiB, hr.AvailStoKiB)); err != nil {
				sklog.Warningf("sai-builder: queueing load report: %s", err)
			}
		}
	}
}

// ForwardResourceRequest implements executor.Forwarder: queue the request
// on the main link and remember the reply callback, keyed by cookie.
func (c *builderClient) ForwardResourceRequest(req wire.ResourceRequest, replyTo func(wire.ResourceGrant)) {
	c.mu.Lock()
	c.pending[req.Cookie] = replyTo
	c.mu.Unlock()
	if err := c.link.QueueJSON(req); err != nil {
		sklog.Warningf("sai-builder: forwarding resource request %s: %s", req.Cookie, err)
	}
}

// ForwardResourceYield implements executor.Forwarder.
func (c *builderClient) ForwardResourceYield(cookie string) {
	if err := c.link.QueueJSON(wire.NewResourceYield(cookie)); err != nil {
		sklog.Warningf("sai-builder: forwarding resource yield %s: %s", cookie, err)
	}
	c.mu.Lock()
	delete(c.pending, cookie)
	c.mu.Unlock()
}

func (c *builderClient) handleResourceReply(raw []byte) {
	var grant wire.ResourceGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		sklog.Warningf("sai-builder: malformed resource grant: %s", err)
		return
	}
	c.mu.Lock()
	replyTo, ok := c.pending[grant.Cookie]
	delete(c.pending, grant.Cookie)
	c.mu.Unlock()
	if ok {
		replyTo(grant)
	}
}

// builderLogSink adapts executor.LogSink to the builder link, streaming
// each write as its own log message with Finished left at zero; the
// terminal Finished-bearing message is sent separately by runStep once the
// step's subprocess has actually exited.
type builderLogSink struct {
	client   *builderClient
	taskUUID string
}

func (s *builderLogSink) Log(channel int, data []byte) {
	s.client.sendLog(s.taskUUID, channel, 0, data)
}
