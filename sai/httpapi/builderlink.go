package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/framer"
	"go.skia.org/sai/sai/types"
	"go.skia.org/sai/sai/wire"
)

// BuilderSubprotocol is the WebSocket subprotocol builders must negotiate.
const BuilderSubprotocol = "com-warmcat-sai"

var builderUpgrader = websocket.Upgrader{
	Subprotocols:    []string{BuilderSubprotocol},
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// BuilderLinks is the live set of connected builders' outbound framer
// links, keyed by builder name. It satisfies sai/scheduler.Dispatcher so
// the scheduler can hand it task assignments without knowing about
// WebSockets.
type BuilderLinks struct {
	mu    sync.Mutex
	links map[string]*framer.Link
}

// NewBuilderLinks returns an empty set.
func NewBuilderLinks() *BuilderLinks {
	return &BuilderLinks{links: map[string]*framer.Link{}}
}

func (b *BuilderLinks) set(name string, l *framer.Link) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[name] = l
}

func (b *BuilderLinks) remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.links, name)
}

func (b *BuilderLinks) get(name string) *framer.Link {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.links[name]
}

// Dispatch implements sai/scheduler.Dispatcher: queue msg as JSON on
// builder's current link.
func (b *BuilderLinks) Dispatch(ctx context.Context, builder string, msg wire.TaskAssign) error {
	link := b.get(builder)
	if link == nil {
		return skerr.Fmt("httpapi: builder %s is not connected", builder)
	}
	return link.QueueJSON(msg)
}

// ForwardResourceGrant implements the onGrant callback leases.Manager
// invokes: the requester is the builder's name, so the grant is queued
// straight back on that builder's link.
func (b *BuilderLinks) ForwardResourceGrant(requester string, req types.Requisition) {
	link := b.get(requester)
	if link == nil {
		return
	}
	if err := link.QueueJSON(wire.NewResourceGrant(req.Cookie, req.Amount)); err != nil {
		sklog.Warningf("httpapi: queueing resource grant to %s: %s", requester, err)
	}
}

func newBuilderHandler(deps Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := builderUpgrader.Upgrade(w, r, nil)
		if err != nil {
			sklog.Warningf("httpapi: builder websocket upgrade failed: %s", err)
			return
		}
		sess := &builderSession{deps: deps, conn: conn, peerIP: r.RemoteAddr}
		sess.serve(r.Context())
	})
}

// builderSession owns one builder connection's lifetime: an outbound
// framer.Link plus the read loop that dispatches inbound wire messages.
type builderSession struct {
	deps   Deps
	conn   *websocket.Conn
	peerIP string

	name string
	link *framer.Link
}

func (s *builderSession) serve(ctx context.Context) {
	s.link = framer.NewLink(s.conn, websocket.BinaryMessage, false)
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.link.Run(linkCtx)
	defer s.onDisconnect(ctx)

	var reasm framer.Reassembler
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, complete, err := reasm.Feed(data)
		if err != nil {
			sklog.Warningf("httpapi: malformed frame from builder %s: %s", s.name, err)
			continue
		}
		if !complete {
			continue
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *builderSession) onDisconnect(ctx context.Context) {
	s.link.Close()
	if s.name == "" {
		return
	}
	if err := s.deps.Registry.Unregister(ctx, s.name); err != nil {
		sklog.Warningf("httpapi: unregistering builder %s: %s", s.name, err)
	}
	s.deps.Links.remove(s.name)
	s.deps.Leases.CloseConnection(s.name)
	s.deps.Scheduler.TriggerTick()
}

func (s *builderSession) handleMessage(ctx context.Context, raw []byte) {
	schema, err := wire.SchemaOf(raw)
	if err != nil {
		sklog.Warningf("httpapi: undecodable builder frame: %s", err)
		return
	}

	switch schema {
	case wire.SchemaBuilderAnnounce:
		s.handleAnnounce(ctx, raw)
	case wire.SchemaLogs:
		s.handleLog(ctx, raw)
	case wire.SchemaTaskReject:
		s.handleReject(raw)
	case wire.SchemaResource:
		s.handleResource(raw)
	case wire.SchemaLoadReport:
		s.handleLoadReport(ctx, raw)
	default:
		sklog.Warningf("httpapi: builder %s sent unhandled schema %s", s.name, schema)
	}
}

func (s *builderSession) handleAnnounce(ctx context.Context, raw []byte) {
	var ann wire.BuilderAnnounce
	if err := unmarshalInto(raw, &ann); err != nil {
		sklog.Warningf("httpapi: malformed builder announce: %s", err)
		return
	}
	s.name = ann.Name
	s.deps.Links.set(s.name, s.link)
	if err := s.deps.Registry.Register(ctx, ann.Name, ann.Platforms, ann.Instances, ann.Ongoing, s.peerIP); err != nil {
		sklog.Errorf("httpapi: registering builder %s: %s", ann.Name, err)
		return
	}
	s.deps.Scheduler.TriggerTick()
}

func (s *builderSession) handleLog(ctx context.Context, raw []byte) {
	var msg wire.LogMessage
	if err := unmarshalInto(raw, &msg); err != nil {
		sklog.Warningf("httpapi: malformed log message: %s", err)
		return
	}
	if s.name != "" {
		s.deps.Registry.MarkStarted(s.name, msg.TaskUUID)
	}
	s.deps.Logs.Append(msg.TaskUUID[:32], types.Log{
		TaskUUID: msg.TaskUUID, Timestamp: msg.Timestamp, Channel: msg.Channel,
		Finished: msg.Finished, Len: msg.Len, LogB64: msg.Log,
	})
	if msg.Finished != 0 {
		s.deps.Scheduler.HandleStepFinished(ctx, msg.TaskUUID, msg.Finished)
	}
}

func (s *builderSession) handleReject(raw []byte) {
	var rej wire.TaskReject
	if err := unmarshalInto(raw, &rej); err != nil {
		sklog.Warningf("httpapi: malformed reject message: %s", err)
		return
	}
	s.deps.Scheduler.HandleReject(context.Background(), s.name, rej.TaskUUID, rej.Reason)
}

func (s *builderSession) handleResource(raw []byte) {
	// A resource frame is either a request (has resname/amount) or a yield
	// (cookie only); distinguish by the presence of ResName.
	var req wire.ResourceRequest
	if err := unmarshalInto(raw, &req); err != nil {
		sklog.Warningf("httpapi: malformed resource frame: %s", err)
		return
	}
	if req.ResName != "" {
		if err := s.deps.Leases.Request(req.ResName, req.Cookie, req.Amount, req.LeaseSecs, s.name); err != nil {
			sklog.Warningf("httpapi: resource request from %s: %s", s.name, err)
		}
		return
	}
	if err := s.deps.Leases.Yield(req.Cookie); err != nil {
		sklog.Warningf("httpapi: resource yield from %s: %s", s.name, err)
	}
}

func (s *builderSession) handleLoadReport(_ context.Context, raw []byte) {
	var lr wire.LoadReport
	if err := unmarshalInto(raw, &lr); err != nil {
		sklog.Warningf("httpapi: malformed load report: %s", err)
		return
	}
	s.deps.Registry.UpdateLoadReport(s.name, lr.AvailSlots, lr.AvailMemKiB, lr.AvailStoKiB)
	s.deps.Scheduler.TriggerTick()
}

func unmarshalInto(raw []byte, v interface{}) error {
	return skerr.Wrap(json.Unmarshal(raw, v))
}
