package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/wire"
)

// Forwarder sends a resource request frame to the server over the
// builder's main link and relays whatever grant frame comes back to
// replyTo; it also carries yield frames made on disconnect.
type Forwarder interface {
	ForwardResourceRequest(req wire.ResourceRequest, replyTo func(wire.ResourceGrant))
	ForwardResourceYield(cookie string)
}

// ResourceProxy is a Unix-domain listener at SocketPath: clients connect and
// send newline-delimited {resname, cookie, amount, lease} frames, which are
// forwarded to the server; grant replies are relayed back over the same
// connection. A client that disconnects causes the builder to yield every
// cookie it requested. cmd/sai-builder runs one proxy per builder at
// <home>/resource.sock, shared by all tasks; the socket path is not placed
// in step subprocesses' environment.
type ResourceProxy struct {
	SocketPath string
	Forward    Forwarder

	mu       sync.Mutex
	held     map[net.Conn]map[string]bool // conn -> cookies currently leased
	listener net.Listener
}

// NewResourceProxy returns a proxy bound to socketPath, not yet listening.
func NewResourceProxy(socketPath string, forward Forwarder) *ResourceProxy {
	return &ResourceProxy{SocketPath: socketPath, Forward: forward, held: map[net.Conn]map[string]bool{}}
}

// Serve listens on SocketPath and accepts connections until ctx is
// cancelled.
func (p *ResourceProxy) Serve(ctx context.Context) error {
	_ = os.Remove(p.SocketPath)
	l, err := net.Listen("unix", p.SocketPath)
	if err != nil {
		return skerr.Wrapf(err, "executor: listening on resource proxy socket %s", p.SocketPath)
	}
	p.listener = l

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return skerr.Wrap(err)
			}
		}
		go p.handleConn(conn)
	}
}

// Close removes the socket file and stops accepting connections.
func (p *ResourceProxy) Close() {
	if p.listener != nil {
		_ = p.listener.Close()
	}
	_ = os.Remove(p.SocketPath)
}

func (p *ResourceProxy) handleConn(conn net.Conn) {
	defer p.disconnect(conn)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req wire.ResourceRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			sklog.Warningf("executor: malformed resource request frame: %s", err)
			continue
		}
		p.mu.Lock()
		if p.held[conn] == nil {
			p.held[conn] = map[string]bool{}
		}
		p.held[conn][req.Cookie] = true
		p.mu.Unlock()

		p.Forward.ForwardResourceRequest(req, func(grant wire.ResourceGrant) {
			b, err := json.Marshal(grant)
			if err != nil {
				return
			}
			b = append(b, '\n')
			_, _ = conn.Write(b)
		})
	}
}

// disconnect runs when a client connection closes: every cookie it
// requested (granted or still queued) is yielded on its behalf, per the
// "any pss closing yields all its requisitions" invariant.
func (p *ResourceProxy) disconnect(conn net.Conn) {
	_ = conn.Close()
	p.mu.Lock()
	cookies := p.held[conn]
	delete(p.held, conn)
	p.mu.Unlock()

	for cookie := range cookies {
		p.Forward.ForwardResourceYield(cookie)
	}
}
