package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/framer"
	"go.skia.org/sai/sai/notify"
)

var webBridgeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// newWebBridgeHandler implements the server side of the web bridge: every
// browser connection subscribes to the notification hub and gets every
// sai-taskchange/sai-eventchange/com.warmcat.sai.builders broadcast relayed
// to it as JSON, framed through sai/framer. JWT auth and reset/delete/
// cancel/rebuild commands from the browser are out of scope (see
// SPEC_FULL.md): this stub only pushes; frames the browser sends are read
// and discarded.
func newWebBridgeHandler(hub *notify.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := webBridgeUpgrader.Upgrade(w, r, nil)
		if err != nil {
			sklog.Warningf("httpapi: web bridge websocket upgrade failed: %s", err)
			return
		}

		link := framer.NewLink(conn, websocket.BinaryMessage, true)
		ctx, cancel := context.WithCancel(r.Context())
		go link.Run(ctx)

		var closed atomic.Bool
		relay := func(e interface{}) {
			if closed.Load() {
				return
			}
			if err := link.QueueJSON(e); err != nil {
				closed.Store(true)
			}
		}
		hub.Subscribe(notify.ChannelTaskChange, relay)
		hub.Subscribe(notify.ChannelEventChange, relay)
		hub.Subscribe(notify.ChannelBuilders, relay)

		// Drain reads so a client close is observed promptly; this stub
		// does not yet interpret browser-originated commands.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		closed.Store(true)
		cancel()
		link.Close()
	})
}
