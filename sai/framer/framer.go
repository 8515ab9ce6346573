// Package framer implements Component F: each long-lived peer link gets one
// outbound buflist. Producers call QueueTX/QueueJSON from any goroutine; a
// single drain loop per link pulls from the buflist and writes to the
// underlying gorilla/websocket connection, recomputing SOM/EOM on every
// pull so a logical message's boundaries survive arbitrary partial writes
// and no two logical messages are ever interleaved on the wire.
package framer

import (
	"context"
	"encoding/json"
	"sync"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
)

// Flag bits carried in byte 0 of the 4-byte header that prefixes every
// record written to the wire.
const (
	SOM = 0x1
	EOM = 0x2
)

// ChunkSize bounds a single pull from the head fragment, standing in for
// "transport-offered size" on a transport (gorilla/websocket) that doesn't
// itself expose partial-write backpressure.
const ChunkSize = 32 * 1024

// WebBacklogCeiling is the 5 MiB backpressure limit enforced on web-facing
// links; exceeding it closes the connection rather than blocking the
// process on a stalled sink.
const WebBacklogCeiling = 5 * 1024 * 1024

// ErrBacklogExceeded closes a web-facing link whose buflist outgrew
// WebBacklogCeiling.
var ErrBacklogExceeded = skerr.Fmt("framer: backlog exceeds web ceiling")

// ErrLinkClosed is returned by QueueTX/QueueJSON once the link is closed.
var ErrLinkClosed = skerr.Fmt("framer: link closed")

// Conn is the subset of *websocket.Conn the framer drives directly,
// allowing tests to supply a fake in place of a real socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type fragment struct {
	flags  byte
	data   []byte
	pulled int
}

// Link owns one peer connection's outbound buflist plus the goroutine that
// drains it. QueueTX and QueueJSON are safe to call from any goroutine;
// Run must be started exactly once and owns all writes to conn.
type Link struct {
	conn           Conn
	binaryMsgType  int
	enforceCeiling bool

	mu      sync.Mutex
	buflist []*fragment
	total   int
	closed  bool
	wake    chan struct{}
}

// NewLink wraps conn. enforceCeiling selects the 5 MiB web-facing
// backpressure rule; builder links carry none (spec.md only names the
// ceiling for web-facing links).
func NewLink(conn Conn, binaryMessageType int, enforceCeiling bool) *Link {
	return &Link{
		conn:           conn,
		binaryMsgType:  binaryMessageType,
		enforceCeiling: enforceCeiling,
		wake:           make(chan struct{}, 1),
	}
}

// QueueTX appends payload to the buflist as one logical fragment carrying
// ssFlags. The flags are stored on the fragment next to its bytes and its
// pull offset, so they survive partial pulls through to Run's per-pull
// recomputation.
func (l *Link) QueueTX(payload []byte, ssFlags byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.buflist = append(l.buflist, &fragment{flags: ssFlags, data: payload})
	l.total += len(payload)
	overflow := l.enforceCeiling && int64(l.total) > WebBacklogCeiling
	if overflow {
		l.closed = true
	}
	l.mu.Unlock()

	l.poke()
	if overflow {
		_ = l.conn.Close()
		return ErrBacklogExceeded
	}
	return nil
}

// QueueJSON marshals v (a sai/wire schema-tagged struct) and chunks the
// encoded bytes to ChunkSize sub-buffers, queueing one QueueTX per chunk
// with SOM on the first and EOM on the last.
func (l *Link) QueueJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return skerr.Wrap(err)
	}
	if len(b) == 0 {
		return l.QueueTX(nil, SOM|EOM)
	}
	for i := 0; i < len(b); i += ChunkSize {
		end := i + ChunkSize
		if end > len(b) {
			end = len(b)
		}
		var flags byte
		if i == 0 {
			flags |= SOM
		}
		if end == len(b) {
			flags |= EOM
		}
		if err := l.QueueTX(b[i:end], flags); err != nil {
			return err
		}
	}
	return nil
}

// BacklogLen reports buflist_total_len: bytes queued but not yet drained.
func (l *Link) BacklogLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *Link) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the buflist until ctx is cancelled or the link is closed,
// pulling up to ChunkSize bytes from the head fragment per write and
// recomputing SOM/EOM for that pull.
func (l *Link) Run(ctx context.Context) {
	for {
		wrote, err := l.drainOnce()
		if err != nil {
			sklog.Warningf("framer: write failed, closing link: %s", err)
			l.Close()
			return
		}
		if wrote {
			continue // more may remain in the same or next fragment
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// drainOnce performs at most one pull-and-write. It returns wrote=true if a
// pull happened (caller should immediately try again without blocking).
func (l *Link) drainOnce() (wrote bool, err error) {
	l.mu.Lock()
	if l.closed || len(l.buflist) == 0 {
		l.mu.Unlock()
		return false, nil
	}
	head := l.buflist[0]

	pullEnd := head.pulled + ChunkSize
	if pullEnd > len(head.data) {
		pullEnd = len(head.data)
	}
	chunk := head.data[head.pulled:pullEnd]
	exhausted := pullEnd == len(head.data)

	var outFlags byte
	if head.pulled == 0 && head.flags&SOM != 0 {
		outFlags |= SOM
	}
	if exhausted && head.flags&EOM != 0 {
		outFlags |= EOM
	}
	head.pulled = pullEnd
	l.total -= len(chunk)
	if exhausted {
		l.buflist = l.buflist[1:]
	}
	l.mu.Unlock()

	record := make([]byte, 4+len(chunk))
	record[0] = outFlags
	copy(record[4:], chunk)
	if werr := l.conn.WriteMessage(l.binaryMsgType, record); werr != nil {
		return false, skerr.Wrap(werr)
	}
	return true, nil
}

// Reassembler is the receive-side complement of Link: it accumulates the
// 4-byte-flag-prefixed records a peer's Link emits back into complete
// logical messages, the same way the transmit side split them.
type Reassembler struct {
	buf []byte
}

// ErrShortRecord is returned when a record is too small to carry the
// 4-byte flags header.
var ErrShortRecord = skerr.Fmt("framer: record shorter than 4-byte header")

// Feed consumes one record as produced by Link's drain loop. It returns
// the complete message and complete=true once a record with EOM set has
// been fed; until then it accumulates and returns complete=false.
func (r *Reassembler) Feed(record []byte) (msg []byte, complete bool, err error) {
	if len(record) < 4 {
		return nil, false, ErrShortRecord
	}
	flags := record[0]
	payload := record[4:]
	if flags&SOM != 0 {
		r.buf = nil
	}
	r.buf = append(r.buf, payload...)
	if flags&EOM != 0 {
		out := r.buf
		r.buf = nil
		return out, true, nil
	}
	return nil, false, nil
}

// Close marks the link closed and closes the underlying connection; queued
// but undrained fragments are dropped.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.buflist = nil
	l.total = 0
	l.mu.Unlock()
	_ = l.conn.Close()
}
