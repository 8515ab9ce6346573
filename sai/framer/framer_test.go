package framer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func runLinkForTest(t *testing.T, l *Link) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	return cancel
}

func TestQueueTX_SingleChunkCarriesSOMAndEOM(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, false)
	cancel := runLinkForTest(t, l)
	defer cancel()

	require.NoError(t, l.QueueTX([]byte("hello"), SOM|EOM))

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 1 }, time.Second, time.Millisecond)
	rec := conn.snapshot()[0]
	require.Equal(t, byte(SOM|EOM), rec[0])
	require.Equal(t, "hello", string(rec[4:]))
}

func TestQueueTX_LargePayloadSplitsAcrossChunksPreservingSOMEOM(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, false)
	cancel := runLinkForTest(t, l)
	defer cancel()

	payload := strings.Repeat("x", ChunkSize*2+10)
	require.NoError(t, l.QueueTX([]byte(payload), SOM|EOM))

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 3 }, time.Second, time.Millisecond)
	recs := conn.snapshot()

	// First pull carries SOM only, middle pulls carry neither, last pull
	// carries EOM only -- the logical message's boundary is never lost or
	// duplicated across the three partial writes.
	require.Equal(t, byte(SOM), recs[0][0])
	require.Equal(t, byte(0), recs[1][0])
	require.Equal(t, byte(EOM), recs[2][0])

	var reassembled []byte
	for _, r := range recs {
		reassembled = append(reassembled, r[4:]...)
	}
	require.Equal(t, payload, string(reassembled))
}

func TestQueueTX_NoTwoLogicalMessagesInterleaved(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, false)
	cancel := runLinkForTest(t, l)
	defer cancel()

	require.NoError(t, l.QueueTX([]byte("first"), SOM|EOM))
	require.NoError(t, l.QueueTX([]byte("second"), SOM|EOM))

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 2 }, time.Second, time.Millisecond)
	recs := conn.snapshot()
	require.Equal(t, "first", string(recs[0][4:]))
	require.Equal(t, "second", string(recs[1][4:]))
}

func TestQueueJSON_ChunksWithSOMFirstEOMLast(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, false)
	cancel := runLinkForTest(t, l)
	defer cancel()

	type payload struct {
		Schema string `json:"schema"`
		Blob   string `json:"blob"`
	}
	want := payload{Schema: "sai-overview", Blob: strings.Repeat("y", ChunkSize+5)}
	require.NoError(t, l.QueueJSON(want))

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 2 }, time.Second, time.Millisecond)
	recs := conn.snapshot()
	require.Equal(t, byte(SOM), recs[0][0])
	require.Equal(t, byte(EOM), recs[1][0])

	var reassembled []byte
	for _, r := range recs {
		reassembled = append(reassembled, r[4:]...)
	}
	var got payload
	require.NoError(t, json.Unmarshal(reassembled, &got))
	require.Equal(t, want, got)
}

func TestQueueTX_WebLinkClosesAtBacklogCeiling(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, true)
	// Don't start Run: we want the buflist to actually accumulate past the
	// ceiling rather than draining as fast as it's queued.
	err := l.QueueTX(make([]byte, WebBacklogCeiling+1), SOM|EOM)
	require.ErrorIs(t, err, ErrBacklogExceeded)
	require.True(t, conn.isClosed())

	err = l.QueueTX([]byte("late"), SOM|EOM)
	require.ErrorIs(t, err, ErrLinkClosed)
}

func TestQueueTX_BuilderLinkHasNoCeiling(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, false)
	require.NoError(t, l.QueueTX(make([]byte, WebBacklogCeiling+1), SOM|EOM))
	require.False(t, conn.isClosed())
}

func TestReassembler_SingleRecordCompletesImmediately(t *testing.T) {
	var r Reassembler
	record := append([]byte{SOM | EOM, 0, 0, 0}, []byte("hello")...)
	msg, complete, err := r.Feed(record)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, "hello", string(msg))
}

func TestReassembler_MultipleRecordsAccumulateUntilEOM(t *testing.T) {
	var r Reassembler
	msg, complete, err := r.Feed(append([]byte{SOM, 0, 0, 0}, []byte("one-")...))
	require.NoError(t, err)
	require.False(t, complete)
	require.Nil(t, msg)

	msg, complete, err = r.Feed(append([]byte{0, 0, 0, 0}, []byte("two-")...))
	require.NoError(t, err)
	require.False(t, complete)

	msg, complete, err = r.Feed(append([]byte{EOM, 0, 0, 0}, []byte("three")...))
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, "one-two-three", string(msg))
}

func TestReassembler_ShortRecordErrors(t *testing.T) {
	var r Reassembler
	_, _, err := r.Feed([]byte{SOM})
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestReassembler_RoundTripsWithLinkOutput(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, false)
	cancel := runLinkForTest(t, l)
	defer cancel()

	payload := strings.Repeat("z", ChunkSize+7)
	require.NoError(t, l.QueueTX([]byte(payload), SOM|EOM))
	require.Eventually(t, func() bool { return len(conn.snapshot()) == 2 }, time.Second, time.Millisecond)

	var r Reassembler
	var got []byte
	for _, rec := range conn.snapshot() {
		msg, complete, err := r.Feed(rec)
		require.NoError(t, err)
		if complete {
			got = msg
		}
	}
	require.Equal(t, payload, string(got))
}

func TestBacklogLen_TracksQueuedMinusDrained(t *testing.T) {
	conn := &fakeConn{}
	l := NewLink(conn, websocket.BinaryMessage, false)
	require.NoError(t, l.QueueTX([]byte("12345"), SOM|EOM))
	require.Equal(t, 5, l.BacklogLen())

	cancel := runLinkForTest(t, l)
	defer cancel()
	require.Eventually(t, func() bool { return l.BacklogLen() == 0 }, time.Second, time.Millisecond)
}
