package leases

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/sai/sai/types"
)

type grantRecorder struct {
	mu    sync.Mutex
	grant []types.Requisition
}

func (g *grantRecorder) record(requester string, req types.Requisition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grant = append(g.grant, req)
}

func (g *grantRecorder) cookies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.grant))
	for i, r := range g.grant {
		out[i] = r.Cookie
	}
	return out
}

func TestRequest_GrantsImmediatelyWhenBudgetAllows(t *testing.T) {
	rec := &grantRecorder{}
	m := New(map[string]int{"gpu": 4}, rec.record)

	require.NoError(t, m.Request("gpu", "c1", 2, 0, "conn-1"))

	require.Equal(t, []string{"c1"}, rec.cookies())
	require.Equal(t, 2, m.Allocated("gpu"))
	require.Equal(t, 0, m.QueueLen("gpu"))
}

func TestRequest_UnknownResourceErrors(t *testing.T) {
	m := New(map[string]int{"gpu": 4}, nil)
	err := m.Request("cpu", "c1", 1, 0, "conn-1")
	require.Error(t, err)
}

func TestRequest_QueuesWhenOverBudget(t *testing.T) {
	rec := &grantRecorder{}
	m := New(map[string]int{"gpu": 4}, rec.record)

	require.NoError(t, m.Request("gpu", "c1", 4, 0, "conn-1"))
	require.NoError(t, m.Request("gpu", "c2", 1, 0, "conn-2"))

	require.Equal(t, []string{"c1"}, rec.cookies())
	require.Equal(t, 1, m.QueueLen("gpu"))
}

func TestRequest_SmallRequestDoesNotJumpAheadOfQueuedLargeOne(t *testing.T) {
	rec := &grantRecorder{}
	m := New(map[string]int{"gpu": 4}, rec.record)

	require.NoError(t, m.Request("gpu", "c1", 4, 0, "conn-1")) // fills budget
	require.NoError(t, m.Request("gpu", "big", 4, 0, "conn-2"))    // queues, doesn't fit
	require.NoError(t, m.Request("gpu", "small", 1, 0, "conn-3"))  // would fit alone, must still queue

	require.Equal(t, []string{"c1"}, rec.cookies())
	require.Equal(t, 2, m.QueueLen("gpu"))

	// Yielding c1 frees exactly 4, enough for "big" but not enough left over
	// for "small" to jump ahead of it.
	require.NoError(t, m.Yield("c1"))
	require.Equal(t, []string{"c1", "big"}, rec.cookies())
	require.Equal(t, 1, m.QueueLen("gpu"))
	require.Equal(t, 4, m.Allocated("gpu"))
}

func TestYield_AdvancesQueueWhenItFits(t *testing.T) {
	rec := &grantRecorder{}
	m := New(map[string]int{"gpu": 4}, rec.record)

	require.NoError(t, m.Request("gpu", "c1", 3, 0, "conn-1"))
	require.NoError(t, m.Request("gpu", "c2", 3, 0, "conn-2"))
	require.Equal(t, 1, m.QueueLen("gpu"))

	require.NoError(t, m.Yield("c1"))

	require.Equal(t, []string{"c1", "c2"}, rec.cookies())
	require.Equal(t, 0, m.QueueLen("gpu"))
	require.Equal(t, 3, m.Allocated("gpu"))
}

func TestYield_UnknownCookieErrors(t *testing.T) {
	m := New(map[string]int{"gpu": 4}, nil)
	err := m.Yield("nope")
	require.Error(t, err)
}

func TestYield_LeaseExpiryFiresAfterTimeout(t *testing.T) {
	rec := &grantRecorder{}
	m := New(map[string]int{"gpu": 4}, rec.record)

	require.NoError(t, m.Request("gpu", "c1", 4, 1, "conn-1"))
	require.NoError(t, m.Request("gpu", "c2", 2, 0, "conn-2"))
	require.Equal(t, 1, m.QueueLen("gpu"))

	require.Eventually(t, func() bool {
		return m.QueueLen("gpu") == 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"c1", "c2"}, rec.cookies())
	require.Equal(t, 2, m.Allocated("gpu"))
}

func TestCloseConnection_CascadesYieldOfLeasedAndQueuedRequisitions(t *testing.T) {
	rec := &grantRecorder{}
	m := New(map[string]int{"gpu": 4}, rec.record)

	require.NoError(t, m.Request("gpu", "c1", 4, 0, "conn-1"))
	require.NoError(t, m.Request("gpu", "c2", 2, 0, "conn-2")) // queued, belongs to conn-2
	require.NoError(t, m.Request("gpu", "c3", 4, 0, "conn-1")) // queued, belongs to conn-1
	require.Equal(t, 2, m.QueueLen("gpu"))

	m.CloseConnection("conn-1")

	// conn-1's lease (c1) is yielded and its queued request (c3) is dropped,
	// leaving only conn-2's queued request, which now fits and is granted.
	require.Equal(t, []string{"c1", "c2"}, rec.cookies())
	require.Equal(t, 0, m.QueueLen("gpu"))
	require.Equal(t, 2, m.Allocated("gpu"))
}

func TestCloseConnection_UnknownRequesterIsNoop(t *testing.T) {
	m := New(map[string]int{"gpu": 4}, nil)
	require.NoError(t, m.Request("gpu", "c1", 4, 0, "conn-1"))
	m.CloseConnection("conn-nonexistent")
	require.Equal(t, 4, m.Allocated("gpu"))
}

func TestAllocated_MatchesSumOfLeasedAmounts(t *testing.T) {
	m := New(map[string]int{"gpu": 10}, nil)
	require.NoError(t, m.Request("gpu", "c1", 3, 0, "conn-1"))
	require.NoError(t, m.Request("gpu", "c2", 4, 0, "conn-2"))
	require.Equal(t, 7, m.Allocated("gpu"))
	require.LessOrEqual(t, m.Allocated("gpu"), 10)
}
