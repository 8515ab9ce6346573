// Package leases implements Component G: named, globally bounded counting
// resources that builder-proxied user scripts may lease, with strict FIFO
// queueing and per-lease expiry.
package leases

import (
	"sync"
	"time"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/types"
)

// GrantFunc is called whenever a requisition is granted, including ones
// dequeued later as the pool frees up; the manager owns no transport, so
// the caller is responsible for actually framing and sending the reply.
type GrantFunc func(requester string, grant types.Requisition)

type queued struct {
	req       types.Requisition
	requester string
}

type resourceState struct {
	name      string
	budget    int
	allocated int
	queue     []queued
	leased    map[string]types.Requisition // cookie -> requisition
}

// Manager owns every configured well-known resource.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	cookieRes map[string]string // cookie -> resource name, for O(1) Yield
	timers    map[string]*time.Timer
	onGrant   GrantFunc

	// pendingGrants accumulates grants decided while mu is held; callers
	// drain and fire it after unlocking so onGrant never runs under the
	// lock (it may itself call back into the manager, e.g. to Yield).
	pendingGrants []func()
}

// New builds a Manager from a name->budget map (the parsed "resources"
// config line) and a callback invoked on every grant, immediate or queued.
func New(budgets map[string]int, onGrant GrantFunc) *Manager {
	resources := make(map[string]*resourceState, len(budgets))
	for name, budget := range budgets {
		resources[name] = &resourceState{name: name, budget: budget, leased: map[string]types.Requisition{}}
	}
	return &Manager{
		resources: resources,
		cookieRes: map[string]string{},
		timers:    map[string]*time.Timer{},
		onGrant:   onGrant,
	}
}

// Request grants (name, cookie, amount, lease_secs) immediately if nothing
// is queued for the resource and allocated+amount <= budget, arming an
// expiry timer; otherwise it enqueues FIFO behind any other unsatisfied
// request for the same resource.
func (m *Manager) Request(name, cookie string, amount, leaseSecs int, requester string) error {
	m.mu.Lock()
	res, ok := m.resources[name]
	if !ok {
		m.mu.Unlock()
		return skerr.Fmt("leases: unknown resource %q", name)
	}

	if len(res.queue) == 0 && res.allocated+amount <= res.budget {
		m.grantLocked(res, types.Requisition{Cookie: cookie, Amount: amount, LeaseSecs: leaseSecs, Requester: requester})
	} else {
		res.queue = append(res.queue, queued{
			req:       types.Requisition{Cookie: cookie, Amount: amount, LeaseSecs: leaseSecs, Requester: requester},
			requester: requester,
		})
	}
	pending := m.drainPendingLocked()
	m.mu.Unlock()

	fire(pending)
	return nil
}

func fire(pending []func()) {
	for _, f := range pending {
		f()
	}
}

// drainPendingLocked must be called with m.mu held.
func (m *Manager) drainPendingLocked() []func() {
	pending := m.pendingGrants
	m.pendingGrants = nil
	return pending
}

// grantLocked must be called with m.mu held. It records the grant, arms
// its expiry, and queues onGrant on pendingGrants to fire after unlock.
func (m *Manager) grantLocked(res *resourceState, req types.Requisition) {
	res.allocated += req.Amount
	res.leased[req.Cookie] = req
	m.cookieRes[req.Cookie] = res.name

	if req.LeaseSecs > 0 {
		m.timers[req.Cookie] = time.AfterFunc(time.Duration(req.LeaseSecs)*time.Second, func() {
			if err := m.Yield(req.Cookie); err != nil {
				sklog.Warningf("leases: auto-yield on expiry for %s: %s", req.Cookie, err)
			}
		})
	}

	if m.onGrant != nil {
		onGrant, grantedReq := m.onGrant, req
		m.pendingGrants = append(m.pendingGrants, func() { onGrant(grantedReq.Requester, grantedReq) })
	}
}

// Yield frees cookie's lease early (explicit yield, or called by an
// expiry timer), then re-checks only the queue head for the freed
// resource, repeatedly, preserving strict FIFO: a later, smaller request
// never jumps ahead of an earlier, larger one still waiting.
func (m *Manager) Yield(cookie string) error {
	m.mu.Lock()
	err := m.yieldLocked(cookie)
	pending := m.drainPendingLocked()
	m.mu.Unlock()

	fire(pending)
	return err
}

func (m *Manager) yieldLocked(cookie string) error {
	name, ok := m.cookieRes[cookie]
	if !ok {
		return skerr.Fmt("leases: no active lease for cookie %q", cookie)
	}
	res := m.resources[name]
	req, ok := res.leased[cookie]
	if !ok {
		return skerr.Fmt("leases: no active lease for cookie %q", cookie)
	}

	if t, ok := m.timers[cookie]; ok {
		t.Stop()
		delete(m.timers, cookie)
	}
	delete(res.leased, cookie)
	delete(m.cookieRes, cookie)
	res.allocated -= req.Amount

	for len(res.queue) > 0 {
		head := res.queue[0]
		if res.allocated+head.req.Amount > res.budget {
			break
		}
		res.queue = res.queue[1:]
		m.grantLocked(res, head.req)
	}
	return nil
}

// CloseConnection yields every requisition (granted or queued) belonging
// to requester, per the "any pss closing yields all its requisitions"
// invariant.
func (m *Manager) CloseConnection(requester string) {
	m.mu.Lock()

	var toYield []string
	for cookie, name := range m.cookieRes {
		if m.resources[name].leased[cookie].Requester == requester {
			toYield = append(toYield, cookie)
		}
	}
	for _, cookie := range toYield {
		_ = m.yieldLocked(cookie)
	}

	for _, res := range m.resources {
		kept := res.queue[:0]
		for _, q := range res.queue {
			if q.requester != requester {
				kept = append(kept, q)
			}
		}
		res.queue = kept
	}

	pending := m.drainPendingLocked()
	m.mu.Unlock()

	fire(pending)
}

// Allocated returns the current allocated count for name, for tests and
// metrics; satisfies allocated == sum(leased amounts).
func (m *Manager) Allocated(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[name]
	if !ok {
		return 0
	}
	return res.allocated
}

// QueueLen returns how many requisitions are waiting for name.
func (m *Manager) QueueLen(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[name]
	if !ok {
		return 0
	}
	return len(res.queue)
}
