// Package registry implements Component C: the live, in-memory set of
// connected builders plus their inflight offers. A persisted row survives
// disconnect so the UI can still list offline builders.
package registry

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.skia.org/sai/go/now"
	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/sai/metrics"
	"go.skia.org/sai/sai/types"
)

// NoStartGrace is how long an inflight entry may sit unstarted before the
// periodic prune removes it as abandoned.
const NoStartGrace = 5 * time.Second

// Registry holds every connected builder's live registration plus a handle
// to the global database's builders table for the persisted offline view.
type Registry struct {
	globalDB *sql.DB
	metrics  *metrics.Registry

	mu       sync.Mutex
	builders map[string]*types.BuilderRegistration
}

// New returns a Registry backed by globalDB's builders table.
func New(globalDB *sql.DB) *Registry {
	return &Registry{globalDB: globalDB, builders: map[string]*types.BuilderRegistration{}}
}

// SetMetrics wires m to the registry's online-builder-count gauge. Call
// before any Register/Unregister call; nil (the default) disables it.
func (r *Registry) SetMetrics(m *metrics.Registry) {
	r.metrics = m
}

func (r *Registry) reportOnlineCount() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	count := len(r.builders)
	r.mu.Unlock()
	r.metrics.Gauge("sai_registry_builders_online", "builders currently connected").WithLabelValues().Set(float64(count))
}

// Register creates or refreshes a builder's in-memory entry from its
// announce message and marks the persisted row online.
func (r *Registry) Register(ctx context.Context, name string, platforms []string, instances, ongoing int, peerIP string) error {
	r.mu.Lock()
	reg, ok := r.builders[name]
	if !ok {
		reg = &types.BuilderRegistration{Name: name}
		r.builders[name] = reg
	}
	reg.Platforms = platforms
	reg.Instances = instances
	reg.Ongoing = ongoing
	reg.AvailSlots = instances - ongoing
	reg.PeerIP = peerIP
	reg.Online = true
	r.mu.Unlock()

	r.reportOnlineCount()
	return r.persist(ctx, name, platforms, instances, peerIP, true)
}

// Unregister removes the in-memory entry on disconnect but leaves the
// persisted row, marked offline, for display.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.builders, name)
	r.mu.Unlock()
	r.reportOnlineCount()

	_, err := r.globalDB.ExecContext(ctx, `UPDATE builders SET online = 0 WHERE name = ?`, name)
	if err != nil {
		return skerr.Wrapf(err, "registry: marking %s offline", name)
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, name string, platforms []string, instances int, peerIP string, online bool) error {
	onlineInt := 0
	if online {
		onlineInt = 1
	}
	_, err := r.globalDB.ExecContext(ctx,
		`INSERT INTO builders (name, platforms, instances, peer_ip, online, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET platforms=excluded.platforms, instances=excluded.instances,
			peer_ip=excluded.peer_ip, online=excluded.online, last_seen=excluded.last_seen`,
		name, joinPlatforms(platforms), instances, peerIP, onlineInt, now.Now(ctx).Unix())
	if err != nil {
		return skerr.Wrapf(err, "registry: persisting builder %s", name)
	}
	return nil
}

func joinPlatforms(platforms []string) string {
	out := ""
	for i, p := range platforms {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// Get returns the live registration for name, or nil if not connected.
func (r *Registry) Get(name string) *types.BuilderRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builders[name]
}

// Online returns every currently connected builder.
func (r *Registry) Online() []*types.BuilderRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.BuilderRegistration, 0, len(r.builders))
	for _, reg := range r.builders {
		out = append(out, reg)
	}
	return out
}

// UpdateLoadReport refreshes a connected builder's live resource numbers
// from its periodic loadreport message.
func (r *Registry) UpdateLoadReport(name string, availSlots int, availMemKiB, availStoKiB int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.builders[name]; ok {
		reg.AvailSlots = availSlots
		reg.AvailMemKiB = availMemKiB
		reg.AvailStoKiB = availStoKiB
	}
}

// MarkOffered adds taskUUID to builder's inflight list with started=false.
func (r *Registry) MarkOffered(ctx context.Context, builder, taskUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.builders[builder]
	if !ok {
		return
	}
	reg.Inflight = append(reg.Inflight, types.InflightEntry{
		TaskUUID:     taskUUID,
		USTimeListed: now.Now(ctx).UnixMicro(),
		Started:      false,
	})
	reg.AvailSlots--
}

// MarkStarted flips an inflight entry's started flag once the builder's
// first log or state update for taskUUID arrives.
func (r *Registry) MarkStarted(builder, taskUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.builders[builder]
	if !ok {
		return
	}
	for i := range reg.Inflight {
		if reg.Inflight[i].TaskUUID == taskUUID {
			reg.Inflight[i].Started = true
			return
		}
	}
}

// ClearInflight removes taskUUID from builder's inflight list, restoring
// the provisional slot if it had not yet started (a rejection) or leaving
// it consumed if it had (terminal completion accounted for elsewhere via
// the next load report).
func (r *Registry) ClearInflight(builder, taskUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.builders[builder]
	if !ok {
		return
	}
	for i, e := range reg.Inflight {
		if e.TaskUUID == taskUUID {
			if !e.Started {
				reg.AvailSlots++
			}
			reg.Inflight = append(reg.Inflight[:i], reg.Inflight[i+1:]...)
			return
		}
	}
}

// SetLastRejected records the uuid the scheduler should skip offering to
// builder on its next scan, after a BUSY/DUPE rejection.
func (r *Registry) SetLastRejected(builder, taskUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.builders[builder]; ok {
		reg.LastRejTaskUUID = taskUUID
	}
}

// IsInflight reports whether taskUUID is inflight anywhere (builder == "")
// or specifically on builder.
func (r *Registry) IsInflight(taskUUID, builder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, reg := range r.builders {
		if builder != "" && name != builder {
			continue
		}
		for _, e := range reg.Inflight {
			if e.TaskUUID == taskUUID {
				return true
			}
		}
	}
	return false
}

// PruneAbandoned removes inflight entries that have sat unstarted for
// longer than NoStartGrace, restoring their provisional slot. Intended to
// be called once per scheduler tick.
func (r *Registry) PruneAbandoned(ctx context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	nowMicro := now.Now(ctx).UnixMicro()
	var abandoned []string
	for _, reg := range r.builders {
		kept := reg.Inflight[:0]
		for _, e := range reg.Inflight {
			if !e.Started && nowMicro-e.USTimeListed > NoStartGrace.Microseconds() {
				reg.AvailSlots++
				abandoned = append(abandoned, e.TaskUUID)
				continue
			}
			kept = append(kept, e)
		}
		reg.Inflight = kept
	}
	return abandoned
}
