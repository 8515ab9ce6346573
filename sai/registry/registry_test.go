package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"go.skia.org/sai/go/now"
	"go.skia.org/sai/sai/metrics"
	"go.skia.org/sai/sai/taskstore"
)

func newTestRegistry(t *testing.T) (*Registry, context.Context) {
	t.Helper()
	dir := t.TempDir()
	global, err := taskstore.OpenGlobal(context.Background(), filepath.Join(dir, "events.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { global.Close() })
	return New(global.DB), context.Background()
}

func TestRegister_CreatesLiveAndPersistedRow(t *testing.T) {
	r, ctx := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, "pi-07.linux-debian-x86_64-gcc", []string{"linux-debian/x86_64/gcc"}, 4, 1, "10.0.0.7"))

	reg := r.Get("pi-07.linux-debian-x86_64-gcc")
	require.NotNil(t, reg)
	require.True(t, reg.Online)
	require.Equal(t, 3, reg.AvailSlots)
}

func TestRegister_ReportsOnlineCountToMetrics(t *testing.T) {
	r, ctx := newTestRegistry(t)
	m := metrics.New(prometheus.NewRegistry())
	r.SetMetrics(m)

	require.NoError(t, r.Register(ctx, "pi-07", []string{"linux//"}, 4, 0, "10.0.0.7"))
	gauge := m.Gauge("sai_registry_builders_online", "builders currently connected")
	require.Equal(t, float64(1), testutil.ToFloat64(gauge.WithLabelValues()))

	require.NoError(t, r.Unregister(ctx, "pi-07"))
	require.Equal(t, float64(0), testutil.ToFloat64(gauge.WithLabelValues()))
}

func TestUnregister_KeepsPersistedRowOffline(t *testing.T) {
	r, ctx := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, "pi-07", []string{"linux//"}, 4, 0, "10.0.0.7"))
	require.NoError(t, r.Unregister(ctx, "pi-07"))

	require.Nil(t, r.Get("pi-07"))

	var online int
	require.NoError(t, r.globalDB.QueryRow("SELECT online FROM builders WHERE name = ?", "pi-07").Scan(&online))
	require.Equal(t, 0, online)
}

func TestMarkOffered_DecrementsAvailSlotsAndTracksInflight(t *testing.T) {
	r, ctx := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, "pi-07", []string{"linux//"}, 2, 0, ""))

	r.MarkOffered(ctx, "pi-07", "task-1")
	require.True(t, r.IsInflight("task-1", "pi-07"))
	require.True(t, r.IsInflight("task-1", ""))
	require.Equal(t, 1, r.Get("pi-07").AvailSlots)
}

func TestClearInflight_RestoresSlotOnlyIfNotStarted(t *testing.T) {
	r, ctx := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, "pi-07", []string{"linux//"}, 2, 0, ""))

	r.MarkOffered(ctx, "pi-07", "task-1")
	r.MarkOffered(ctx, "pi-07", "task-2")
	r.MarkStarted("pi-07", "task-1")

	r.ClearInflight("pi-07", "task-1") // started: slot stays consumed
	require.Equal(t, 0, r.Get("pi-07").AvailSlots)

	r.ClearInflight("pi-07", "task-2") // never started: slot restored
	require.Equal(t, 1, r.Get("pi-07").AvailSlots)

	require.False(t, r.IsInflight("task-1", ""))
	require.False(t, r.IsInflight("task-2", ""))
}

func TestPruneAbandoned_RemovesAfterGraceElapses(t *testing.T) {
	r, _ := newTestRegistry(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := now.TimeTravelingContext(base).WithContext(context.Background())

	require.NoError(t, r.Register(ctx, "pi-07", []string{"linux//"}, 2, 0, ""))
	r.MarkOffered(ctx, "pi-07", "task-1")

	require.Empty(t, r.PruneAbandoned(ctx))

	later := now.TimeTravelingContext(base.Add(NoStartGrace + time.Second)).WithContext(context.Background())
	abandoned := r.PruneAbandoned(later)
	require.Equal(t, []string{"task-1"}, abandoned)
	require.Equal(t, 2, r.Get("pi-07").AvailSlots)
}
