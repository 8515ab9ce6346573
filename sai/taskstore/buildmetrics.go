package taskstore

import (
	"context"
	"database/sql"

	"go.skia.org/sai/go/skerr"
	"go.skia.org/sai/sai/types"
)

// keepPerKey caps how many build_metrics rows are retained per key; only
// the most recent samples inform the scheduler's memory/disk estimate.
const keepPerKey = 10

// RecordBuildMetric inserts one post-completion resource-usage sample into
// the build-metrics database, then prunes that key back down to the
// keepPerKey most recent rows.
func (s *Store) RecordBuildMetric(ctx context.Context, m types.BuildMetric) error {
	if _, err := s.Metrics.DB.ExecContext(ctx,
		`INSERT INTO build_metrics (key, unixtime, us_cpu_user, us_cpu_sys, peak_mem_rss, stg_bytes, parallel, step)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Key, m.UnixTime, m.USCPUUser, m.USCPUSys, m.PeakMemRSS, m.StgBytes, m.Parallel, m.Step); err != nil {
		return skerr.Wrapf(err, "taskstore: recording build metric for %s", m.Key)
	}

	if _, err := s.Metrics.DB.ExecContext(ctx,
		`DELETE FROM build_metrics WHERE key = ? AND rowid NOT IN (
			SELECT rowid FROM build_metrics WHERE key = ? ORDER BY unixtime DESC LIMIT ?)`,
		m.Key, m.Key, keepPerKey); err != nil {
		return skerr.Wrapf(err, "taskstore: pruning build metrics for %s", m.Key)
	}
	return nil
}

// EstimateResources averages peak_mem_rss and stg_bytes across the retained
// samples for key, giving the scheduler est_peak_mem_kib/est_disk_kib for a
// task whose build/spawn/project/ref combination has run before. Returns
// ok=false when no history exists yet.
func (s *Store) EstimateResources(ctx context.Context, key string) (peakMemKiB, diskKiB int64, ok bool, err error) {
	row := s.Metrics.DB.QueryRowContext(ctx,
		`SELECT AVG(peak_mem_rss), AVG(stg_bytes), COUNT(*) FROM build_metrics WHERE key = ?`, key)
	var avgMemRSS, avgStgBytes sql.NullFloat64
	var count int
	if scanErr := row.Scan(&avgMemRSS, &avgStgBytes, &count); scanErr != nil {
		return 0, 0, false, skerr.Wrap(scanErr)
	}
	if count == 0 {
		return 0, 0, false, nil
	}
	return int64(avgMemRSS.Float64) / 1024, int64(avgStgBytes.Float64) / 1024, true, nil
}
