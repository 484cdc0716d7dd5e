package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector exports the LSM health of a store database:
// compactions, memtables and the WAL.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesIn      *prometheus.Desc
	walBytesWritten *prometheus.Desc

	diskUsage *prometheus.Desc
}

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("revpad_store_"+name, help, nil, nil)
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,

		compactionCount:         newDesc("compaction_count_total", "Total number of compactions performed"),
		compactionEstimatedDebt: newDesc("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted to reach a stable state"),
		compactionInProgress:    newDesc("compaction_in_progress_bytes", "Number of bytes present in sstables being written by in-progress compactions"),

		memtableSize:  newDesc("memtable_size_bytes", "Current size of the memtable in bytes"),
		memtableCount: newDesc("memtable_count", "Current count of memtables"),

		walFiles:        newDesc("wal_files", "Number of live WAL files"),
		walSize:         newDesc("wal_size_bytes", "Size of the live data in the WAL files"),
		walBytesIn:      newDesc("wal_bytes_in_total", "Logical bytes written to the WAL"),
		walBytesWritten: newDesc("wal_bytes_written_total", "Bytes written to the WAL"),

		diskUsage: newDesc("disk_space_usage_bytes", "Total disk space used by the database"),
	}
}

// Collector for the database behind p.
func (p *Pebble) Collector() *PebbleCollector {
	return NewPebbleCollector(p.Database())
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.compactionInProgress
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesIn
	ch <- pc.walBytesWritten
	ch <- pc.diskUsage
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}
	counter := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v)
	}

	counter(pc.compactionCount, float64(metrics.Compact.Count))
	gauge(pc.compactionEstimatedDebt, float64(metrics.Compact.EstimatedDebt))
	gauge(pc.compactionInProgress, float64(metrics.Compact.InProgressBytes))

	gauge(pc.memtableSize, float64(metrics.MemTable.Size))
	gauge(pc.memtableCount, float64(metrics.MemTable.Count))

	gauge(pc.walFiles, float64(metrics.WAL.Files))
	gauge(pc.walSize, float64(metrics.WAL.Size))
	counter(pc.walBytesIn, float64(metrics.WAL.BytesIn))
	counter(pc.walBytesWritten, float64(metrics.WAL.BytesWritten))

	gauge(pc.diskUsage, float64(metrics.DiskSpaceUsage()))
}
