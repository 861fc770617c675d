package msgstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// StoreCollector exposes the storage engine's internals to prometheus:
// compaction pressure, memtable sizes and WAL volume of the underlying
// pebble DB.
type StoreCollector struct {
	s       *Store
	metrics []storeMetric
}

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("msgstore_engine_"+name, help, nil, nil)
}

func NewStoreCollector(s *Store) *StoreCollector {
	return &StoreCollector{s: s, metrics: []storeMetric{
		{desc("compaction_count_total", "Total compactions performed"),
			prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
		{desc("compaction_estimated_debt_bytes", "Bytes to compact to reach a stable state"),
			prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
		{desc("compaction_in_progress_bytes", "Bytes being compacted right now"),
			prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
		{desc("memtable_size_bytes", "Current memtable size"),
			prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
		{desc("memtable_count_total", "Current count of memtables"),
			prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
		{desc("wal_files_total", "Live WAL files"),
			prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
		{desc("wal_size_bytes", "Live WAL data size"),
			prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
		{desc("wal_bytes_written_total", "Physical bytes written to the WAL"),
			prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		{desc("disk_usage_bytes", "Total disk space used by the store"),
			prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }},
	}}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	if c.s.closed.Load() {
		return
	}
	m := c.s.db.Metrics()
	for _, sm := range c.metrics {
		ch <- prometheus.MustNewConstMetric(sm.desc, sm.kind, sm.value(m))
	}
}
