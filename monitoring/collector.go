package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	monitor *Monitor

	// Run
	UpForSeconds *prometheus.Desc

	// Transitions
	TransitionsCommitted *prometheus.Desc
	TransitionsQueued    *prometheus.Desc
	TransitionsRejected  *prometheus.Desc
	Conflicts            *prometheus.Desc

	// Sync
	SyncPending      *prometheus.Desc
	SyncReplayed     *prometheus.Desc
	SyncRetried      *prometheus.Desc
	SyncDeadLettered *prometheus.Desc

	// Ledger
	LedgerDegraded *prometheus.Desc

	// Errors
	Inconsistent *prometheus.Desc
	Unreachable  *prometheus.Desc
}

func NewCollector() *Collector {
	return &Collector{
		UpForSeconds: prometheus.NewDesc("consignment_up_for_seconds", "", nil, nil),

		TransitionsCommitted: prometheus.NewDesc("consignment_transitions_committed", "Transitions committed to the network ledger", nil, nil),
		TransitionsQueued:    prometheus.NewDesc("consignment_transitions_queued", "Transitions accepted while offline", nil, nil),
		TransitionsRejected:  prometheus.NewDesc("consignment_transitions_rejected", "Transitions refused by validation", nil, nil),
		Conflicts:            prometheus.NewDesc("consignment_conflicts", "Optimistic concurrency collisions", nil, nil),

		SyncPending:      prometheus.NewDesc("consignment_sync_pending", "Items waiting for replay", nil, nil),
		SyncReplayed:     prometheus.NewDesc("consignment_sync_replayed", "", nil, nil),
		SyncRetried:      prometheus.NewDesc("consignment_sync_retried", "", nil, nil),
		SyncDeadLettered: prometheus.NewDesc("consignment_sync_dead_lettered", "Items that need manual resolution", nil, nil),

		LedgerDegraded: prometheus.NewDesc("consignment_ledger_degraded", "1 while the emulated ledger answers reads", nil, nil),

		Inconsistent: prometheus.NewDesc("consignment_inconsistent", "Broken chains and ledger/record disagreements", nil, nil),
		Unreachable:  prometheus.NewDesc("consignment_unreachable", "", nil, nil),
	}
}

func (self *Collector) WithMonitor(m *Monitor) *Collector {
	self.monitor = m
	return self
}

func (self *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- self.UpForSeconds

	ch <- self.TransitionsCommitted
	ch <- self.TransitionsQueued
	ch <- self.TransitionsRejected
	ch <- self.Conflicts

	ch <- self.SyncPending
	ch <- self.SyncReplayed
	ch <- self.SyncRetried
	ch <- self.SyncDeadLettered

	ch <- self.LedgerDegraded

	ch <- self.Inconsistent
	ch <- self.Unreachable
}

// Collect implements required collect function for all prometheus collectors
func (self *Collector) Collect(ch chan<- prometheus.Metric) {
	r := &self.monitor.Report

	ch <- prometheus.MustNewConstMetric(self.UpForSeconds, prometheus.GaugeValue, float64(self.monitor.upForSeconds()))

	ch <- prometheus.MustNewConstMetric(self.TransitionsCommitted, prometheus.CounterValue, float64(r.Transitions.Committed.Load()))
	ch <- prometheus.MustNewConstMetric(self.TransitionsQueued, prometheus.CounterValue, float64(r.Transitions.Queued.Load()))
	ch <- prometheus.MustNewConstMetric(self.TransitionsRejected, prometheus.CounterValue, float64(r.Transitions.Rejected.Load()))
	ch <- prometheus.MustNewConstMetric(self.Conflicts, prometheus.CounterValue, float64(r.Transitions.Conflicts.Load()))

	ch <- prometheus.MustNewConstMetric(self.SyncPending, prometheus.GaugeValue, float64(r.Sync.Pending.Load()))
	ch <- prometheus.MustNewConstMetric(self.SyncReplayed, prometheus.CounterValue, float64(r.Sync.Replayed.Load()))
	ch <- prometheus.MustNewConstMetric(self.SyncRetried, prometheus.CounterValue, float64(r.Sync.Retried.Load()))
	ch <- prometheus.MustNewConstMetric(self.SyncDeadLettered, prometheus.CounterValue, float64(r.Sync.DeadLettered.Load()))

	ch <- prometheus.MustNewConstMetric(self.LedgerDegraded, prometheus.GaugeValue, float64(r.Ledger.Degraded.Load()))

	ch <- prometheus.MustNewConstMetric(self.Inconsistent, prometheus.CounterValue, float64(r.Errors.Inconsistent.Load()))
	ch <- prometheus.MustNewConstMetric(self.Unreachable, prometheus.CounterValue, float64(r.Errors.Unreachable.Load()))
}
