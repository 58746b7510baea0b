package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/consignment-ledger/config"
	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/monitoring"
	"github.com/warp/consignment-ledger/network"
	"github.com/warp/consignment-ledger/record"
	"github.com/warp/consignment-ledger/store/sqlite"
	"github.com/warp/consignment-ledger/syncq"
	"github.com/warp/consignment-ledger/tracker"
)

// app holds everything a command needs.
type app struct {
	store    *sqlite.Store
	monitor  *monitoring.Monitor
	registry *prometheus.Registry
	tracker  *tracker.Tracker

	// Set when this process serves the ledger itself
	served *ledger.EventLedger

	// Set when records are kept in process
	records *record.Memory
}

// newApp wires the components described by conf. The sqlite file holds the
// local mirror, the provisional layer, the snapshots and the sync queue; it
// also holds the ledger events when no ledger URL is configured.
func newApp(conf *config.Config) (*app, error) {
	store, err := sqlite.New(conf.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		store:    store,
		monitor:  monitoring.NewMonitor(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(a.monitor.GetPrometheusCollector())

	var remote ledger.Client
	if conf.Ledger.URL == "" {
		a.served = ledger.NewEventLedger(store)
		remote = a.served
	} else {
		remote = network.NewClient(conf.Ledger.URL, conf.Ledger.Timeout)
	}

	var records record.Client
	if conf.Record.URL == "" {
		a.records = record.NewMemory()
		records = a.records
	} else {
		records = record.NewHTTPClient(conf.Record.URL, conf.Record.Timeout, conf.Record.WatchInterval)
	}

	emulated := ledger.NewEmulatedClient(store, store)
	failover := ledger.NewFailoverClient(remote, emulated, store, conf.Ledger.HealthTTL)

	queue := syncq.New(store, nil)
	queue.MaxRetries = conf.Sync.MaxRetries
	queue.Workers = conf.Sync.Workers
	queue.AttemptTimeout = conf.Sync.CommitTimeout

	t := tracker.New(failover, records, store, queue, a.monitor)
	t.CommitTimeout = conf.Sync.CommitTimeout
	t.ConflictRetries = conf.Sync.ConflictRetries
	t.Projector = ledger.NewProjector(conf.Projection.DelayThreshold)
	a.tracker = t

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
