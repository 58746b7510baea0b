package monitoring

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor stores and computes service counters
type Monitor struct {
	Report Report

	startedAt time.Time
	collector *Collector
}

func NewMonitor() (self *Monitor) {
	self = new(Monitor)
	self.startedAt = time.Now()
	self.collector = NewCollector().WithMonitor(self)
	return
}

func (self *Monitor) GetReport() *Report {
	self.Report.Ledger.UpForSeconds.Store(self.upForSeconds())
	return &self.Report
}

func (self *Monitor) GetPrometheusCollector() (collector prometheus.Collector) {
	return self.collector
}

func (self *Monitor) upForSeconds() uint64 {
	return uint64(time.Since(self.startedAt).Seconds())
}

// IsOK is false while reads are served by the emulated ledger.
func (self *Monitor) IsOK() bool {
	return self.Report.Ledger.Degraded.Load() == 0
}

func (self *Monitor) OnGetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(self.GetReport())
}

func (self *Monitor) OnGetHealth(w http.ResponseWriter, r *http.Request) {
	if self.IsOK() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}
