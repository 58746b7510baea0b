package config

import (
	"time"

	"github.com/spf13/viper"
)

// Database is the local durable store (events, provisional layer, queue).
type Database struct {
	// Path of the sqlite file. ":memory:" keeps everything in RAM.
	Path string
}

func setDatabaseDefaults(v *viper.Viper) {
	v.SetDefault("Database.Path", "consignments.db")
}

// Ledger configures the network ledger service.
type Ledger struct {
	// Base URL of the ledger service. Empty runs the ledger in process.
	URL string

	// Deadline for a single ledger call
	Timeout time.Duration

	// How long a health check result is trusted
	HealthTTL time.Duration
}

func setLedgerDefaults(v *viper.Viper) {
	v.SetDefault("Ledger.URL", "")
	v.SetDefault("Ledger.Timeout", "10s")
	v.SetDefault("Ledger.HealthTTL", "10s")
}

// Record configures the system of record holding consignment attributes.
type Record struct {
	// Base URL of the record service. Empty keeps records in memory.
	URL string

	Timeout time.Duration

	// Poll period of the change feed
	WatchInterval time.Duration
}

func setRecordDefaults(v *viper.Viper) {
	v.SetDefault("Record.URL", "")
	v.SetDefault("Record.Timeout", "10s")
	v.SetDefault("Record.WatchInterval", "5s")
}

// Sync configures the replay queue.
type Sync struct {
	// Failed attempts before an item is dead-lettered
	MaxRetries int

	// Period of the background drain
	Interval time.Duration

	// Consignments drained concurrently
	Workers int

	// Deadline of one commit attempt
	CommitTimeout time.Duration

	// Immediate retries against a refreshed head on Conflict
	ConflictRetries int
}

func setSyncDefaults(v *viper.Viper) {
	v.SetDefault("Sync.MaxRetries", 5)
	v.SetDefault("Sync.Interval", "30s")
	v.SetDefault("Sync.Workers", 4)
	v.SetDefault("Sync.CommitTimeout", "10s")
	v.SetDefault("Sync.ConflictRetries", 3)
}

type Projection struct {
	// Gap between consecutive events counted as a delay
	DelayThreshold time.Duration
}

func setProjectionDefaults(v *viper.Viper) {
	v.SetDefault("Projection.DelayThreshold", "48h")
}
