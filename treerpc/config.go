package treerpc

import "time"

// Config configures a Peer.
type Config struct {
	// BatchSize is the number of diff tokens carried by one setTreeData or getTreeData call.
	BatchSize int `mapstructure:"batch-size"`
	// QueueSize bounds the batches buffered between a tree walk and the calls draining it.
	QueueSize int `mapstructure:"queue-size"`
	// SnapshotCacheSize is the number of trees whose last exchanged state is remembered.
	SnapshotCacheSize int `mapstructure:"snapshot-cache-size"`
	// Timeout bounds a whole transaction.
	Timeout time.Duration `mapstructure:"timeout"`
	Metrics bool          `mapstructure:"metrics"`
}

// DefaultConfig returns the default peer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:         10,
		QueueSize:         1,
		SnapshotCacheSize: 1000,
		Timeout:           time.Minute,
	}
}

// Options converts the configuration into peer options.
func (c Config) Options() []Opt {
	opts := []Opt{
		WithBatchSize(c.BatchSize),
		WithQueueSize(c.QueueSize),
		WithSnapshotCacheSize(c.SnapshotCacheSize),
		WithTimeout(c.Timeout),
	}
	if c.Metrics {
		opts = append(opts, WithMetrics())
	}
	return opts
}
