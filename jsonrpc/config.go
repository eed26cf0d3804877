package jsonrpc

import "time"

// Config configures a Dispatcher.
type Config struct {
	// Timeout bounds how long a call waits for its response.
	Timeout time.Duration `mapstructure:"timeout"`
	// Workers is the number of handlers that may run at the same time.
	Workers int `mapstructure:"workers"`
	// QueueSize is the number of accepted requests waiting for a worker. Requests
	// arriving when the queue is full are answered with an internal error.
	QueueSize int `mapstructure:"queue-size"`
	// RequestsPerInterval limits the rate of dispatched requests. Zero disables the limit.
	RequestsPerInterval int           `mapstructure:"requests-per-interval"`
	Interval            time.Duration `mapstructure:"interval"`
	Metrics             bool          `mapstructure:"metrics"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		Workers:   4,
		QueueSize: 1000,
		Interval:  time.Second,
	}
}

// Options converts the configuration into dispatcher options.
func (c Config) Options() []Opt {
	opts := []Opt{
		WithTimeout(c.Timeout),
		WithWorkers(c.Workers),
		WithQueueSize(c.QueueSize),
	}
	if c.RequestsPerInterval > 0 {
		opts = append(opts, WithRequestsPerInterval(c.RequestsPerInterval, c.Interval))
	}
	if c.Metrics {
		opts = append(opts, WithMetrics())
	}
	return opts
}
