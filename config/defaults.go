package config

import "github.com/spf13/viper"

// Default engine settings. The backoff schedule matches the retry policy the
// scanner and state store assume when a pipeline definition does not carry
// its own: 1m, 5m, 15m, 1h, 4h, 24h.
const (
	DefaultScanIntervalSeconds   = 60
	DefaultMaxConcurrentEntities = 4
)

// DefaultBackoffSeconds returns the default failure backoff schedule.
// Attempts beyond the schedule length use the last value doubled.
func DefaultBackoffSeconds() []int {
	return []int{60, 300, 900, 3600, 14400, 86400}
}

// SetDefaults registers default values on a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.json", false)
	v.SetDefault("engine.state_root", "output")
	v.SetDefault("engine.scan_interval_seconds", DefaultScanIntervalSeconds)
	v.SetDefault("engine.max_concurrent_entities", DefaultMaxConcurrentEntities)
	v.SetDefault("engine.backoff_seconds", DefaultBackoffSeconds())
	v.SetDefault("engine.executions_per_minute", 0)
}
