package config

// Config represents the core dazflow engine configuration.
//
// Pipeline definitions themselves are plain JSON files (see pipeline.Definition);
// this config covers the engine-level settings that apply across pipelines.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

// LoggingConfig configures structured log output
type LoggingConfig struct {
	JSON bool `mapstructure:"json"` // JSON output for machine consumption (default: false)
}

// EngineConfig configures the pipeline orchestrator defaults.
// A pipeline definition may override scan interval, concurrency and backoff;
// these values apply when the definition leaves them unset.
type EngineConfig struct {
	StateRoot             string `mapstructure:"state_root"`              // Default state root for pipelines that omit one
	ScanIntervalSeconds   int    `mapstructure:"scan_interval_seconds"`   // How often to run scan cycles (default: 60)
	MaxConcurrentEntities int    `mapstructure:"max_concurrent_entities"` // Entities executing stages simultaneously (default: 4)
	BackoffSeconds        []int  `mapstructure:"backoff_seconds"`         // Failure retry schedule (default: 1m,5m,15m,1h,4h,24h)

	// ExecutionsPerMinute rate-limits node executions across all entities.
	// 0 disables rate limiting.
	ExecutionsPerMinute int `mapstructure:"executions_per_minute"`
}
