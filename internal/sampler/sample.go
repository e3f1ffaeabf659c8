package sampler

import "time"

// Sample is one tick's snapshot for a single device. Pointer fields
// serialize as null when the underlying query failed that tick or the
// (device, metric) pair is permanently degraded.
type Sample struct {
	UUID      string    `json:"gpu_uuid"`
	Timestamp time.Time `json:"ts"`
	Metrics   Metrics   `json:"metrics"`
}

// Metrics holds the converted per-tick values as published to the registry.
type Metrics struct {
	// Utilization is the compute engine busy fraction in [0.0, 1.0].
	Utilization *float64 `json:"utilization"`
	// MemoryTotalBytes and MemoryUsedBytes come from one memory query.
	MemoryTotalBytes *uint64 `json:"memory_total_bytes"`
	MemoryUsedBytes  *uint64 `json:"memory_used_bytes"`
	// PowerUsageWatts and PowerLimitWatts are converted from milliwatts.
	PowerUsageWatts *float64 `json:"power_usage_watts"`
	PowerLimitWatts *float64 `json:"power_limit_watts"`
	// EnergyDeltaJoules is the energy consumed since the previous
	// successful reading. Nil on the baseline-seeding tick.
	EnergyDeltaJoules *float64 `json:"energy_delta_joules"`
}
