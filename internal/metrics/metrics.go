// Package metrics is the process-wide telemetry facility: it owns the
// registry and the fixed metric families, coordinates idempotent enabling,
// and controls the lifecycle of the accelerator sampler.
package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/openinfer/telemetryd/internal/gpu"
	"github.com/openinfer/telemetryd/internal/sampler"
)

// Options configure a Metrics facility.
type Options struct {
	// Logger is the untagged base logger; the facility derives one
	// component-tagged logger per concern from it.
	Logger *slog.Logger
	// Driver supplies accelerator access; nil selects the NVML driver.
	Driver gpu.Driver
	// SampleInterval is the pause between sampling ticks; non-positive
	// values select sampler.DefaultInterval.
	SampleInterval time.Duration
	// CPUOnly skips accelerator discovery entirely, as if no devices
	// existed.
	CPUOnly bool
}

// Metrics coordinates the telemetry subsystem. Construct exactly one per
// process with New and pass it to collaborators explicitly.
type Metrics struct {
	logger     *slog.Logger
	baseLogger *slog.Logger
	registry   *prometheus.Registry
	driver     gpu.Driver
	interval   time.Duration
	cpuOnly    bool

	inference inferenceFamilies
	gpuFams   gpuFamilies

	enabled atomic.Bool

	gpuMu       sync.Mutex
	gpuEnabled  bool
	driverReady bool
	devices     []gpu.Device
	sampler     *sampler.Manager
	samplerStop context.CancelFunc
	samplerDone chan struct{}
}

// New builds the facility and registers every metric family.
func New(opts Options) *Metrics {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	driver := opts.Driver
	if driver == nil {
		driver = gpu.NVMLDriver()
	}
	interval := opts.SampleInterval
	if interval <= 0 {
		interval = sampler.DefaultInterval
	}

	registry := prometheus.NewRegistry()
	return &Metrics{
		logger:     logger.With("component", "metrics"),
		baseLogger: logger,
		registry:   registry,
		driver:     driver,
		interval:   interval,
		cpuOnly:    opts.CPUOnly,
		inference:  newInferenceFamilies(registry),
		gpuFams:    newGPUFamilies(registry),
	}
}

// EnableMetrics marks general metric collection as enabled. Idempotent, no
// side effects beyond the flag.
func (m *Metrics) EnableMetrics() {
	m.enabled.Store(true)
}

// Enabled reports whether general metric collection has been enabled.
func (m *Metrics) Enabled() bool {
	return m.enabled.Load()
}

// EnableGPUMetrics discovers accelerators and starts the background sampler.
// Safe for concurrent use: discovery and sampler startup happen exactly once
// no matter how many callers race here. Accelerator metrics are marked
// enabled even when discovery fails or finds nothing; in that case the
// sampler simply never starts.
func (m *Metrics) EnableGPUMetrics() {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()

	if m.gpuEnabled {
		return
	}

	if m.cpuOnly {
		m.logger.Info("accelerator discovery skipped by CPU-only override")
	} else if err := m.initGPUMetrics(); err != nil {
		m.logger.Warn("failed to initialize, GPU metrics will not be available", "err", err)
	}

	m.gpuEnabled = true
}

// GPUMetricsEnabled reports whether EnableGPUMetrics has completed.
func (m *Metrics) GPUMetricsEnabled() bool {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	return m.gpuEnabled
}

// initGPUMetrics runs discovery, binds one instrument set per survivor and
// spawns the sampler. Caller holds gpuMu, so no reader observes a partially
// registered device.
func (m *Metrics) initGPUMetrics() error {
	devices, err := gpu.Discover(m.driver, m.baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		return err
	}
	m.driverReady = true
	m.devices = devices

	if len(devices) == 0 {
		return nil
	}

	targets := make([]sampler.Target, 0, len(devices))
	for _, device := range devices {
		targets = append(targets, sampler.Target{
			Device: device,
			Instruments: sampler.Instruments{
				Utilization: m.gpuFams.utilization.WithLabelValues(device.UUID),
				MemoryTotal: m.gpuFams.memoryTotal.WithLabelValues(device.UUID),
				MemoryUsed:  m.gpuFams.memoryUsed.WithLabelValues(device.UUID),
				PowerUsage:  m.gpuFams.powerUsage.WithLabelValues(device.UUID),
				PowerLimit:  m.gpuFams.powerLimit.WithLabelValues(device.UUID),
				Energy:      m.gpuFams.energy.WithLabelValues(device.UUID),
			},
		})
	}

	manager, err := sampler.NewManager(m.interval, targets, m.baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.sampler = manager
	m.samplerStop = cancel
	m.samplerDone = done

	go func() {
		defer close(done)
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("sampler exited", "err", err)
		}
	}()

	return nil
}

// Shutdown stops the background sampler and waits until it has fully
// exited, then releases the driver. A no-op when the sampler never started;
// safe to call repeatedly.
func (m *Metrics) Shutdown() {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()

	if m.samplerStop != nil {
		m.samplerStop()
		<-m.samplerDone
		m.samplerStop = nil
		m.samplerDone = nil
	}

	if m.driverReady {
		if err := m.driver.Shutdown(); err != nil {
			m.logger.Debug("driver shutdown", "err", err)
		}
		m.driverReady = false
	}
}

// Registry exposes the underlying registry for scrape handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Devices returns the discovered survivor list in enumeration order.
func (m *Metrics) Devices() []gpu.Device {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	devices := make([]gpu.Device, len(m.devices))
	copy(devices, m.devices)
	return devices
}

// Sampler returns the running sampler manager, or nil when no devices
// survived discovery (or GPU metrics were never enabled).
func (m *Metrics) Sampler() *sampler.Manager {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	return m.sampler
}

// SamplerState reports the sampler lifecycle state; Idle when no sampler
// was ever spawned.
func (m *Metrics) SamplerState() sampler.State {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	if m.sampler == nil {
		return sampler.StateIdle
	}
	return m.sampler.State()
}

// UUIDForDevice maps an accelerator index to the UUID its metrics are
// labeled with. Fails cleanly (false) when GPU metrics are disabled or the
// index did not survive discovery.
func (m *Metrics) UUIDForDevice(index int) (string, bool) {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()

	if !m.gpuEnabled {
		return "", false
	}
	for _, device := range m.devices {
		if device.Index == index {
			return device.UUID, true
		}
	}
	return "", false
}

// Exposition renders the registry in the text exposition format.
func (m *Metrics) Exposition() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metric families: %w", err)
	}

	var buf bytes.Buffer
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return "", fmt.Errorf("encode family %s: %w", family.GetName(), err)
		}
	}
	return buf.String(), nil
}

// ModelStats bundles the request-level counters for one (model, version)
// pair. Durations are cumulative microsecond counters.
type ModelStats struct {
	Success        prometheus.Counter
	Failure        prometheus.Counter
	InferenceCount prometheus.Counter
	ExecutionCount prometheus.Counter

	RequestDuration       prometheus.Counter
	QueueDuration         prometheus.Counter
	ComputeInputDuration  prometheus.Counter
	ComputeInferDuration  prometheus.Counter
	ComputeOutputDuration prometheus.Counter
}

// ModelStats returns the bound counters for the given model and version,
// creating the label set on first use.
func (m *Metrics) ModelStats(model, version string) ModelStats {
	return ModelStats{
		Success:               m.inference.success.WithLabelValues(model, version),
		Failure:               m.inference.failure.WithLabelValues(model, version),
		InferenceCount:        m.inference.count.WithLabelValues(model, version),
		ExecutionCount:        m.inference.execCount.WithLabelValues(model, version),
		RequestDuration:       m.inference.requestDuration.WithLabelValues(model, version),
		QueueDuration:         m.inference.queueDuration.WithLabelValues(model, version),
		ComputeInputDuration:  m.inference.computeInputDuration.WithLabelValues(model, version),
		ComputeInferDuration:  m.inference.computeInferDuration.WithLabelValues(model, version),
		ComputeOutputDuration: m.inference.computeOutputDuration.WithLabelValues(model, version),
	}
}
